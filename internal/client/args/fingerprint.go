package args

import (
	"crypto/sha1"
	"hash"
	"path/filepath"
	"strings"
)

// FingerprintSink is the incremental SHA-1 identifying a compilation for
// object caching: semantically relevant arguments, the source path with its
// configured root stripped, the compiler environment hash, and the
// preprocessed source with line-marker directives elided. It is handed to
// both the classifier and the preprocessor worker so neither needs to know
// about the other's internal state, only that they write into the same
// running hash.
type FingerprintSink struct {
	h hash.Hash
	// partial carries an incomplete trailing line between chunk writes so
	// a line marker split across two reads is still recognized.
	partial []byte
}

func newFingerprintSink(argv []string, sourceFile, sourceRoot string) *FingerprintSink {
	s := &FingerprintSink{h: sha1.New()}
	for _, a := range argv {
		// The source path enters root-stripped below, never raw, so two
		// checkouts of the same project fingerprint identically.
		if a == sourceFile {
			continue
		}
		if shouldFingerprint(a) {
			s.h.Write([]byte(a))
		}
	}
	s.h.Write([]byte(stripRoot(sourceFile, sourceRoot)))
	return s
}

// shouldFingerprint reports whether an argument's value can change the
// compiled output and therefore belongs in the object-cache key. Purely
// cosmetic flags (diagnostic formatting and color, -v) are skipped.
func shouldFingerprint(arg string) bool {
	switch {
	case strings.HasPrefix(arg, "-fdiagnostics-"):
		return false
	case strings.HasPrefix(arg, "-fcolor-diagnostics"):
		return false
	case arg == "-v":
		return false
	default:
		return true
	}
}

func stripRoot(path, root string) string {
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

// AddEnvironmentHash feeds the compiler's environment hash into the running
// digest. Called by the driver once the environment hash is known.
func (s *FingerprintSink) AddEnvironmentHash(envHash string) {
	if s == nil {
		return
	}
	s.h.Write([]byte(envHash))
}

// AddPreprocessedChunk feeds a chunk of preprocessed source, excluding any
// "# <lineno>" directive line so the fingerprint survives path remapping
// and include-depth changes that only move line markers around.
func (s *FingerprintSink) AddPreprocessedChunk(chunk []byte) {
	if s == nil {
		return
	}
	data := append(s.partial, chunk...)
	for {
		i := strings.IndexByte(string(data), '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		data = data[i+1:]
		if isLineMarker(line) {
			continue
		}
		s.h.Write([]byte(line))
		s.h.Write([]byte{'\n'})
	}
	s.partial = append([]byte(nil), data...)
}

func isLineMarker(line string) bool {
	if len(line) < 2 || line[0] != '#' {
		return false
	}
	rest := strings.TrimLeft(line[1:], " ")
	return len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9'
}

// Sum finalizes the fingerprint as lowercase hex, flushing any buffered
// partial line. The sink must not be written to after the first call.
func (s *FingerprintSink) Sum() string {
	if s == nil {
		return ""
	}
	if len(s.partial) > 0 {
		if line := string(s.partial); !isLineMarker(line) {
			s.h.Write(s.partial)
			s.h.Write([]byte{'\n'})
		}
		s.partial = nil
	}
	return hexDigest(s.h.Sum(nil))
}

func hexDigest(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
