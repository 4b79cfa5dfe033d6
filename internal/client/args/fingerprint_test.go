package args

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSink(t *testing.T) *FingerprintSink {
	t.Helper()
	ca := Classify([]string{"-c", "foo.c", "-o", "foo.o"}, Options{IsTTY: true, FingerprintEnabled: true})
	require.Equal(t, Remote, ca.LocalReason)
	require.NotNil(t, ca.Fingerprint)
	return ca.Fingerprint
}

func TestFingerprint_LineMarkersElided(t *testing.T) {
	a := newSink(t)
	a.AddPreprocessedChunk([]byte("int x;\n# 12 \"foo.c\"\nint y;\n"))

	b := newSink(t)
	b.AddPreprocessedChunk([]byte("int x;\n# 999 \"other/path/foo.c\" 2\nint y;\n"))

	assert.Equal(t, a.Sum(), b.Sum())
}

func TestFingerprint_SensitiveToCode(t *testing.T) {
	a := newSink(t)
	a.AddPreprocessedChunk([]byte("int x;\n"))

	b := newSink(t)
	b.AddPreprocessedChunk([]byte("int y;\n"))

	assert.NotEqual(t, a.Sum(), b.Sum())
}

func TestFingerprint_MarkerSplitAcrossChunks(t *testing.T) {
	a := newSink(t)
	a.AddPreprocessedChunk([]byte("int x;\n# 1"))
	a.AddPreprocessedChunk([]byte("2 \"foo.c\"\nint y;\n"))

	b := newSink(t)
	b.AddPreprocessedChunk([]byte("int x;\nint y;\n"))

	assert.Equal(t, a.Sum(), b.Sum())
}

func TestFingerprint_SensitiveToArguments(t *testing.T) {
	a := Classify([]string{"-c", "foo.c", "-o", "foo.o", "-DX=1"}, Options{IsTTY: true, FingerprintEnabled: true})
	b := Classify([]string{"-c", "foo.c", "-o", "foo.o", "-DX=2"}, Options{IsTTY: true, FingerprintEnabled: true})
	assert.NotEqual(t, a.Fingerprint.Sum(), b.Fingerprint.Sum())
}

func TestFingerprint_InsensitiveToDiagnosticsFlags(t *testing.T) {
	a := Classify([]string{"-c", "foo.c", "-o", "foo.o"}, Options{IsTTY: true, FingerprintEnabled: true})
	b := Classify([]string{"-c", "foo.c", "-o", "foo.o", "-fdiagnostics-color=always"}, Options{IsTTY: true, FingerprintEnabled: true})
	assert.Equal(t, a.Fingerprint.Sum(), b.Fingerprint.Sum())
}

func TestFingerprint_SourceRootStripped(t *testing.T) {
	// The same project checked out at two different roots fingerprints
	// identically when the roots are configured.
	x := newSinkWithRoot(t, "/home/alice/proj", "/home/alice/proj/src/foo.c")
	y := newSinkWithRoot(t, "/home/bob/proj", "/home/bob/proj/src/foo.c")
	assert.Equal(t, x, y)

	z := newSinkWithRoot(t, "/home/bob/proj", "/home/bob/proj/src/bar.c")
	assert.NotEqual(t, x, z)
}

func newSinkWithRoot(t *testing.T, root, source string) string {
	t.Helper()
	ca := Classify([]string{"-c", source, "-o", "foo.o"}, Options{IsTTY: true, FingerprintEnabled: true, SourceRoot: root})
	require.Equal(t, Remote, ca.LocalReason)
	return ca.Fingerprint.Sum()
}

func TestFingerprint_EnvironmentHashChangesSum(t *testing.T) {
	a := newSink(t)
	a.AddEnvironmentHash("aaaa")

	b := newSink(t)
	b.AddEnvironmentHash("bbbb")

	assert.NotEqual(t, a.Sum(), b.Sum())
}

func TestFingerprint_NilSinkIsSafe(t *testing.T) {
	var s *FingerprintSink
	s.AddEnvironmentHash("x")
	s.AddPreprocessedChunk([]byte("y"))
	assert.Equal(t, "", s.Sum())
}
