// Package toolchain resolves the real compiler behind an hgcc invocation
// and fingerprints its build environment.
//
// The symlink dispatch model (see cmd/hgcc) means argv[0] is a compiler
// name like "gcc" or "clang++", and hgcc's own symlinks may sit earlier on
// $PATH than the real compiler, so resolution is a full $PATH walk that
// skips anything resolving back to the running binary.
package toolchain

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Kind identifies a compiler family.
type Kind int

const (
	KindUnknown Kind = iota
	KindGCC
	KindClang
	KindGPlusPlus
	KindClangPlusPlus
)

// Compiler describes the real compiler resolved for an invocation.
type Compiler struct {
	// Name is the argv[0] basename hgcc was invoked as, e.g. "g++".
	Name string
	// Kind is the detected compiler family.
	Kind Kind
	// Path is the absolute, symlink-resolved path to the real compiler
	// binary (never hgcc itself).
	Path string
	// IsCXX is true for g++/clang++ invocations.
	IsCXX bool
	// BuilderCompiler is the canonical path the remote builder should
	// invoke (e.g. "/usr/bin/g++").
	BuilderCompiler string
}

// selfPaths are absolute paths to the running hgcc binary and everything it
// is symlinked from, used to skip over ourselves while walking $PATH.
func selfPaths() map[string]struct{} {
	self, err := os.Executable()
	out := map[string]struct{}{}
	if err != nil {
		return out
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		out[resolved] = struct{}{}
	}
	out[self] = struct{}{}
	return out
}

// Resolve finds the real compiler for the given argv[0] (e.g. "cc", "gcc",
// "g++", "clang", "clang++"), skipping any $PATH entry that resolves back to
// the running hgcc binary itself.
func Resolve(argv0 string) (*Compiler, error) {
	name := filepath.Base(argv0)
	kind, isCXX := classify(name)
	if kind == KindUnknown {
		return nil, fmt.Errorf("toolchain: unrecognized compiler name %q", name)
	}

	path, err := findInPath(name)
	if err != nil {
		return nil, err
	}

	return &Compiler{
		Name:            name,
		Kind:            kind,
		Path:            path,
		IsCXX:           isCXX,
		BuilderCompiler: builderCompilerName(kind),
	}, nil
}

// builderCompilerName maps a detected Kind to the canonical path the
// remote builder is expected to have the corresponding compiler at.
func builderCompilerName(kind Kind) string {
	switch kind {
	case KindGCC:
		return "/usr/bin/gcc"
	case KindGPlusPlus:
		return "/usr/bin/g++"
	case KindClang:
		return "/usr/bin/clang"
	case KindClangPlusPlus:
		return "/usr/bin/clang++"
	default:
		return ""
	}
}

func classify(name string) (Kind, bool) {
	switch {
	case name == "g++" || strings.HasSuffix(name, "-g++"):
		return KindGPlusPlus, true
	case name == "clang++" || strings.HasSuffix(name, "-clang++"):
		return KindClangPlusPlus, true
	case name == "gcc" || name == "cc" || strings.HasSuffix(name, "-gcc"):
		return KindGCC, false
	case name == "clang" || strings.HasSuffix(name, "-clang"):
		return KindClang, false
	default:
		return KindUnknown, false
	}
}

// findInPath walks $PATH for the first entry named `name` whose resolved
// target is neither this running binary nor a file with its basename.
func findInPath(name string) (string, error) {
	self := selfPaths()
	selfBases := map[string]struct{}{}
	for p := range self {
		selfBases[filepath.Base(p)] = struct{}{}
	}
	pathEnv := os.Getenv("PATH")
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		resolved, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			resolved = candidate
		}
		if _, skip := self[resolved]; skip {
			continue
		}
		if _, skip := selfBases[filepath.Base(resolved)]; skip {
			continue
		}
		if !isExecutable(info) {
			continue
		}
		return resolved, nil
	}
	return "", fmt.Errorf("toolchain: %q not found in PATH (or only hgcc itself was found)", name)
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode()&0111 != 0
}

// envHashCacheFile is the on-disk JSON cache of environment hashes,
// guarded by an flock so concurrent hgcc invocations on the same host
// never corrupt it.
type envHashCacheFile struct {
	Entries map[string]string `json:"entries"` // "path:mtimeUnixNano" -> hex sha1
}

var cacheMu sync.Mutex

func cachePath() string {
	dir := os.Getenv("HGCC_CACHE_DIR")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".cache", "hgcc")
		} else {
			dir = filepath.Join(os.TempDir(), "hgcc-cache")
		}
	}
	_ = os.MkdirAll(dir, 0755)
	return filepath.Join(dir, "envhash.json")
}

// EnvironmentHash returns the SHA-1 of the resolved compiler's build
// environment: the output of `<compiler> -v`, with any COLLECT_-prefixed
// line stripped (those lines embed the ambient PATH, which is irrelevant to
// whether two hosts can execute the same code identically). Cached on disk
// keyed by path+mtime.
func EnvironmentHash(resolvedCompiler string) (string, error) {
	info, err := os.Stat(resolvedCompiler)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s:%d", resolvedCompiler, info.ModTime().UnixNano())

	cacheMu.Lock()
	defer cacheMu.Unlock()

	path := cachePath()
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err == nil {
		defer lock.Unlock()
	}

	cache := loadCache(path)
	if hash, ok := cache.Entries[key]; ok {
		return hash, nil
	}

	hash, err := computeEnvironmentHash(resolvedCompiler)
	if err != nil {
		return "", err
	}

	cache.Entries[key] = hash
	saveCache(path, cache)
	return hash, nil
}

func computeEnvironmentHash(resolvedCompiler string) (string, error) {
	cmd := exec.Command(resolvedCompiler, "-v")
	out, _ := cmd.CombinedOutput()

	h := sha1.New()
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "COLLECT_") {
			continue
		}
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func loadCache(path string) *envHashCacheFile {
	data, err := os.ReadFile(path)
	if err != nil {
		return &envHashCacheFile{Entries: map[string]string{}}
	}
	var c envHashCacheFile
	if err := json.Unmarshal(data, &c); err != nil || c.Entries == nil {
		return &envHashCacheFile{Entries: map[string]string{}}
	}
	return &c
}

func saveCache(path string, c *envHashCacheFile) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}
