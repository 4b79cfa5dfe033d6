// Package args classifies a compiler command line into either a remotely
// dispatchable CompilerArgs or a concrete reason why the invocation must run
// locally. The classifier is a single forward pass: flags that make a job
// inherently local (-S, -E, -march=native, assembler input, stdin, ...)
// reject immediately, everything else accumulates into the language bitset,
// input/output indices and, when object caching is on, a fingerprint.
package args

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LocalReason explains why an invocation cannot be sent to a builder.
// The zero value, Remote, means the job is eligible for dispatch.
type LocalReason int

const (
	Remote LocalReason = iota
	Preprocess
	DoNotAssemble
	StdOutOutput
	ParseError
	NativeArch
	Charset
	ExtraFiles
	MultiArch
	MultiSource
	StdinInput
	NoSources
	Link
	NoIntegratedAs
	BinPath
)

func (r LocalReason) String() string {
	switch r {
	case Remote:
		return "remote"
	case Preprocess:
		return "preprocess-only"
	case DoNotAssemble:
		return "do-not-assemble"
	case StdOutOutput:
		return "stdout-output"
	case ParseError:
		return "parse-error"
	case NativeArch:
		return "native-arch"
	case Charset:
		return "charset"
	case ExtraFiles:
		return "extra-files"
	case MultiArch:
		return "multi-arch"
	case MultiSource:
		return "multi-source"
	case StdinInput:
		return "stdin-input"
	case NoSources:
		return "no-sources"
	case Link:
		return "link"
	case NoIntegratedAs:
		return "no-integrated-as"
	case BinPath:
		return "bin-path"
	default:
		return "unknown"
	}
}

// Language is the bitset of input-language classifications.
type Language uint32

const (
	LangNone Language = 0
	LangC    Language = 1 << iota
	LangCXX
	LangObjC
	LangObjCXX
	LangCCPPOutput    // c-cpp-output
	LangCXXCPPOutput  // c++-cpp-output
	LangAssembler     // assembler, not preprocessed
	LangAssemblerCPP  // assembler-with-cpp
)

func (l Language) isAssembler() bool {
	return l&(LangAssembler|LangAssemblerCPP) != 0
}

func (l Language) isPreprocessed() bool {
	return l&(LangCCPPOutput|LangCXXCPPOutput) != 0
}

// CompilerArgs is the immutable result of a successful classification.
type CompilerArgs struct {
	CommandLine []string // original argv, unmodified except synthesis below

	SourceFile      string
	SourceFileIndex int // -1 if none
	ObjectFile      string
	ObjectFileIndex int // -1 if not present in CommandLine

	Lang Language

	HasDashO  bool
	HasDashX  bool
	HasDashM  map[string]bool // "32","64","F","D","MD","T"

	LocalReason LocalReason

	// Fingerprint accumulates while parsing, finalized by the caller once
	// the preprocessed source is also hashed in. Nil when object-cache
	// fingerprinting is disabled.
	Fingerprint *FingerprintSink
}

// Options controls classifier behavior that depends on configuration rather
// than the argv itself.
type Options struct {
	// FingerprintEnabled turns on SHA-1 accumulation over semantically
	// relevant arguments (the object-cache configuration bit).
	FingerprintEnabled bool
	// SourceRoot is stripped from the source path before it is fed to the
	// fingerprint, so the same project at two different checkout paths
	// fingerprints identically.
	SourceRoot string
	// IsTTY controls whether color-diagnostics flags get rewritten off.
	IsTTY bool
	// GCCMajor/ClangMajor, when > 0, gate the version-dependent rewrites
	// (JSON diagnostics on GCC >= 10, -Wno-gnu-line-marker on clang >= 15).
	GCCMajor   int
	ClangMajor int
	IsGCC      bool
	IsClang    bool
}

// nArgTable lists flags that consume N following argv slots.
var nArgTable = map[string]int{
	"-I":             1,
	"-isystem":       1,
	"-iquote":        1,
	"-idirafter":     1,
	"-include":       1,
	"-imacros":       1,
	"-D":             1,
	"-U":             1,
	"-target":        1,
	"-sectcreate":    3,
	"-framework":     1,
	"-Xclang":        1,
	"-Xpreprocessor": 1,
	"-Xassembler":    1,
	"-Xlinker":       1,
}

var rejectPrefixes = []struct {
	prefix string
	reason LocalReason
}{
	{"-B", BinPath},
	{"-march=native", NativeArch},
	{"-mcpu=native", NativeArch},
	{"-mtune=native", NativeArch},
	{"-fexec-charset", Charset},
	{"-fwide-exec-charset", Charset},
	{"-finput-charset", Charset},
	{"-fplugin=", ExtraFiles},
	{"-fsanitize-blacklist=", ExtraFiles},
}

// rewriteColorDiagnostics rewrites TTY-dependent color flags when
// stdout is not a terminal, matching what a human would see if the
// compiler itself detected a pipe.
func rewriteColorDiagnostics(arg string, isTTY bool) (string, bool) {
	if isTTY {
		return arg, false
	}
	switch {
	case arg == "-fcolor-diagnostics":
		return "-fno-color-diagnostics", true
	case arg == "-fdiagnostics-color=always" || arg == "-fdiagnostics-color=auto":
		return "-fdiagnostics-color=never", true
	}
	return arg, false
}

// Classify scans argv (excluding argv[0]) and returns either a dispatchable
// CompilerArgs (LocalReason == Remote) or one with LocalReason set to why
// the job must run locally; callers key fallback text off LocalReason's
// String().
func Classify(argv []string, opt Options) *CompilerArgs {
	ca := &CompilerArgs{
		CommandLine:     append([]string(nil), argv...),
		SourceFileIndex: -1,
		ObjectFileIndex: -1,
		HasDashM:        map[string]bool{},
	}

	var hasDashC bool
	var archSeen string
	var sourceCount int
	var sawDashCAnywhere bool

	n := len(argv)
	for i := 0; i < n; i++ {
		arg := argv[i]

		if arg == "-c" {
			hasDashC = true
			sawDashCAnywhere = true
			continue
		}
		if arg == "-" {
			return reject(ca, StdinInput)
		}
		if reason, ok := exactReject(arg); ok {
			return reject(ca, reason)
		}
		if reason, ok := prefixReject(arg); ok {
			return reject(ca, reason)
		}

		switch {
		case arg == "-o":
			ca.HasDashO = true
			if i+1 >= n {
				return reject(ca, ParseError)
			}
			i++
			if argv[i] == "-" {
				return reject(ca, StdOutOutput)
			}
			ca.ObjectFile = argv[i]
			ca.ObjectFileIndex = i
			continue
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			ca.HasDashO = true
			val := arg[2:]
			if val == "-" {
				return reject(ca, StdOutOutput)
			}
			ca.ObjectFile = val
			ca.ObjectFileIndex = i
			continue

		case strings.HasPrefix(arg, "-Wa,"):
			if reason := parseWa(arg); reason != Remote {
				return reject(ca, reason)
			}
			continue

		case arg == "-arch":
			if i+1 >= n {
				return reject(ca, ParseError)
			}
			i++
			if archSeen != "" && archSeen != argv[i] {
				return reject(ca, MultiArch)
			}
			archSeen = argv[i]
			continue

		case arg == "-x":
			if i+1 >= n {
				return reject(ca, ParseError)
			}
			i++
			ca.HasDashX = true
			ca.Lang = langFromName(argv[i])
			continue
		case strings.HasPrefix(arg, "-x") && len(arg) > 2:
			ca.HasDashX = true
			ca.Lang = langFromName(arg[2:])
			continue

		case arg == "-m32":
			ca.HasDashM["32"] = true
			continue
		case arg == "-m64":
			ca.HasDashM["64"] = true
			continue
		case arg == "-MF":
			ca.HasDashM["F"] = true
			i++ // consumes the following path
			continue
		case arg == "-MD":
			ca.HasDashM["MD"] = true
			continue
		case arg == "-MMD":
			ca.HasDashM["MD"] = true
			continue
		case arg == "-MT":
			ca.HasDashM["T"] = true
			i++
			continue
		}

		if consumed, ok := nArgTable[arg]; ok {
			if i+consumed >= n {
				return reject(ca, ParseError)
			}
			i += consumed
			continue
		}

		if strings.HasPrefix(arg, "-") {
			continue // unrecognized flag, carried through verbatim
		}

		// Positional argument.
		sourceCount++
		if sourceCount == 1 {
			ca.SourceFile = arg
			ca.SourceFileIndex = i
			if !ca.HasDashX {
				ca.Lang = langFromExt(arg)
			}
			continue
		}
		if sourceCount == 2 {
			if sawDashCAnywhere || scanForDashC(argv, i+1) {
				return reject(ca, MultiSource)
			}
			return reject(ca, Link)
		}
	}

	if !hasDashC {
		return reject(ca, Link)
	}
	if ca.SourceFileIndex < 0 {
		return reject(ca, NoSources)
	}
	if ca.Lang == LangNone {
		ca.Lang = langFromExt(ca.SourceFile)
	}
	if ca.Lang.isAssembler() {
		return reject(ca, DoNotAssemble)
	}

	if !ca.HasDashO {
		base := filepath.Base(ca.SourceFile)
		ext := filepath.Ext(base)
		ca.ObjectFile = strings.TrimSuffix(base, ext) + ".o"
		ca.CommandLine = append(ca.CommandLine, "-o", ca.ObjectFile)
		ca.ObjectFileIndex = len(ca.CommandLine) - 1
		ca.HasDashO = true
	}
	if dep, ok := DependencyFileArg(ca); ok {
		ca.CommandLine = append(ca.CommandLine, dep)
		ca.HasDashM["F"] = true
	}
	if prof, ok := ProfileDirArg(ca.CommandLine, filepath.Dir(ca.ObjectFile)); ok {
		ca.CommandLine = append(ca.CommandLine, prof)
	}

	if opt.IsGCC && opt.GCCMajor >= 10 {
		ca.CommandLine = rewriteDiagnosticsJSON(ca.CommandLine)
	}
	if opt.IsClang && opt.ClangMajor >= 15 {
		ca.CommandLine = append(ca.CommandLine, "-Wno-gnu-line-marker")
	}
	if !opt.IsTTY {
		for i, a := range ca.CommandLine {
			if rewritten, changed := rewriteColorDiagnostics(a, opt.IsTTY); changed {
				ca.CommandLine[i] = rewritten
			}
		}
	}

	ca.LocalReason = Remote
	if opt.FingerprintEnabled {
		ca.Fingerprint = newFingerprintSink(argv, ca.SourceFile, opt.SourceRoot)
	}
	return ca
}

func reject(ca *CompilerArgs, reason LocalReason) *CompilerArgs {
	ca.LocalReason = reason
	return ca
}

func exactReject(arg string) (LocalReason, bool) {
	switch arg {
	case "-S":
		return DoNotAssemble, true
	case "-E", "-M", "-MM":
		return Preprocess, true
	case "-fno-integrated-as":
		return NoIntegratedAs, true
	}
	return Remote, false
}

func prefixReject(arg string) (LocalReason, bool) {
	for _, p := range rejectPrefixes {
		if strings.HasPrefix(arg, p.prefix) {
			return p.reason, true
		}
	}
	return Remote, false
}

// parseWa walks a -Wa,<sub1>,<sub2>,... argument token by token: an
// embedded assembler listing option (-a...=) or a malformed leading token
// after a comma is a ParseError.
func parseWa(arg string) LocalReason {
	rest := strings.TrimPrefix(arg, "-Wa,")
	parts := strings.Split(rest, ",")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "-a") && strings.Contains(p, "=") {
			return ParseError
		}
		if i > 0 && p[0] != '-' && !isAlnumStart(p[0]) {
			return ParseError
		}
	}
	return Remote
}

func isAlnumStart(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// scanForDashC distinguishes a multi-source compile from a link job once a
// second positional argument appears: any -c anywhere in the remaining
// arguments counts as present.
func scanForDashC(argv []string, from int) bool {
	for i := from; i < len(argv); i++ {
		if argv[i] == "-c" {
			return true
		}
	}
	return false
}

func langFromName(name string) Language {
	switch name {
	case "c":
		return LangC
	case "c++":
		return LangCXX
	case "objective-c":
		return LangObjC
	case "objective-c++":
		return LangObjCXX
	case "c-cpp-output":
		return LangCCPPOutput
	case "c++-cpp-output":
		return LangCXXCPPOutput
	case "assembler":
		return LangAssembler
	case "assembler-with-cpp":
		return LangAssemblerCPP
	default:
		return LangNone
	}
}

func langFromExt(path string) Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return LangC
	case ".cc", ".cpp", ".cxx", ".c++":
		return LangCXX
	case ".m":
		return LangObjC
	case ".mm":
		return LangObjCXX
	case ".i":
		return LangCCPPOutput
	case ".ii":
		return LangCXXCPPOutput
	case ".s":
		return LangAssembler
	case ".sx", ".s_upper":
		return LangAssemblerCPP
	default:
		return LangNone
	}
}

func rewriteDiagnosticsJSON(cmdLine []string) []string {
	out := make([]string, 0, len(cmdLine)+1)
	for _, a := range cmdLine {
		if a == "-fdiagnostics-parseable-fixits" {
			continue
		}
		out = append(out, a)
	}
	return append(out, "-fdiagnostics-format=json")
}

// ProfileDirArg synthesizes a -fprofile-dir= argument when profiling flags
// are present without one, resolving outputDir to an absolute path.
func ProfileDirArg(cmdLine []string, outputDir string) (string, bool) {
	hasProfiling, hasDir := false, false
	for _, a := range cmdLine {
		if strings.HasPrefix(a, "-fprofile-generate") || strings.HasPrefix(a, "-fprofile-use") {
			hasProfiling = true
		}
		if strings.HasPrefix(a, "-fprofile-dir=") {
			hasDir = true
		}
	}
	if !hasProfiling || hasDir {
		return "", false
	}
	abs, err := filepath.Abs(outputDir)
	if err != nil {
		abs = outputDir
	}
	return "-fprofile-dir=" + abs, true
}

// DependencyFileArg synthesizes -MF <output>.d when -MD/-MMD is present
// without an explicit -MF.
func DependencyFileArg(ca *CompilerArgs) (string, bool) {
	if !ca.HasDashM["MD"] || ca.HasDashM["F"] {
		return "", false
	}
	ext := filepath.Ext(ca.ObjectFile)
	return "-MF" + strings.TrimSuffix(ca.ObjectFile, ext) + ".d", true
}

// String is a debug helper, not used on any hot path.
func (ca *CompilerArgs) String() string {
	return fmt.Sprintf("CompilerArgs{source=%s object=%s reason=%s}", ca.SourceFile, ca.ObjectFile, ca.LocalReason)
}
