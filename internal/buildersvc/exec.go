// Package buildersvc is the builder daemon: it accepts the WebSocket
// session internal/client/driver dials, runs the compile in a scratch
// directory, and streams back stdout/stderr/exit code plus every file the
// compiler created. Output naming (-o, dependency files, debug/profile
// side files) belongs to the compiler invocation itself, so the daemon
// simply reports whatever the scratch directory contains afterwards.
package buildersvc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hgcc-dist/hgcc/internal/buildersvc/objcache"
)

// CompileRequest is what the builder needs from a client's buildsession.Header
// plus its uploaded body.
type CompileRequest struct {
	// CommandLine is the full argv the builder should run, commandLine[0]
	// being the canonical compiler path the client asked for.
	CommandLine []string
	Argv0       string
	Source      []byte
}

// CompileResult is what the builder sends back as a buildsession.Response
// plus file index.
type CompileResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Files    []objcache.OutputFile
	Duration time.Duration
}

// Compile runs req in a fresh scratch directory and reports everything the
// compiler left behind.
func Compile(ctx context.Context, req CompileRequest) (*CompileResult, error) {
	if len(req.CommandLine) == 0 {
		return nil, fmt.Errorf("buildersvc: empty command line")
	}
	start := time.Now()

	workDir, err := os.MkdirTemp("", "hgcc-builder-")
	if err != nil {
		return nil, fmt.Errorf("buildersvc: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, "source"+sourceExtension(req.Argv0))
	if err := os.WriteFile(srcPath, req.Source, 0644); err != nil {
		return nil, fmt.Errorf("buildersvc: writing preprocessed source: %w", err)
	}

	args := substituteSource(req.CommandLine[1:], srcPath)
	cmd := exec.CommandContext(ctx, req.CommandLine[0], args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &CompileResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, nil
	}

	switch e := runErr.(type) {
	case nil:
		result.Success = true
		result.ExitCode = 0
	case *exec.ExitError:
		result.ExitCode = e.ExitCode()
	default:
		if runErr != nil {
			return nil, fmt.Errorf("buildersvc: starting compiler: %w", runErr)
		}
	}

	files, err := collectOutputFiles(workDir, srcPath)
	if err != nil {
		return nil, fmt.Errorf("buildersvc: collecting output files: %w", err)
	}
	result.Files = files
	return result, nil
}

// sourceExtension picks the extension that makes the local compiler treat
// the uploaded body as already-preprocessed source.
func sourceExtension(argv0 string) string {
	if strings.Contains(argv0, "++") {
		return ".ii"
	}
	return ".i"
}

// substituteSource replaces the original, client-local input file
// arguments with the builder's local scratch-file path. The client's
// source path is meaningless on the builder's filesystem; everything else
// in the command line (flags, -o, -I, -D) is passed through unchanged.
func substituteSource(args []string, srcPath string) []string {
	out := make([]string, 0, len(args)+1)
	skipNext := false
	sawInput := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			out = append(out, a)
			continue
		}
		if a == "-o" {
			out = append(out, a)
			skipNext = true
			continue
		}
		if isSourceLikeArg(a) {
			sawInput = true
			continue
		}
		out = append(out, a)
	}
	if sawInput || !containsInputArg(args) {
		out = append(out, srcPath)
	}
	return out
}

func isSourceLikeArg(a string) bool {
	if a == "" || strings.HasPrefix(a, "-") {
		return false
	}
	switch filepath.Ext(a) {
	case ".c", ".cc", ".cpp", ".cxx", ".C", ".i", ".ii", ".s", ".S", ".m", ".mm":
		return true
	}
	return false
}

func containsInputArg(args []string) bool {
	for _, a := range args {
		if isSourceLikeArg(a) {
			return true
		}
	}
	return false
}

// collectOutputFiles walks workDir for everything the compiler wrote,
// excluding the scratch source file itself. Paths are reported relative to
// workDir, which is also how the client expects to write them (its -o was
// passed through unchanged).
func collectOutputFiles(workDir, srcPath string) ([]objcache.OutputFile, error) {
	var files []objcache.OutputFile
	err := filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || path == srcPath {
			return err
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(workDir, path)
		if rerr != nil {
			return nil
		}
		files = append(files, objcache.OutputFile{Path: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
