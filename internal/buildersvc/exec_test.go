package buildersvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCompilerScript behaves like a compiler for the scratch-directory
// contract: it writes object bytes to the -o target and echoes a line.
func stubCompilerScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestCompile_ProducesOutputFiles(t *testing.T) {
	cc := stubCompilerScript(t, `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out=$2; shift; fi
  shift
done
printf 'objectcode' > "$out"
echo 'compiled ok'`)

	res, err := Compile(context.Background(), CompileRequest{
		CommandLine: []string{cc, "-c", "foo.c", "-o", "foo.o"},
		Argv0:       "/usr/bin/gcc",
		Source:      []byte("int x;\n"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.ExitCode)
	assert.Contains(t, res.Stdout, "compiled ok")

	require.Len(t, res.Files, 1)
	assert.Equal(t, "foo.o", res.Files[0].Path)
	assert.Equal(t, "objectcode", string(res.Files[0].Data))
}

func TestCompile_FailurePropagatesExitCode(t *testing.T) {
	cc := stubCompilerScript(t, `echo 'foo.c:1: error: nope' >&2
exit 1`)

	res, err := Compile(context.Background(), CompileRequest{
		CommandLine: []string{cc, "-c", "foo.c", "-o", "foo.o"},
		Source:      []byte("int x;\n"),
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "error: nope")
}

func TestCompile_TimeoutReportsMinusOne(t *testing.T) {
	cc := stubCompilerScript(t, `sleep 10`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := Compile(ctx, CompileRequest{
		CommandLine: []string{cc, "-c", "foo.c", "-o", "foo.o"},
		Source:      []byte("int x;\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestCompile_EmptyCommandLine(t *testing.T) {
	_, err := Compile(context.Background(), CompileRequest{})
	assert.Error(t, err)
}

func TestSourceExtension(t *testing.T) {
	assert.Equal(t, ".ii", sourceExtension("/usr/bin/g++"))
	assert.Equal(t, ".ii", sourceExtension("clang++"))
	assert.Equal(t, ".i", sourceExtension("/usr/bin/gcc"))
	assert.Equal(t, ".i", sourceExtension("clang"))
}

func TestSubstituteSource(t *testing.T) {
	out := substituteSource([]string{"-c", "src/foo.c", "-o", "foo.o", "-I", "inc"}, "/scratch/source.i")
	assert.Equal(t, []string{"-c", "-o", "foo.o", "-I", "inc", "/scratch/source.i"}, out)
}

func TestSubstituteSource_NoInputStillAppends(t *testing.T) {
	out := substituteSource([]string{"-c", "-o", "foo.o"}, "/scratch/source.i")
	assert.Contains(t, out, "/scratch/source.i")
}
