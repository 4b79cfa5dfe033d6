package toolchain

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CreateEnvironmentTarball invokes the out-of-process tarball builder with
// the resolved compiler and an /etc/compiler_info descriptor, scans its
// stdout for the "creating <tarball>" line, and returns the tarball bytes.
// The script itself is an external collaborator; this is just the exec
// plumbing around it.
func CreateEnvironmentTarball(script, resolvedCompiler string) ([]byte, error) {
	info, err := writeCompilerInfo(resolvedCompiler)
	if err != nil {
		return nil, err
	}
	defer os.Remove(info)

	cmd := exec.Command(script, resolvedCompiler, "--addfile", info+":/etc/compiler_info")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("toolchain: env-tar script %s: %w (%s)", script, err, strings.TrimSpace(stderr.String()))
	}

	tarball := ""
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "creating "); ok {
			tarball = strings.TrimSpace(rest)
		}
	}
	if tarball == "" {
		return nil, fmt.Errorf("toolchain: env-tar script %s printed no \"creating <tarball>\" line", script)
	}
	defer os.Remove(tarball)

	data, err := os.ReadFile(tarball)
	if err != nil {
		return nil, fmt.Errorf("toolchain: reading environment tarball: %w", err)
	}
	return data, nil
}

// writeCompilerInfo captures `<compiler> -v` plus the path into a temp file
// the tarball embeds as /etc/compiler_info.
func writeCompilerInfo(resolvedCompiler string) (string, error) {
	out, _ := exec.Command(resolvedCompiler, "-v").CombinedOutput()
	f, err := os.CreateTemp("", "hgcc-compiler-info-")
	if err != nil {
		return "", err
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\n", resolvedCompiler)
	f.Write(out)
	return f.Name(), nil
}
