// Package statlog appends one line-delimited JSON statistics record per
// invocation to the configured log. The log is shared by every hgcc
// process on the host, so writes happen under an exclusive flock and the
// file is only ever grown, never replaced.
package statlog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// Record is one invocation's statistics line.
type Record struct {
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	SourceFile  string `json:"sourceFile,omitempty"`
	SourceSize  int64  `json:"source_size,omitempty"`
	OutputSize  int64  `json:"output_size,omitempty"`
	CppSize     int    `json:"cpp_size,omitempty"`
	CppTimeMS   int64  `json:"cpp_time,omitempty"`
	Local       bool   `json:"local,omitempty"`
	CommandLine string `json:"command_line,omitempty"`
}

// Append writes one Record as a JSON line to path, creating it if absent.
// The exclusive flock is held only across the write+close, never across
// any blocking work.
func Append(path string, rec Record) error {
	if path == "" {
		return nil
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("statlog: locking %s: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("statlog: opening %s: %w", path, err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("statlog: marshaling record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("statlog: writing %s: %w", path, err)
	}
	return nil
}
