package output

import (
	"os"

	"github.com/fatih/color"
)

var (
	Success = color.New(color.FgGreen).SprintFunc()
	Error   = color.New(color.FgRed).SprintFunc()
	Warning = color.New(color.FgYellow).SprintFunc()
	Info    = color.New(color.FgCyan).SprintFunc()
	Bold    = color.New(color.Bold).SprintFunc()
	Dim     = color.New(color.Faint).SprintFunc()
)

// DisableColors disables color output (for non-TTY environments).
func DisableColors() {
	color.NoColor = true
}

// AutoDetectColors enables/disables colors based on terminal capability.
func AutoDetectColors() {
	if !isTerminal() {
		DisableColors()
	}
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
