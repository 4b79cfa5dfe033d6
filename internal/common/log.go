// Package common holds small pieces of plumbing shared by every hgcc binary:
// the process-wide logger.
package common

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// InitConsoleLog points the global zerolog logger at a human-readable console
// writer on stderr. Used by cmd/hgcc, where output must not clobber the
// compiler's own stdout/stderr contract.
func InitConsoleLog(verbosity int) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := verbosityToLevel(verbosity)
	zerolog.SetGlobalLevel(level)

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	log := zerolog.New(writer).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	globalLogger = log
}

// InitJSONLog points the global logger at line-delimited JSON on the given
// writer, used by the reference scheduler and builder daemons.
func InitJSONLog(w io.Writer, verbosity int) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(verbosityToLevel(verbosity))
	log := zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	globalLogger = log
}

var globalLogger zerolog.Logger

// Log returns the process-wide logger. Safe before Init* is called: it then
// returns a zero-value zerolog.Logger, which writes nothing.
func Log() *zerolog.Logger {
	return &globalLogger
}

func verbosityToLevel(v int) zerolog.Level {
	switch {
	case v >= 3:
		return zerolog.TraceLevel
	case v == 2:
		return zerolog.DebugLevel
	case v == 1:
		return zerolog.InfoLevel
	default:
		return zerolog.WarnLevel
	}
}
