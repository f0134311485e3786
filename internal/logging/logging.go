// Package logging builds the zerolog logger shared by the binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr; stdout stays free for media.
// An unknown level falls back to info.
func New(level string, console bool) zerolog.Logger {
	return newLogger(os.Stderr, level, console)
}

func newLogger(w io.Writer, level string, console bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	if err != nil {
		logger.Warn().Str("level", level).Msg("unknown log level, using info")
	}
	return logger
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
