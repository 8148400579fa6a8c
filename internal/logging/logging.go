// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/famish99/fifoplayd/internal/config"
)

// New returns the root logger for a process
func New(cfg config.LogConfig, process string) (zerolog.Logger, error) {
	return NewWithWriter(cfg, process, os.Stderr)
}

// NewWithWriter is New with an explicit sink
func NewWithWriter(cfg config.LogConfig, process string, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	out := w
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("process", process).
		Logger(), nil
}

// Component scopes a logger to one pipeline component
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
