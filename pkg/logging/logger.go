// Package logging builds the service's root zerolog logger. Components
// derive child loggers from it with With().Str("component", ...).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level, encoding, and destination for the root
// logger.
type LogConfig struct {
	Level      string // trace, debug, info, warn, error, fatal, panic
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or a file path
	TimeFormat string
	NoColor    bool
}

// DefaultLogConfig is json-to-stdout at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
	}
}

// New builds the root logger with the default configuration.
func New(serviceName, version string) zerolog.Logger {
	return NewWithConfig(serviceName, version, DefaultLogConfig())
}

// NewWithConfig builds the root logger. Zero-valued fields fall back
// to the defaults, so a partially filled LogConfig is usable.
func NewWithConfig(serviceName, version string, config LogConfig) zerolog.Logger {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	return zerolog.New(writerFor(config)).
		Level(levelFor(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Caller().
		Logger()
}

func writerFor(config LogConfig) io.Writer {
	var out io.Writer
	switch config.Output {
	case "stderr":
		out = os.Stderr
	case "stdout", "":
		out = os.Stdout
	default:
		// Anything else is a file path. A file that cannot be opened
		// must not take logging down with it.
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			out = os.Stdout
		} else {
			out = file
		}
	}

	if config.Format == "console" || config.Format == "text" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}
	return out
}

func levelFor(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
