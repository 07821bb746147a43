package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Components derive child loggers
// from it with WithComponent.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a log verbosity
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// LevelFromFlags maps the --debug, --info and --quiet switches to a
// level. The most verbose switch wins; info is the default.
func LevelFromFlags(debug, info, quiet bool) Level {
	switch {
	case debug:
		return DebugLevel
	case info:
		return InfoLevel
	case quiet:
		return WarnLevel
	}
	return InfoLevel
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // stdout when nil
}

// Init replaces the global logger. Unknown levels fall back to info.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if nc, ok := out.(nopCloser); ok {
		out = nc.Writer
	}
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    out != os.Stdout && out != os.Stderr,
		}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// OpenOutput resolves the --log destination. "stdout" and "stderr" map to
// the process streams, anything else is opened as an append-only file.
func OpenOutput(dest string) (io.WriteCloser, error) {
	switch dest {
	case "", "stdout":
		return nopCloser{os.Stdout}, nil
	case "stderr":
		return nopCloser{os.Stderr}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", dest, err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTaskSet creates a child logger with taskset field
func WithTaskSet(name string) zerolog.Logger {
	return Logger.With().Str("component", "scheduler").Str("taskset", name).Logger()
}

// WithRequest derives a logger carrying the request name
func WithRequest(l zerolog.Logger, request string) zerolog.Logger {
	return l.With().Str("request", request).Logger()
}

// WithAllocation derives a logger carrying the allocation name
func WithAllocation(l zerolog.Logger, allocation string) zerolog.Logger {
	return l.With().Str("allocation", allocation).Logger()
}
