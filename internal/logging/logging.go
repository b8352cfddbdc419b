// Package logging builds the slog loggers used across handheld.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

// Config selects the logger's level and sinks.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Console receives human-oriented output. Defaults to os.Stderr.
	Console io.Writer

	// File, if set, additionally receives JSON records.
	File io.Writer

	// JSON forces JSON on the console even when it is a terminal.
	JSON bool
}

// DefaultConfig returns an info-level stderr logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Console: os.Stderr,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger fanning out to the configured sinks. The console gets a
// text handler when it is a terminal and JSON otherwise.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	var handlers []slog.Handler
	if !cfg.JSON && isTerminal(console) {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(console, opts))
	}
	if cfg.File != nil {
		handlers = append(handlers, slog.NewJSONHandler(cfg.File, opts))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
