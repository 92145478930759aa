// Package xferlog builds the process-wide slog.Logger, grounded on the
// teacher's root.go buildLogger: a handler writing to stderr (text on a
// terminal, JSON otherwise) whose level is set by config, then overridden by
// CLI verbosity flags.
package xferlog

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Level names recognized in configuration and CLI flags.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Options controls logger construction. Verbose/Debug/Quiet are mutually
// exclusive CLI overrides; when none is set, ConfigLevel (from
// internal/config) determines the level, defaulting to Warn.
type Options struct {
	ConfigLevel string
	Verbose     bool
	Debug       bool
	Quiet       bool
}

// New builds a slog.Logger writing to stderr: text-formatted when stderr is
// a terminal (a developer watching the output), JSON when it is not (piped
// to a file or captured by a process supervisor like systemd, where
// structured fields matter more than human alignment).
func New(opts Options) *slog.Logger {
	level := levelFromName(opts.ConfigLevel)

	switch {
	case opts.Debug:
		level = slog.LevelDebug
	case opts.Verbose:
		level = slog.LevelInfo
	case opts.Quiet:
		level = slog.LevelError
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
}

func levelFromName(name string) slog.Level {
	switch name {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
