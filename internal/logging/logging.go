// Package logging sets up the control plane's structured logger: a
// colorized tint handler for interactive CLI invocations, and plain JSON
// for long-running daemons (the monitor and auto-scaler loop) so their
// output stays machine-parseable, mirroring the teacher's daemon-vs-CLI
// output split.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewCLI returns a logger tuned for interactive terminal use: colorized,
// timestamped, writing to w (stderr by default).
func NewCLI(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// NewDaemon returns a logger for long-lived supervised processes (monitor,
// auto-scaler loop): plain JSON lines, one per tick or event, so external
// tooling can parse them without stripping ANSI codes.
func NewDaemon(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Default is the CLI logger wired to stderr, used by commands that haven't
// been handed an explicit logger.
func Default() *slog.Logger {
	return NewCLI(os.Stderr, false)
}
