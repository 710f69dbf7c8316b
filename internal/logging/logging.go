// Package logging configures the process-wide slog logger: a text handler
// on stderr plus an optional size-rotated log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error (case-insensitive).
	Level string
	// FilePath, when non-empty, adds a rotating file sink alongside stderr.
	FilePath string
	// MaxSizeMB is the rotation threshold for the file sink (default 10).
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep (default 5).
	MaxBackups int
}

// New builds a slog.Logger per opts. The returned closer stops the file
// sink; it is a no-op when no file is configured.
func New(opts Options) (*slog.Logger, io.Closer) {
	level := ParseLevel(opts.Level)

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		lj := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closer
}

// ParseLevel maps a level string to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
