// Package logging configures the process-wide slog logger. Output is text
// on a terminal and JSON otherwise, overridable with LOG_FORMAT; LOG_LEVEL
// sets the minimum level.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetDefault builds the logger and installs it as the slog default.
func SetDefault() *slog.Logger {
	logger := New()
	slog.SetDefault(logger)
	return logger
}

// New creates the configured logger.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level(),
		AddSource:   true,
		ReplaceAttr: shortenSource(),
	}
	if textOutput() {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func textOutput() bool {
	switch os.Getenv("LOG_FORMAT") {
	case "text":
		return true
	case "json":
		return false
	}
	stat, err := os.Stdout.Stat()
	return err == nil && stat.Mode()&os.ModeCharDevice != 0
}

func level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
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

// shortenSource rewrites source attrs to paths relative to the working
// directory so log lines stay readable.
func shortenSource() func([]string, slog.Attr) slog.Attr {
	wd, _ := os.Getwd()
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key != slog.SourceKey {
			return a
		}
		if src, ok := a.Value.Any().(*slog.Source); ok {
			if rel, err := filepath.Rel(wd, src.File); err == nil {
				src.File = rel
			} else {
				src.File = filepath.Base(src.File)
			}
		}
		return a
	}
}
