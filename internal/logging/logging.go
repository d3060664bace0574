// Package logging sets up the structured loggers used by imgdispatch: the
// process-wide default logger and the diagnostic sink that receives output
// captured from external executables.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/imgdispatch/imgdispatch/internal/config"
)

// ParseLevel maps a config level name to a slog level. Unknown names fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewHandler builds a slog handler writing to w in the configured format.
func NewHandler(w io.Writer, c config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if strings.ToLower(c.Format) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Setup installs the default logger on stdout.
func Setup(c config.LogConfig) *slog.Logger {
	logger := slog.New(NewHandler(os.Stdout, c))
	slog.SetDefault(logger)
	return logger
}

// ProcessSink returns the logger for captured executable output. With no file
// configured it is the default logger; otherwise records go as JSON to a
// size-rotated file. The returned closer must be closed on shutdown.
func ProcessSink(c config.ProcessLogConfig, base *slog.Logger) (*slog.Logger, io.Closer) {
	if c.File == "" {
		return base, nopCloser{}
	}

	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
	}
	h := slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), lj
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
