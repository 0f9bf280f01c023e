// Package logger builds the process-wide slog logger from LoggingConfig.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"MnemoEvolve/server/internal/config"
)

const (
	maxLogSizeMB  = 50
	maxLogBackups = 5
	maxLogAgeDays = 28
)

// New returns a logger writing to cfg.Output. "stdout" and "stderr" get a
// tinted console handler unless Format is "json"; any other Output is a
// file path rotated by lumberjack.
func New(cfg config.LoggingConfig) *slog.Logger {
	level := ParseLevel(cfg.Level)

	var w io.Writer
	console := true
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		console = false
		w = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		}
	}

	return slog.New(newHandler(w, cfg.Format, level, console))
}

func newHandler(w io.Writer, format string, level slog.Level, console bool) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	if !console {
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
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
