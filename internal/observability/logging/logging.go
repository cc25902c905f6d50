// Package logging builds the relay's slog loggers and carries request scoped
// fields (request id, authenticated user, logger) through contexts.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level, output format, and destination of process logs.
type Config struct {
	Level  string    `yaml:"level"`
	Format string    `yaml:"format"`
	Writer io.Writer `yaml:"-"`
}

// LogFormat names a handler encoding.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New creates a logger for cfg. Output defaults to stdout and JSON.
func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// Init builds a logger with New and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// ValidLevel reports whether level is one New understands.
func ValidLevel(level string) bool {
	_, ok := levels[strings.ToLower(strings.TrimSpace(level))]
	return ok
}

// parseLevel falls back to info for unknown names; Validate in the config
// package rejects them before they get here.
func parseLevel(level string) slog.Leveler {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

// WithComponent tags logger with the subsystem emitting the records.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}
