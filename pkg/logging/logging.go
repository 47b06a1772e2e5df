// Package logging builds the structured loggers used across cdffs. Levels
// follow the configuration's DEBUG/INFO/WARN/ERROR vocabulary.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configuration level string onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// New creates a text-handler logger at the given level, writing to stderr.
// An unknown level falls back to INFO rather than failing: logging setup
// must never block filesystem construction.
func New(level string) *slog.Logger {
	parsed, err := ParseLevel(level)
	if err != nil {
		parsed = slog.LevelInfo
	}
	return NewWithOutput(parsed, os.Stderr)
}

// NewWithOutput creates a logger writing to the given output, used by tests
// to capture log lines.
func NewWithOutput(level slog.Level, output io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
}
