package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls the process-wide logger.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
	// Redact masks sensitive attribute values. On by default.
	Redact *bool `yaml:"redact"`
}

// DefaultConfig returns production logging defaults.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// New builds a logger per the config, writing to w. A nil w means stdout.
func New(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	if cfg.Redact == nil || *cfg.Redact {
		handler = NewRedactingHandler(handler)
	}
	return slog.New(handler)
}
