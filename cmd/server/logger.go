package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	ho := &slog.HandlerOptions{}
	switch strings.ToLower(level) {
	case "debug":
		ho.Level = slog.LevelDebug
		ho.AddSource = true
	case "info":
		ho.Level = slog.LevelInfo
	case "warn":
		ho.Level = slog.LevelWarn
	case "error":
		ho.Level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level: %s", level)
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, ho)
	case "text":
		handler = slog.NewTextHandler(w, ho)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
