package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a type for context keys
type contextKey string

const (
	// RunIDKey is the context key for the poll run ID
	RunIDKey contextKey = "run_id"
	// InstanceKey is the context key for the instance name being driven
	InstanceKey contextKey = "instance"
	// TargetKey is the context key for the target status
	TargetKey contextKey = "target"
)

var contextKeys = []contextKey{RunIDKey, InstanceKey, TargetKey}

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// ParseLevel converts a level name to a slog.Level, defaulting to info
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

// Setup configures the global logger
func Setup(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	// Wrap with context handler
	handler = &ContextHandler{Handler: handler}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ContextHandler adds context values to log records
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing to the wrapped handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context handler wrapping after logger.With
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the context handler wrapping after logger.WithGroup
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithRunID adds a poll run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithInstance adds the instance name to the context
func WithInstance(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, InstanceKey, name)
}

// WithTarget adds the target status to the context
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, TargetKey, target)
}

// Logger returns the default logger with context values attached
func Logger(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	var attrs []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}

	if len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}
