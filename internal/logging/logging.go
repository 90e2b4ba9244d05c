// Package logging provides structured logging for the volstream application.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("scheduler")
//	log.Info("request pool started", "categories", 4)
//
//	// Log with context
//	log.Warn("frame load failed", "error", err, "frame", idx)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with a custom destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// The returned logger resolves the global logger lazily, so package-level
// component loggers pick up a later Init.
//
// Example:
//
//	log := logging.Component("volume")
//	log.Info("allocated") // Output: time=... level=INFO component=volume msg=allocated
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{attrs: []slog.Attr{slog.String("component", name)}})
}

// componentHandler forwards to the current global handler.
type componentHandler struct {
	attrs []slog.Attr
	group string
}

func (h *componentHandler) target() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	next := Logger.Handler()
	if len(h.attrs) > 0 {
		next = next.WithAttrs(h.attrs)
	}
	if h.group != "" {
		next = next.WithGroup(h.group)
	}
	return next
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.target().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{attrs: merged, group: h.group}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{attrs: h.attrs, group: name}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if volumeID, ok := ctx.Value(contextKeyVolumeID).(string); ok {
		logger = logger.With("volume_id", volumeID)
	}
	if category, ok := ctx.Value(contextKeyCategory).(string); ok {
		logger = logger.With("category", category)
	}
	if frame, ok := ctx.Value(contextKeyFrameIndex).(int); ok {
		logger = logger.With("frame", frame)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyVolumeID contextKey = iota
	contextKeyCategory
	contextKeyFrameIndex
)

// ContextWithVolumeID adds a volume ID to the context for logging.
func ContextWithVolumeID(ctx context.Context, volumeID string) context.Context {
	return context.WithValue(ctx, contextKeyVolumeID, volumeID)
}

// ContextWithCategory adds a request category to the context for logging.
func ContextWithCategory(ctx context.Context, category string) context.Context {
	return context.WithValue(ctx, contextKeyCategory, category)
}

// ContextWithFrameIndex adds a frame index to the context for logging.
func ContextWithFrameIndex(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, contextKeyFrameIndex, index)
}
