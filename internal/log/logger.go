package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	once   sync.Once
	logger *slog.Logger

	// child is set once this process runs as a spawned worker.
	child atomic.Bool
)

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO. Format is
// "json" (default) or "text".
func Setup(level, format string) {
	once.Do(func() {
		logger = New(os.Stdout, level, format)
		slog.SetDefault(logger)
	})
}

// New builds a logger writing to w without touching the global one.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(&prefixHandler{next: handler})
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// MarkChild switches this process's log messages to the "(pid) " prefix used
// for spawned workers.
func MarkChild() {
	child.Store(true)
}

// IsChild reports whether MarkChild has been called.
func IsChild() bool {
	return child.Load()
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithGroup returns a logger with the group field set.
func WithGroup(name string) *slog.Logger {
	return Get().With(slog.String("group", name))
}

// WithRun returns a logger with the run_id field set.
func WithRun(id string) *slog.Logger {
	return Get().With(slog.String("run_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// prefixHandler prepends the process id to messages logged from a child.
type prefixHandler struct {
	next slog.Handler
}

func (h *prefixHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *prefixHandler) Handle(ctx context.Context, r slog.Record) error {
	if child.Load() {
		nr := slog.NewRecord(r.Time, r.Level, fmt.Sprintf("(%d) %s", os.Getpid(), r.Message), r.PC)
		r.Attrs(func(a slog.Attr) bool {
			nr.AddAttrs(a)
			return true
		})
		r = nr
	}
	return h.next.Handle(ctx, r)
}

func (h *prefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &prefixHandler{next: h.next.WithAttrs(attrs)}
}

func (h *prefixHandler) WithGroup(name string) slog.Handler {
	return &prefixHandler{next: h.next.WithGroup(name)}
}
