package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/tracksync/common/middleware"
)

// Logger is a slog.Logger whose *Context methods stamp the request ID and
// trace ID carried by the context on every record.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New returns a Logger on stdout. format is "json" (default) or "text".
func New(level slog.Level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter returns a Logger on w.
func NewWithWriter(w io.Writer, level slog.Level, format string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)
	opts := &slog.HandlerOptions{Level: lv, AddSource: level <= slog.LevelDebug}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(contextHandler{h}), level: lv}
}

// Default wraps slog.Default.
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// Discard drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// With returns a child logger with args attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return l.With(Component(name))
}

// SetLevel changes the minimum level of l and every logger derived from it.
// It is a no-op on loggers not built by New.
func (l *Logger) SetLevel(level slog.Level) {
	if l.level != nil {
		l.level.Set(level)
	}
}

// ParseLevel maps debug, info, warn or error (any case) to a level.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	var lv slog.Level
	switch name := strings.ToLower(strings.TrimSpace(level)); name {
	case "debug", "info", "warn", "error":
		_ = lv.UnmarshalText([]byte(name))
		return lv
	default:
		return slog.LevelInfo
	}
}

// SetDefault installs l as the process logger for slog and the log package.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := middleware.GetRequestID(ctx); id != "" {
		r.AddAttrs(slog.String(FieldRequestID, id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		r.AddAttrs(slog.String(FieldTraceID, sc.TraceID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
