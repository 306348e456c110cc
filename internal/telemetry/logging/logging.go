// Package logging wraps slog with trace/span correlation so log lines can
// be joined to the span that produced them.
package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the minimal interface the daemon uses for correlated logging.
type Logger interface {
	Debug(ctx context.Context, msg string, attrs ...any)
	Info(ctx context.Context, msg string, attrs ...any)
	Warn(ctx context.Context, msg string, attrs ...any)
	Error(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapping base (slog.Default() if nil).
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) withSpan(ctx context.Context, attrs []any) []any {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String()))
	}
	return attrs
}

func (l *correlatedLogger) Debug(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, l.withSpan(ctx, attrs)...)
}
func (l *correlatedLogger) Info(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.withSpan(ctx, attrs)...)
}
func (l *correlatedLogger) Warn(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.withSpan(ctx, attrs)...)
}
func (l *correlatedLogger) Error(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.withSpan(ctx, attrs)...)
}
