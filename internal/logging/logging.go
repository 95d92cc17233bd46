// Package logging provides the context-carried structured logger used
// throughout the gateway, following the teacher's logging.FromContext /
// logging.NewLogger call sites.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey struct{}

// NewLogger builds the process-wide slog.Logger at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

// WithLogger attaches logger to ctx for retrieval by FromContext.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or slog.Default() if none
// was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
