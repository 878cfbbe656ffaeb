package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	attrsKey  contextKey = "attrs"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithAttrs returns a context carrying extra log attributes (key/value pairs or
// slog.Attr, as accepted by slog.Logger.With). TraceHandler adds them to every
// record logged with that context.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}

	r := slog.Record{}
	r.Add(args...)

	attrs := append([]slog.Attr(nil), attrsFromContext(ctx)...)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)

		return true
	})

	return context.WithValue(ctx, attrsKey, attrs)
}

// WithGroupKey tags the context with the group being worked on.
func WithGroupKey(ctx context.Context, key string) context.Context {
	return WithAttrs(ctx, "group_key", key)
}

// WithURL tags the context with the sub-task URL being worked on.
func WithURL(ctx context.Context, url string) context.Context {
	return WithAttrs(ctx, "url", url)
}

func attrsFromContext(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	attrs, _ := ctx.Value(attrsKey).([]slog.Attr)

	return attrs
}
