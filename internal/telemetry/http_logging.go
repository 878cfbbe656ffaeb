package telemetry

import (
	"net/http"
	"time"

	"github.com/italolelis/groupfetch/internal/logctx"
)

// HTTPLogging middleware logs HTTP requests with a level derived from the status
// code: 5xx at ERROR, 4xx at WARN, everything else at INFO.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestID(ctx)

		// Handlers below log with the request id attached.
		ctx = logctx.WithAttrs(ctx, "request_id", requestID)
		logger := logctx.LoggerFromContext(ctx)
		start := time.Now()

		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		status := wrapped.status
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}
