package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// requestAttrs returns the fields every request log line carries: the chi
// request id, the matched route pattern and, on /transfers/{id} routes, the
// transfer id.
func requestAttrs(r *http.Request) []any {
	attrs := []any{
		"request_id", chimw.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			attrs = append(attrs, "route", pattern)
		}
		if id := rctx.URLParam("id"); id != "" {
			attrs = append(attrs, "transfer_id", id)
		}
	}
	return attrs
}

// quietRoute reports paths polled by health checks and scrapers, logged at debug.
func quietRoute(path string) bool {
	return path == "/metrics" || strings.HasSuffix(path, "/health")
}

// RequestLogger returns middleware that logs each request once it has been
// served. Server errors log at error, client errors at warn, health checks
// and metric scrapes at debug. The wrapped writer keeps Hijack working for
// the websocket event feed.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("subsystem", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			case quietRoute(r.URL.Path):
				level = slog.LevelDebug
			}

			attrs := append(requestAttrs(r),
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
			logger.Log(r.Context(), level, "http request", attrs...)
		})
	}
}
