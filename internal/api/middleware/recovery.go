package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Recoverer returns middleware that turns a handler panic into a 500 JSON
// response and logs it with the stack and the transfer being served. Mount it
// inside RequestLogger so the logged status is the 500. A panic after the
// handler has started writing only gets logged. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("subsystem", "http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				attrs := append(requestAttrs(r), "panic", rec, "stack", string(debug.Stack()))
				logger.Error("panic recovered", attrs...)

				if ww, ok := w.(chimw.WrapResponseWriter); ok && ww.Status() != 0 {
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(errorEnvelope{Error: "internal error"}) //nolint:errcheck
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// errorEnvelope mirrors the API response wrapper for errors written by
// middleware.
type errorEnvelope struct {
	Error string `json:"error"`
}
