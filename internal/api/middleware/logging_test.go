package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newLogBuffer(level slog.Level) (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestRequestLoggerTransferRoute(t *testing.T) {
	buf, logger := newLogBuffer(slog.LevelDebug)

	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Put("/api/v1/transfers/{id}/complete", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/transfers/t-1/complete", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	entry := decodeLogLine(t, buf)
	if entry["route"] != "/api/v1/transfers/{id}/complete" {
		t.Errorf("route = %v", entry["route"])
	}
	if entry["transfer_id"] != "t-1" {
		t.Errorf("transfer_id = %v", entry["transfer_id"])
	}
	if entry["subsystem"] != "http" || entry["level"] != "INFO" {
		t.Errorf("subsystem/level = %v/%v", entry["subsystem"], entry["level"])
	}
	// JSON numbers decode as float64.
	if entry["status"] != float64(200) {
		t.Errorf("status = %v", entry["status"])
	}
	if entry["bytes"] != float64(len(`{"data":{}}`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{"command ok", "/api/v1/transfers", http.StatusCreated, "INFO"},
		{"unknown transfer", "/api/v1/transfers", http.StatusNotFound, "WARN"},
		{"invalid transition", "/api/v1/transfers", http.StatusConflict, "WARN"},
		{"control failure", "/api/v1/transfers", http.StatusInternalServerError, "ERROR"},
		{"health", "/api/v1/health", http.StatusOK, "DEBUG"},
		{"scrape", "/metrics", http.StatusOK, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, logger := newLogBuffer(slog.LevelDebug)
			handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, tt.path, nil))

			entry := decodeLogLine(t, buf)
			if entry["level"] != tt.want {
				t.Errorf("level = %v, want %s", entry["level"], tt.want)
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v", entry["status"])
			}
		})
	}
}

func TestRequestLoggerFirstStatusWins(t *testing.T) {
	buf, logger := newLogBuffer(slog.LevelInfo)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil))

	if entry := decodeLogLine(t, buf); entry["status"] != float64(201) {
		t.Fatalf("expected first status 201, got %v", entry["status"])
	}
}

func TestRequestLoggerNoTransferIDOutsideTransferRoutes(t *testing.T) {
	buf, logger := newLogBuffer(slog.LevelDebug)

	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Get("/api/v1/transfers", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/transfers", nil))

	entry := decodeLogLine(t, buf)
	if _, ok := entry["transfer_id"]; ok {
		t.Errorf("unexpected transfer_id %v", entry["transfer_id"])
	}
	if entry["route"] != "/api/v1/transfers" {
		t.Errorf("route = %v", entry["route"])
	}
}
