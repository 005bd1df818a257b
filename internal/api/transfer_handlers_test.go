package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/transferd/internal/config"
	"github.com/flowpbx/transferd/internal/transfers"
)

type fakeService struct {
	transfers map[string]*transfers.Transfer
	created   []transfers.CreateRequest
	createErr error
	cmdErr    error
	listErr   error
	commands  []string
	// removeOnCommand makes Complete/Cancel drop the transfer, as ending does.
	removeOnCommand bool
}

func newFakeService() *fakeService {
	return &fakeService{transfers: make(map[string]*transfers.Transfer)}
}

func (f *fakeService) Create(_ context.Context, req transfers.CreateRequest) (*transfers.Transfer, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	t := &transfers.Transfer{
		ID:              fmt.Sprintf("t-%d", len(f.created)),
		Status:          transfers.StatusStarting,
		Flow:            req.Flow,
		TransferredCall: req.TransferredCall,
		InitiatorCall:   req.InitiatorCall,
		Context:         req.Context,
		Exten:           req.Exten,
	}
	if t.Flow == "" {
		t.Flow = transfers.FlowAttended
	}
	f.transfers[t.ID] = t
	return t, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*transfers.Transfer, error) {
	t, ok := f.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transfers.ErrNotFound, id)
	}
	return t, nil
}

func (f *fakeService) List(context.Context) ([]*transfers.Transfer, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*transfers.Transfer, 0, len(f.transfers))
	for i := 1; i <= len(f.transfers)+len(f.created); i++ {
		if t, ok := f.transfers[fmt.Sprintf("t-%d", i)]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeService) command(name, id string) error {
	f.commands = append(f.commands, name+" "+id)
	if f.cmdErr != nil {
		return f.cmdErr
	}
	if _, ok := f.transfers[id]; !ok {
		return fmt.Errorf("%w: %s", transfers.ErrNotFound, id)
	}
	if f.removeOnCommand {
		delete(f.transfers, id)
	}
	return nil
}

func (f *fakeService) Complete(_ context.Context, id string) error { return f.command("complete", id) }
func (f *fakeService) Cancel(_ context.Context, id string) error   { return f.command("cancel", id) }

func newTestServer(t *testing.T, svc TransferService, gatherer prometheus.Gatherer) *Server {
	t.Helper()
	cfg := &config.Config{APIRateLimit: 0}
	s := NewServer(svc, gatherer, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return rec, env
}

const validCreate = `{"transferred_call":"c1","initiator_call":"c2","context":"default","exten":"1003","variables":{"FOO":"bar"}}`

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakeService(), nil)
	rec, env := do(t, s, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if data, _ := env.Data.(map[string]any); data["status"] != "ok" {
		t.Errorf("unexpected body %v", env.Data)
	}
}

func TestCreateTransfer(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	rec, env := do(t, s, http.MethodPost, "/api/v1/transfers", validCreate)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected object, got %T", env.Data)
	}
	if data["id"] != "t-1" || data["status"] != "starting" || data["flow"] != "attended" {
		t.Errorf("unexpected transfer %v", data)
	}
	if _, leaked := data["context"]; leaked {
		t.Error("internal fields must not be exposed")
	}
	if len(svc.created) != 1 || svc.created[0].Variables["FOO"] != "bar" {
		t.Errorf("service got %+v", svc.created)
	}
}

func TestCreateTransferValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"unknown field", `{"transferred_call":"c1","bogus":1}`},
		{"missing initiator", `{"transferred_call":"c1","context":"default","exten":"1003"}`},
		{"missing exten", `{"transferred_call":"c1","initiator_call":"c2","context":"default"}`},
		{"bad flow", `{"transferred_call":"c1","initiator_call":"c2","context":"default","exten":"1","flow":"warm"}`},
		{"negative timeout", `{"transferred_call":"c1","initiator_call":"c2","context":"default","exten":"1","timeout":-1}`},
		{"control chars", `{"transferred_call":"c1","initiator_call":"c2","context":"def\u0001","exten":"1"}`},
		{"bad variable name", `{"transferred_call":"c1","initiator_call":"c2","context":"default","exten":"1","variables":{"1BAD":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			s := newTestServer(t, svc, nil)
			rec, env := do(t, s, http.MethodPost, "/api/v1/transfers", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if env.Error == "" {
				t.Error("expected an error message")
			}
			if len(svc.created) != 0 {
				t.Error("service should not be called")
			}
		})
	}
}

func TestCreateTransferServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: same channel", transfers.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: c1", transfers.ErrChannelNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: c1", transfers.ErrTransferExists), http.StatusConflict},
		{errors.New("ari unreachable"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := newFakeService()
			svc.createErr = tt.err
			s := newTestServer(t, svc, nil)
			rec, env := do(t, s, http.MethodPost, "/api/v1/transfers", validCreate)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusInternalServerError && env.Error != "internal error" {
				t.Errorf("internal errors must not leak, got %q", env.Error)
			}
		})
	}
}

func TestGetTransfer(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)
	do(t, s, http.MethodPost, "/api/v1/transfers", validCreate)

	rec, env := do(t, s, http.MethodGet, "/api/v1/transfers/t-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if data, _ := env.Data.(map[string]any); data["transferred_call"] != "c1" {
		t.Errorf("unexpected transfer %v", env.Data)
	}

	rec, _ = do(t, s, http.MethodGet, "/api/v1/transfers/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListTransfers(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)
	for range 3 {
		do(t, s, http.MethodPost, "/api/v1/transfers", validCreate)
	}

	rec, env := do(t, s, http.MethodGet, "/api/v1/transfers?limit=2&offset=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := env.Data.(map[string]any)
	if data["total"] != float64(3) {
		t.Errorf("expected total=3, got %v", data["total"])
	}
	items := data["items"].([]any)
	if len(items) != 2 || items[0].(map[string]any)["id"] != "t-2" {
		t.Errorf("unexpected page %v", items)
	}

	rec, _ = do(t, s, http.MethodGet, "/api/v1/transfers?offset=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("offset past the end should still succeed, got %d", rec.Code)
	}

	svc.listErr = errors.New("store down")
	rec, _ = do(t, s, http.MethodGet, "/api/v1/transfers", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestTransferCommands(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)
	do(t, s, http.MethodPost, "/api/v1/transfers", validCreate)

	rec, env := do(t, s, http.MethodPut, "/api/v1/transfers/t-1/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if data, _ := env.Data.(map[string]any); data["id"] != "t-1" {
		t.Errorf("unexpected body %v", env.Data)
	}

	svc.removeOnCommand = true
	rec, env = do(t, s, http.MethodPut, "/api/v1/transfers/t-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if data, _ := env.Data.(map[string]any); data["status"] != "ended" {
		t.Errorf("removed transfer should be reported ended, got %v", env.Data)
	}

	want := []string{"complete t-1", "cancel t-1"}
	if strings.Join(svc.commands, ",") != strings.Join(want, ",") {
		t.Errorf("commands = %v, want %v", svc.commands, want)
	}
}

func TestTransferCommandErrors(t *testing.T) {
	svc := newFakeService()
	s := newTestServer(t, svc, nil)

	rec, _ := do(t, s, http.MethodPut, "/api/v1/transfers/missing/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	do(t, s, http.MethodPost, "/api/v1/transfers", validCreate)
	svc.cmdErr = fmt.Errorf("%w: complete from starting", transfers.ErrInvalidTransition)
	rec, _ = do(t, s, http.MethodPut, "/api/v1/transfers/t-1/complete", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestUnknownRoutes(t *testing.T) {
	s := newTestServer(t, newFakeService(), nil)

	rec, env := do(t, s, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound || env.Error != "not found" {
		t.Fatalf("expected json 404, got %d %q", rec.Code, env.Error)
	}

	rec, _ = do(t, s, http.MethodDelete, "/api/v1/transfers/t-1/complete", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "transferd_test_total", Help: "test"}))
	s := newTestServer(t, newFakeService(), reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "transferd_test_total") {
		t.Errorf("metrics output missing counter: %s", rec.Body.String())
	}

	// Without a gatherer the endpoint is not mounted.
	s = newTestServer(t, newFakeService(), nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimitedAPI(t *testing.T) {
	cfg := &config.Config{APIRateLimit: 1}
	s := NewServer(newFakeService(), nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer s.Close()

	codes := make([]int, 0, 3)
	for range 3 {
		rec, _ := do(t, s, http.MethodGet, "/api/v1/health", "")
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want burst of 2 then 429", codes)
	}
}

func TestEventFeedMounted(t *testing.T) {
	var served bool
	feed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	s := NewServer(newFakeService(), nil, &config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithEventFeed(feed))
	defer s.Close()

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	if !served || rec.Code != http.StatusSwitchingProtocols {
		t.Fatalf("feed served=%v code=%d", served, rec.Code)
	}

	// Without a feed the route does not exist.
	s = newTestServer(t, newFakeService(), nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
