package ari

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	goari "github.com/CyCoreSystems/ari/v5"
	"github.com/CyCoreSystems/ari/v5/client/native"
)

// codedError mimics the native client's request errors.
type codedError struct{ code int }

func (e codedError) Error() string { return fmt.Sprintf("Non-2XX response: %d", e.code) }
func (e codedError) Code() int     { return e.code }

func TestMapError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"nil", nil, nil},
		{"coded not found", codedError{http.StatusNotFound}, ErrNotFound},
		{"coded conflict", codedError{http.StatusConflict}, ErrNotInStasis},
		{"coded unprocessable", codedError{http.StatusUnprocessableEntity}, ErrNotInStasis},
		{"wrapped coded", fmt.Errorf("failed to hold: %w", codedError{http.StatusNotFound}), ErrNotFound},
		{"status text", errors.New("Non-2XX response: 404 Not Found"), ErrNotFound},
		{"status text conflict", errors.New("Non-2XX response: 409 Conflict"), ErrNotInStasis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("hold c1", tt.err)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMapErrorKeepsOtherErrors(t *testing.T) {
	cause := codedError{http.StatusInternalServerError}
	err := mapError("hangup c1", cause)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotInStasis) {
		t.Fatalf("500 mapped onto a sentinel: %v", err)
	}
	var coded codedError
	if !errors.As(err, &coded) || coded.code != http.StatusInternalServerError {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestMapErrorIgnoresIDsContainingCodes(t *testing.T) {
	err := mapError("hold 1404", errors.New("dial tcp: connection refused to 404.example"))
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected not found mapping: %v", err)
	}
}

func TestOriginateRequest(t *testing.T) {
	req := originateRequest(OriginateRequest{
		Endpoint:   "Local/1002@default",
		App:        "transferd",
		AppArgs:    []string{"transfer", "transfer_recipient_called", "t-1"},
		CallerID:   `"Alice" <1001>`,
		Timeout:    30,
		Originator: "init-1",
		Variables:  map[string]string{"TRANSFER_ID": "t-1"},
	})

	if req.AppArgs != "transfer,transfer_recipient_called,t-1" {
		t.Errorf("AppArgs = %q", req.AppArgs)
	}
	if req.Endpoint != "Local/1002@default" || req.App != "transferd" {
		t.Errorf("endpoint/app = %q/%q", req.Endpoint, req.App)
	}
	if req.Originator != "init-1" || req.Timeout != 30 {
		t.Errorf("originator/timeout = %q/%d", req.Originator, req.Timeout)
	}
	if req.Variables["TRANSFER_ID"] != "t-1" {
		t.Errorf("variables = %v", req.Variables)
	}
}

func TestBridgeFromData(t *testing.T) {
	data := &goari.BridgeData{ID: "b1", Name: "transfer-t-1", ChannelIDs: []string{"c1", "c2"}}
	b := bridgeFromData(data)
	if b.ID != "b1" || b.Name != "transfer-t-1" {
		t.Errorf("bridge = %+v", b)
	}
	if !b.Has("c2") || b.Has("c3") {
		t.Errorf("channels = %v", b.Channels)
	}

	data.ChannelIDs[0] = "changed"
	if b.Channels[0] != "c1" {
		t.Error("bridge shares the library's channel slice")
	}
}

func TestChannelFromData(t *testing.T) {
	ch := channelFromData(&goari.ChannelData{ID: "c1", Name: "PJSIP/1001-00000001", State: "Up"})
	if ch.ID != "c1" || ch.Name != "PJSIP/1001-00000001" || ch.State != ChannelStateUp {
		t.Errorf("channel = %+v", ch)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://pbx:8088/ari", "ws://pbx:8088/ari/events", false},
		{"https://pbx:8089/ari/", "wss://pbx:8089/ari/events", false},
		{"ws://pbx:8088/ari", "ws://pbx:8088/ari/events", false},
		{"ftp://pbx/ari", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Options{URL: tt.in}.websocketURL()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectRetriesUntilContextEnds(t *testing.T) {
	var attempts int
	var seen *native.Options
	orig := dial
	dial = func(opts *native.Options) (goari.Client, error) {
		attempts++
		seen = opts
		return nil, errors.New("connection refused")
	}
	defer func() { dial = orig }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, Options{URL: "http://pbx:8088/ari/", App: "transferd", Username: "u", Password: "p"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected error once the context ended")
	}
	if attempts == 0 {
		t.Fatal("dial never attempted")
	}
	if seen.URL != "http://pbx:8088/ari" || seen.WebsocketURL != "ws://pbx:8088/ari/events" || seen.Application != "transferd" {
		t.Errorf("options = %+v", seen)
	}
}

func TestConnectRejectsScheme(t *testing.T) {
	_, err := Connect(context.Background(), Options{URL: "ftp://pbx/ari", App: "transferd"}, slog.Default())
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestCallerIDString(t *testing.T) {
	if got := (CallerID{Name: "Alice", Number: "1001"}).String(); got != `"Alice" <1001>` {
		t.Errorf("got %s", got)
	}
	if got := (CallerID{Number: "1001"}).String(); got != "<1001>" {
		t.Errorf("got %s", got)
	}
}
