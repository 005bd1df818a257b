package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDeliversToSubscribers(t *testing.T) {
	hub, srv := newTestHub(t)
	all := dialHub(t, srv, "")
	tenant := dialHub(t, srv, "?tenant_uuid=tenant-1")
	waitSubscribers(t, hub, 2)

	ctx := context.Background()
	hub.Publish(ctx, Message{Name: "transfer_created", TenantUUID: "tenant-2", Data: map[string]string{"id": "t-1"}})
	hub.Publish(ctx, Message{Name: "transfer_answered", TenantUUID: "tenant-1", UserUUID: "user-1", Data: map[string]string{"id": "t-2"}})

	var got wsEvent
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := all.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "transfer_created" || got.TenantUUID != "tenant-2" {
		t.Errorf("first event = %+v", got)
	}

	tenant.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := tenant.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "transfer_answered" || got.UserUUID != "user-1" {
		t.Errorf("tenant event = %+v", got)
	}
}

func TestHubForgetsClosedSubscribers(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dialHub(t, srv, "")
	waitSubscribers(t, hub, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitSubscribers(t, hub, 0)

	if err := hub.Publish(context.Background(), Message{Name: "transfer_ended"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, Message) error { return p.err }

type countingPublisher struct{ n int }

func (p *countingPublisher) Publish(context.Context, Message) error {
	p.n++
	return nil
}

func TestFanoutAttemptsEveryPublisher(t *testing.T) {
	boom := errors.New("broker down")
	counter := &countingPublisher{}
	f := Fanout{failingPublisher{boom}, counter}

	err := f.Publish(context.Background(), Message{Name: "transfer_ended"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined broker error, got %v", err)
	}
	if counter.n != 1 {
		t.Errorf("second publisher called %d times", counter.n)
	}
}
