package bus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubSendBuffer   = 64
	hubWriteTimeout = 5 * time.Second
)

// wsEvent is the frame pushed to websocket subscribers.
type wsEvent struct {
	Name       string `json:"name"`
	TenantUUID string `json:"tenant_uuid,omitempty"`
	UserUUID   string `json:"user_uuid,omitempty"`
	Data       any    `json:"data"`
}

type hubClient struct {
	tenant string
	send   chan wsEvent
}

// Hub fans messages out to websocket subscribers. A subscriber may narrow the
// feed to one tenant with ?tenant_uuid=. Slow subscribers lose messages
// rather than blocking the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:   logger.With("subsystem", "bus_ws"),
		clients:  make(map[*hubClient]struct{}),
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	ev := wsEvent{Name: msg.Name, TenantUUID: msg.TenantUUID, UserUUID: msg.UserUUID, Data: msg.Data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.tenant != "" && c.tenant != msg.TenantUUID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("websocket subscriber lagging, dropping event", "name", msg.Name)
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	// The http.Server read deadline would otherwise close the feed.
	conn.SetReadDeadline(time.Time{})

	c := &hubClient{tenant: r.URL.Query().Get("tenant_uuid"), send: make(chan wsEvent, hubSendBuffer)}
	h.add(c)
	defer h.remove(c)

	// The reader only notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Fanout publishes every message to each publisher in turn. All publishers
// are attempted; their errors are joined.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
