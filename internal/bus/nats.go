package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Message headers carrying the routing scope.
const (
	HeaderName       = "Transferd-Event"
	HeaderTenantUUID = "Transferd-Tenant-UUID"
	HeaderUserUUID   = "Transferd-User-UUID"
)

// NATSPublisher publishes messages on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url. The connection reconnects forever;
// messages published while disconnected are buffered by the client.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("subsystem", "bus")

	conn, err := nats.Connect(url,
		nats.Name("transferd"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("nats error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	logger.Info("nats connected", "url", conn.ConnectedUrl(), "subject_prefix", prefix)
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, msg Message) error {
	out, err := natsMsg(p.prefix, msg)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("publishing %s: %w", out.Subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

func natsMsg(prefix string, msg Message) (*nats.Msg, error) {
	body, err := encode(msg)
	if err != nil {
		return nil, err
	}
	out := nats.NewMsg(Subject(prefix, msg))
	out.Data = body
	out.Header.Set(HeaderName, msg.Name)
	if msg.TenantUUID != "" {
		out.Header.Set(HeaderTenantUUID, msg.TenantUUID)
	}
	if msg.UserUUID != "" {
		out.Header.Set(HeaderUserUUID, msg.UserUUID)
	}
	return out, nil
}
