// Package bus publishes transfer lifecycle events to subscribers outside
// the process.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Message is one event. Name is the routing key; TenantUUID and UserUUID
// scope who may receive it.
type Message struct {
	Name       string
	TenantUUID string
	UserUUID   string
	Data       any
}

// Publisher delivers messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subject builds the subject for msg under prefix:
// <prefix>.<tenant>.<user>.<name>. Missing scope tokens become "_" so
// wildcard subscriptions keep their shape.
func Subject(prefix string, msg Message) string {
	return strings.Join([]string{prefix, token(msg.TenantUUID), token(msg.UserUUID), msg.Name}, ".")
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// encode renders the message body.
func encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(struct {
		Name string `json:"name"`
		Data any    `json:"data"`
	}{msg.Name, msg.Data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Name, err)
	}
	return data, nil
}

// LogPublisher writes messages to a logger. Used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs every message at info level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("subsystem", "bus")}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}
	p.logger.Info("event published",
		"name", msg.Name,
		"tenant_uuid", msg.TenantUUID,
		"user_uuid", msg.UserUUID,
		"body", string(body),
	)
	return nil
}
