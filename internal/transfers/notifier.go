package transfers

import (
	"context"
	"log/slog"

	"github.com/flowpbx/transferd/internal/bus"
)

// Routing keys of published events.
const (
	EventCreated   = "transfer_created"
	EventUpdated   = "transfer_updated"
	EventAnswered  = "transfer_answered"
	EventCancelled = "transfer_cancelled"
	EventCompleted = "transfer_completed"
	EventAbandoned = "transfer_abandoned"
	EventEnded     = "transfer_ended"
)

// eventForStatus maps an entered state to its event. Ringback has none.
var eventForStatus = map[Status]string{
	StatusStarting:         EventCreated,
	StatusAnswered:         EventAnswered,
	StatusBlindTransferred: EventCompleted,
	StatusCompleted:        EventCompleted,
	StatusCancelled:        EventCancelled,
	StatusAbandoned:        EventAbandoned,
	StatusEnded:            EventEnded,
}

// Notifier publishes lifecycle events. Delivery is fire and forget: a
// failed publish is logged and never affects the transfer.
type Notifier struct {
	publisher bus.Publisher
	logger    *slog.Logger
	observe   func(name string, err error)
}

// NewNotifier creates a notifier over publisher.
func NewNotifier(publisher bus.Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		logger:    logger.With("subsystem", "transfer_notifier"),
	}
}

// Observe registers a hook called after every publish attempt.
func (n *Notifier) Observe(fn func(name string, err error)) {
	n.observe = fn
}

// Publish sends one event carrying the public projection of a transfer.
func (n *Notifier) Publish(ctx context.Context, name string, t Public) {
	err := n.publisher.Publish(ctx, bus.Message{
		Name:       name,
		TenantUUID: t.InitiatorTenantUUID,
		UserUUID:   t.InitiatorUUID,
		Data:       t,
	})
	if err != nil {
		n.logger.Error("publishing transfer event", "event", name, "transfer_id", t.ID, "error", err)
	} else {
		n.logger.Debug("transfer event published", "event", name, "transfer_id", t.ID, "status", t.Status)
	}
	if n.observe != nil {
		n.observe(name, err)
	}
}
