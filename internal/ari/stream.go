package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goari "github.com/CyCoreSystems/ari/v5"
)

// EventStream subscribes to every event of the Stasis application and feeds
// validated events to a channel. The native client keeps the websocket
// alive; the stream watches its connection state and emits an
// ApplicationRegistered event on start and after every reconnection.
type EventStream struct {
	client *Client
	app    string
	poll   time.Duration
	logger *slog.Logger
}

// NewEventStream builds a stream on top of a connected client.
func NewEventStream(client *Client, app string, logger *slog.Logger) *EventStream {
	return &EventStream{
		client: client,
		app:    app,
		poll:   time.Second,
		logger: logger.With("subsystem", "ari_events"),
	}
}

// Run pumps events into out until ctx is cancelled. Events missed while the
// websocket was down are recovered by the consumer's reconciliation on
// ApplicationRegistered.
func (s *EventStream) Run(ctx context.Context, out chan<- Event) error {
	sub := s.client.ari.Bus().Subscribe(nil, goari.Events.All)
	defer sub.Cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	return pump(ctx, s.app, sub.Events(), ticker.C, s.client.Connected, out, s.logger)
}

// pump forwards raw events from in to out. On every tick it samples
// connected; a down-to-up transition re-announces the application.
func pump[E any](ctx context.Context, app string, in <-chan E, tick <-chan time.Time, connected func() bool, out chan<- Event, logger *slog.Logger) error {
	logger.Info("ari application registered", "app", app)
	if err := emit(ctx, out, ApplicationRegistered{Application: app}); err != nil {
		return err
	}

	up := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-in:
			if !ok {
				return errors.New("ari event subscription closed")
			}
			ev, err := convert(raw)
			if errors.Is(err, ErrUnsupportedEvent) {
				continue
			}
			if err != nil {
				logger.Warn("dropping invalid ari event", "error", err)
				continue
			}
			if err := emit(ctx, out, ev); err != nil {
				return err
			}

		case <-tick:
			now := connected()
			switch {
			case now && !up:
				logger.Info("ari application registered", "app", app)
				if err := emit(ctx, out, ApplicationRegistered{Application: app}); err != nil {
					return err
				}
			case !now && up:
				logger.Warn("ari event stream disconnected, waiting for reconnect", "app", app)
			}
			up = now
		}
	}
}

// convert runs a library event back through ParseEvent so every event the
// coordinator sees has passed the same validation.
func convert(raw any) (Event, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ParseEvent(data)
}

func emit(ctx context.Context, out chan<- Event, ev Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
