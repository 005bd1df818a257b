package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowpbx/transferd/internal/ari"
)

// Router consumes the Stasis event stream and turns events into state
// machine calls. Events are handled one at a time in arrival order.
type Router struct {
	machine   *Machine
	persistor *Persistor
	locks     *Locks
	control   Control
	logger    *slog.Logger
	mailbox   chan ari.Event
	observe   func(eventType string, err error)
}

// NewRouter creates a router with a mailbox of the given size.
func NewRouter(machine *Machine, mailboxSize int, logger *slog.Logger) *Router {
	if mailboxSize <= 0 {
		mailboxSize = 256
	}
	return &Router{
		machine:   machine,
		persistor: machine.persistor,
		locks:     machine.locks,
		control:   machine.control,
		logger:    logger.With("subsystem", "transfer_router"),
		mailbox:   make(chan ari.Event, mailboxSize),
	}
}

// Observe registers a hook called after every handled event.
func (r *Router) Observe(fn func(eventType string, err error)) {
	r.observe = fn
}

// Mailbox is where the event stream delivers events. Senders block while
// the mailbox is full.
func (r *Router) Mailbox() chan<- ari.Event {
	return r.mailbox
}

// Run handles events until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("transfer router started", "mailbox_size", cap(r.mailbox))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.mailbox:
			r.Dispatch(ctx, ev)
		}
	}
}

// Dispatch handles one event. A failing or panicking handler is logged and
// never stops the router.
func (r *Router) Dispatch(ctx context.Context, ev ari.Event) {
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.logger.Error("panic handling event", "event", ev.Type(), "panic", p)
		}
		if r.observe != nil {
			r.observe(ev.Type(), err)
		}
	}()

	err = r.handle(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition):
		r.logger.Debug("ignoring event for current state", "event", ev.Type(), "reason", err)
		err = nil
	default:
		r.logger.Error("handling event failed", "event", ev.Type(), "error", err)
	}
}

func (r *Router) handle(ctx context.Context, ev ari.Event) error {
	switch e := ev.(type) {
	case ari.ApplicationRegistered:
		return r.Reconcile(ctx)
	case ari.StasisStart:
		return r.stasisStart(ctx, e)
	case ari.StasisEnd:
		return r.stasisEnd(ctx, e)
	case ari.ChannelDestroyed:
		return r.channelDestroyed(ctx, e)
	case ari.ChannelEnteredBridge:
		return r.channelEnteredBridge(ctx, e)
	case ari.ChannelLeftBridge:
		return r.machine.CleanupBridge(ctx, e.Bridge.ID)
	case ari.ChannelCallerID:
		return r.channelCallerID(ctx, e)
	case ari.ChannelMohStop:
		return r.channelMohStop(ctx, e)
	case ari.BridgeDestroyed:
		return r.bridgeDestroyed(ctx, e)
	}
	return fmt.Errorf("%w: %T", ari.ErrUnsupportedEvent, ev)
}

func (r *Router) stasisStart(ctx context.Context, e ari.StasisStart) error {
	if len(e.Args) == 0 || e.Args[0] != stasisApp {
		return nil
	}
	if len(e.Args) < 3 || e.Args[2] == "" {
		return fmt.Errorf("%w: transfer stasis args %v", ari.ErrInvalidEvent, e.Args)
	}
	subApp, id := e.Args[1], e.Args[2]

	switch subApp {
	case subAppCreateTransfer:
		t, err := r.persistor.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("channel entered stasis for unknown transfer", "transfer_id", id, "channel_id", e.Channel.ID)
			return nil
		}
		if err != nil {
			return err
		}
		role, err := t.Role(e.Channel.ID)
		if err != nil {
			return err
		}
		return r.machine.Apply(ctx, id, func(s *State) error {
			return s.Join(ctx, role)
		})

	case subAppRecipientCalled:
		err := r.machine.Apply(ctx, id, func(s *State) error {
			return s.RecipientAnswer(ctx, e.Channel)
		})
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("recipient answered for unknown transfer, hanging up", "transfer_id", id, "channel_id", e.Channel.ID)
			if err := r.control.Hangup(ctx, e.Channel.ID); err != nil && !errors.Is(err, ari.ErrNotFound) {
				return err
			}
			return nil
		}
		return err
	}

	r.logger.Warn("unknown transfer stasis sub-application", "sub_app", subApp, "channel_id", e.Channel.ID)
	return nil
}

// stasisEnd counts as a hangup only when the channel is really gone; a
// channel leaving Stasis alive was moved elsewhere on purpose.
func (r *Router) stasisEnd(ctx context.Context, e ari.StasisEnd) error {
	exists, err := r.control.ChannelExists(ctx, e.Channel.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return r.hangup(ctx, e.Channel.ID)
}

func (r *Router) channelDestroyed(ctx context.Context, e ari.ChannelDestroyed) error {
	hangupErr := r.hangup(ctx, e.Channel.ID)

	locks, err := r.locks.FromSource(ctx, e.Channel.ID)
	if err != nil {
		return errors.Join(hangupErr, err)
	}
	for _, lock := range locks {
		r.logger.Info("lock source hung up, killing target", "channel_id", lock.Source, "bridge_id", lock.Target)
		if err := lock.KillTarget(ctx); err != nil {
			r.logger.Warn("killing lock target failed", "bridge_id", lock.Target, "error", err)
		}
		if err := lock.Release(ctx); err != nil {
			return errors.Join(hangupErr, err)
		}
	}
	return hangupErr
}

// hangup applies the loss of a channel to the transfer it belongs to, if
// any.
func (r *Router) hangup(ctx context.Context, channelID string) error {
	t, err := r.persistor.GetByChannel(ctx, channelID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	role, err := t.Role(channelID)
	if err != nil {
		return err
	}

	r.logger.Info("transfer leg hung up", "transfer_id", t.ID, "channel_id", channelID, "role", role)
	return r.machine.Apply(ctx, t.ID, func(s *State) error {
		return s.Hangup(ctx, role)
	})
}

// channelEnteredBridge releases the lock of a source returning to the
// bridge it protected.
func (r *Router) channelEnteredBridge(ctx context.Context, e ari.ChannelEnteredBridge) error {
	lock, err := r.locks.FromTarget(ctx, e.Bridge.ID)
	if errors.Is(err, ErrInvalidLock) {
		return nil
	}
	if err != nil {
		return err
	}
	if lock.Source != e.Channel.ID {
		return nil
	}
	r.logger.Debug("lock source returned to its bridge", "channel_id", e.Channel.ID, "bridge_id", e.Bridge.ID)
	return lock.Release(ctx)
}

func (r *Router) channelCallerID(ctx context.Context, e ari.ChannelCallerID) error {
	t, err := r.persistor.GetByChannel(ctx, e.Channel.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if role, _ := t.Role(e.Channel.ID); role != RoleRecipient {
		return nil
	}
	return r.machine.Apply(ctx, t.ID, func(s *State) error {
		return s.RecipientCallerID(ctx, e.Channel.Caller)
	})
}

func (r *Router) channelMohStop(ctx context.Context, e ari.ChannelMohStop) error {
	t, err := r.persistor.GetByChannel(ctx, e.Channel.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if role, _ := t.Role(e.Channel.ID); role != RoleTransferred {
		return nil
	}
	return r.machine.Apply(ctx, t.ID, func(s *State) error {
		return s.TransferredMohStop(ctx)
	})
}

// bridgeDestroyed settles a lock whose target vanished. A source that is
// not part of a live transfer has nothing left to return to and is hung
// up.
func (r *Router) bridgeDestroyed(ctx context.Context, e ari.BridgeDestroyed) error {
	lock, err := r.locks.FromTarget(ctx, e.Bridge.ID)
	if errors.Is(err, ErrInvalidLock) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.persistor.GetByChannel(ctx, lock.Source)
	switch {
	case errors.Is(err, ErrNotFound):
		r.logger.Info("lock target destroyed, killing source", "channel_id", lock.Source, "bridge_id", lock.Target)
		if err := lock.KillSource(ctx); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	return lock.Release(ctx)
}

// Reconcile replays what may have been missed while disconnected: hangups
// of transfer legs first, then recipients that answered.
func (r *Router) Reconcile(ctx context.Context) error {
	all, err := r.persistor.List(ctx)
	if err != nil {
		return fmt.Errorf("listing transfers: %w", err)
	}
	r.logger.Info("reconciling transfers", "count", len(all))

	for _, t := range all {
		if err := r.reconcileHangups(ctx, t); err != nil {
			r.logger.Error("reconciling hangups failed", "transfer_id", t.ID, "error", err)
		}
	}

	all, err = r.persistor.List(ctx)
	if err != nil {
		return fmt.Errorf("listing transfers: %w", err)
	}
	for _, t := range all {
		if err := r.reconcileAnswer(ctx, t); err != nil {
			r.logger.Error("reconciling answer failed", "transfer_id", t.ID, "error", err)
		}
	}
	return nil
}

func (r *Router) reconcileHangups(ctx context.Context, t *Transfer) error {
	for _, role := range []Role{RoleTransferred, RoleInitiator, RoleRecipient} {
		ch := t.Channel(role)
		if ch == "" {
			continue
		}
		exists, err := r.control.ChannelExists(ctx, ch)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		r.logger.Info("found lost hangup", "transfer_id", t.ID, "channel_id", ch, "role", role)
		err = r.machine.Apply(ctx, t.ID, func(s *State) error {
			return s.Hangup(ctx, role)
		})
		switch {
		case errors.Is(err, ErrNotFound):
			return nil
		case errors.Is(err, ErrInvalidTransition):
			continue
		case err != nil:
			return err
		}
	}
	return nil
}

func (r *Router) reconcileAnswer(ctx context.Context, t *Transfer) error {
	if t.RecipientCall == "" {
		return nil
	}
	if t.Status != StatusRingback && t.Status != StatusBlindTransferred {
		return nil
	}

	ch, err := r.control.GetChannel(ctx, t.RecipientCall)
	if errors.Is(err, ari.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ch.State != ari.ChannelStateUp {
		return nil
	}

	r.logger.Info("found lost recipient answer", "transfer_id", t.ID, "channel_id", ch.ID)
	err = r.machine.Apply(ctx, t.ID, func(s *State) error {
		return s.RecipientAnswer(ctx, ch)
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}
