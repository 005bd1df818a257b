package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/flowpbx/transferd/internal/ari"
	"github.com/flowpbx/transferd/internal/varstore"
)

// ErrInvalidLock is returned when a hangup lock cannot be taken or does not
// exist. Callers treat it as a negative answer, not a failure.
var ErrInvalidLock = errors.New("invalid hangup lock")

// HangupLock ties a source channel to a target bridge. While the lock is
// held, bridge cleanup leaves the bridge's lone occupant alone; when the
// source dies the bridge's occupants are hung up, and when the bridge dies the
// source is hung up.
type HangupLock struct {
	Source string
	Target string

	locks *Locks
}

// Locks reads and writes hangup locks in the variable store. The target key
// holds the source channel id; the source key holds the JSON list of target
// bridges, so lookups work from either side.
type Locks struct {
	store   varstore.Store
	locker  varstore.Locker
	control Control
	logger  *slog.Logger

	mu sync.Mutex
}

// NewLocks creates a lock registry backed by store. Stores that implement
// varstore.Locker also serialize lock updates across processes.
func NewLocks(store varstore.Store, control Control, logger *slog.Logger) *Locks {
	l := &Locks{
		store:   store,
		control: control,
		logger:  logger.With("subsystem", "hangup_lock"),
	}
	if locker, ok := store.(varstore.Locker); ok {
		l.locker = locker
	}
	return l
}

// lockRegistry takes the in-process mutex and, if available, the store lock
// guarding both the target and the source keys.
func (l *Locks) lockRegistry(ctx context.Context) (func(), error) {
	l.mu.Lock()
	if l.locker == nil {
		return l.mu.Unlock, nil
	}
	unlock, err := l.locker.Lock(ctx, keyLockRegistry)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("locking hangup lock registry: %w", err)
	}
	return func() {
		unlock()
		l.mu.Unlock()
	}, nil
}

// Acquire locks target on behalf of source. Re-acquiring a lock already held
// by the same source succeeds. A target held by another source is left
// untouched and ErrInvalidLock is returned.
func (l *Locks) Acquire(ctx context.Context, source, target string) (*HangupLock, error) {
	if source == "" || target == "" {
		return nil, fmt.Errorf("%w: empty source or target", ErrInvalidLock)
	}

	unlock, err := l.lockRegistry(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	holder, err := l.store.Get(ctx, lockTargetKey(target))
	switch {
	case err == nil && holder != source:
		return nil, fmt.Errorf("%w: bridge %s already locked by %s", ErrInvalidLock, target, holder)
	case err != nil && !errors.Is(err, varstore.ErrNotFound):
		return nil, fmt.Errorf("reading lock on %s: %w", target, err)
	}

	if err := l.store.Set(ctx, lockTargetKey(target), source); err != nil {
		return nil, fmt.Errorf("writing lock on %s: %w", target, err)
	}

	targets, err := varstore.GetJSONDefault(ctx, l.store, lockSourceKey(source), []string{})
	if err != nil {
		return nil, fmt.Errorf("reading locks of %s: %w", source, err)
	}
	if !slices.Contains(targets, target) {
		targets = append(targets, target)
		if err := varstore.SetJSON(ctx, l.store, lockSourceKey(source), targets); err != nil {
			return nil, fmt.Errorf("writing locks of %s: %w", source, err)
		}
	}

	l.logger.Debug("hangup lock acquired", "source", source, "bridge_id", target)
	return &HangupLock{Source: source, Target: target, locks: l}, nil
}

// FromSource returns every lock held by the channel.
func (l *Locks) FromSource(ctx context.Context, source string) ([]*HangupLock, error) {
	targets, err := varstore.GetJSONDefault(ctx, l.store, lockSourceKey(source), []string{})
	if err != nil {
		return nil, fmt.Errorf("reading locks of %s: %w", source, err)
	}
	out := make([]*HangupLock, 0, len(targets))
	for _, target := range targets {
		out = append(out, &HangupLock{Source: source, Target: target, locks: l})
	}
	return out, nil
}

// FromTarget returns the lock on the bridge, or ErrInvalidLock when the
// bridge is not locked.
func (l *Locks) FromTarget(ctx context.Context, target string) (*HangupLock, error) {
	source, err := l.store.Get(ctx, lockTargetKey(target))
	if errors.Is(err, varstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: bridge %s is not locked", ErrInvalidLock, target)
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock on %s: %w", target, err)
	}
	return &HangupLock{Source: source, Target: target, locks: l}, nil
}

// Release drops the lock. Releasing an already released lock is a no-op.
func (h *HangupLock) Release(ctx context.Context) error {
	l := h.locks
	unlock, err := l.lockRegistry(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	holder, err := l.store.Get(ctx, lockTargetKey(h.Target))
	switch {
	case err == nil && holder == h.Source:
		if err := l.store.Unset(ctx, lockTargetKey(h.Target)); err != nil {
			return fmt.Errorf("removing lock on %s: %w", h.Target, err)
		}
	case err != nil && !errors.Is(err, varstore.ErrNotFound):
		return fmt.Errorf("reading lock on %s: %w", h.Target, err)
	}

	targets, err := varstore.GetJSONDefault(ctx, l.store, lockSourceKey(h.Source), []string{})
	if err != nil {
		return fmt.Errorf("reading locks of %s: %w", h.Source, err)
	}
	i := slices.Index(targets, h.Target)
	if i < 0 {
		return nil
	}
	targets = slices.Delete(targets, i, i+1)
	if len(targets) == 0 {
		err = l.store.Unset(ctx, lockSourceKey(h.Source))
	} else {
		err = varstore.SetJSON(ctx, l.store, lockSourceKey(h.Source), targets)
	}
	if err != nil {
		return fmt.Errorf("writing locks of %s: %w", h.Source, err)
	}

	l.logger.Debug("hangup lock released", "source", h.Source, "bridge_id", h.Target)
	return nil
}

// KillSource hangs up the source channel. A source that is already gone is
// not an error.
func (h *HangupLock) KillSource(ctx context.Context) error {
	err := h.locks.control.Hangup(ctx, h.Source)
	if err != nil && !errors.Is(err, ari.ErrNotFound) {
		return fmt.Errorf("hanging up lock source %s: %w", h.Source, err)
	}
	return nil
}

// KillTarget hangs up every channel in the target bridge.
func (h *HangupLock) KillTarget(ctx context.Context) error {
	bridge, err := h.locks.control.GetBridge(ctx, h.Target)
	if errors.Is(err, ari.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetching lock target %s: %w", h.Target, err)
	}

	var errs []error
	for _, ch := range bridge.Channels {
		if err := h.locks.control.Hangup(ctx, ch); err != nil && !errors.Is(err, ari.ErrNotFound) {
			errs = append(errs, fmt.Errorf("hanging up %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}
