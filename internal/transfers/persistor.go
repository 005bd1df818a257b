package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/flowpbx/transferd/internal/varstore"
)

// ErrNotFound is returned when no transfer matches the id or channel.
var ErrNotFound = errors.New("transfer not found")

// Persistor stores transfers in a varstore: one key per transfer holding its
// JSON record, plus an index key listing the ids of live transfers.
type Persistor struct {
	store  varstore.Store
	locker varstore.Locker
	logger *slog.Logger

	mu sync.Mutex
}

// NewPersistor creates a persistor over store. When store also implements
// varstore.Locker, index updates are serialized across processes too.
func NewPersistor(store varstore.Store, logger *slog.Logger) *Persistor {
	p := &Persistor{
		store:  store,
		logger: logger.With("subsystem", "transfer_persistor"),
	}
	if locker, ok := store.(varstore.Locker); ok {
		p.locker = locker
	}
	return p
}

// lockIndex takes the in-process mutex and, if available, the store lock on
// the index key.
func (p *Persistor) lockIndex(ctx context.Context) (func(), error) {
	p.mu.Lock()
	if p.locker == nil {
		return p.mu.Unlock, nil
	}
	unlock, err := p.locker.Lock(ctx, keyIndex)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("locking transfer index: %w", err)
	}
	return func() {
		unlock()
		p.mu.Unlock()
	}, nil
}

func (p *Persistor) index(ctx context.Context) ([]string, error) {
	ids, err := varstore.GetJSONDefault(ctx, p.store, keyIndex, []string{})
	if err != nil {
		return nil, fmt.Errorf("reading transfer index: %w", err)
	}
	return ids, nil
}

// Get returns the transfer with the given id.
func (p *Persistor) Get(ctx context.Context, id string) (*Transfer, error) {
	var t Transfer
	err := varstore.GetJSON(ctx, p.store, transferKey(id), &t)
	if errors.Is(err, varstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading transfer %s: %w", id, err)
	}
	return &t, nil
}

// GetByChannel returns the live transfer the channel takes part in.
func (p *Persistor) GetByChannel(ctx context.Context, channelID string) (*Transfer, error) {
	all, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if _, err := t.Role(channelID); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
}

// Upsert writes the transfer record and adds it to the index.
func (p *Persistor) Upsert(ctx context.Context, t *Transfer) error {
	unlock, err := p.lockIndex(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := varstore.SetJSON(ctx, p.store, transferKey(t.ID), t); err != nil {
		return fmt.Errorf("writing transfer %s: %w", t.ID, err)
	}

	ids, err := p.index(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(ids, t.ID) {
		return nil
	}
	if err := varstore.SetJSON(ctx, p.store, keyIndex, append(ids, t.ID)); err != nil {
		return fmt.Errorf("writing transfer index: %w", err)
	}
	return nil
}

// Remove deletes the transfer and its index entry. Removing an unknown id
// is a no-op.
func (p *Persistor) Remove(ctx context.Context, id string) error {
	unlock, err := p.lockIndex(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ids, err := p.index(ctx)
	if err != nil {
		return err
	}
	if i := slices.Index(ids, id); i >= 0 {
		if err := varstore.SetJSON(ctx, p.store, keyIndex, slices.Delete(ids, i, i+1)); err != nil {
			return fmt.Errorf("writing transfer index: %w", err)
		}
	}

	if err := p.store.Unset(ctx, transferKey(id)); err != nil && !errors.Is(err, varstore.ErrNotFound) {
		return fmt.Errorf("removing transfer %s: %w", id, err)
	}
	return nil
}

// List returns every indexed transfer. Index entries whose record is
// missing are logged and skipped.
func (p *Persistor) List(ctx context.Context) ([]*Transfer, error) {
	ids, err := p.index(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := p.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			p.logger.Warn("indexed transfer has no record, skipping", "transfer_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CountByStatus returns the number of live transfers per status.
func (p *Persistor) CountByStatus(ctx context.Context) (map[string]int64, error) {
	all, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for _, t := range all {
		counts[string(t.Status)]++
	}
	return counts, nil
}
