package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowpbx/transferd/internal/ari"
	"github.com/flowpbx/transferd/internal/varstore"
)

// MachineConfig holds the dialing settings of the state machine.
type MachineConfig struct {
	// App is the Stasis application the recipient is originated into.
	App string
	// MohClass is played to the transferred party while on hold. When
	// empty or unknown to the engine, silence is played instead.
	MohClass string
}

// Machine applies events to persisted transfers. Every mutation goes
// through Apply, one at a time.
type Machine struct {
	control   Control
	store     varstore.Store
	persistor *Persistor
	locks     *Locks
	notifier  *Notifier
	app       string
	mohClass  string
	logger    *slog.Logger

	mu sync.Mutex
}

// NewMachine creates a state machine.
func NewMachine(cfg MachineConfig, control Control, store varstore.Store, persistor *Persistor, locks *Locks, notifier *Notifier, logger *slog.Logger) *Machine {
	return &Machine{
		control:   control,
		store:     store,
		persistor: persistor,
		locks:     locks,
		notifier:  notifier,
		app:       cfg.App,
		mohClass:  cfg.MohClass,
		logger:    logger.With("subsystem", "transfer_machine"),
	}
}

// Create persists a new transfer in the starting state and announces it.
func (m *Machine) Create(ctx context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.Status = StatusStarting
	if err := m.persistor.Upsert(ctx, t); err != nil {
		return fmt.Errorf("persisting transfer %s: %w", t.ID, err)
	}
	m.logger.Info("transfer created",
		"transfer_id", t.ID,
		"flow", t.Flow,
		"transferred_call", t.TransferredCall,
		"initiator_call", t.InitiatorCall,
	)
	m.notifier.Publish(ctx, EventCreated, t.Public())
	return nil
}

// Apply loads the transfer, runs fn against it and persists the result:
// the record is removed once the transfer has ended and updated otherwise.
// Notifications raised by fn are published after the write. When fn fails
// nothing is written.
func (m *Machine) Apply(ctx context.Context, id string, fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.persistor.Get(ctx, id)
	if err != nil {
		return err
	}

	s := m.newState(t)
	if err := fn(s); err != nil {
		return err
	}

	if t.Status == StatusEnded {
		err = m.persistor.Remove(ctx, t.ID)
	} else {
		err = m.persistor.Upsert(ctx, t)
	}
	if err != nil {
		return fmt.Errorf("persisting transfer %s: %w", t.ID, err)
	}

	for _, n := range s.pending {
		m.notifier.Publish(ctx, n.name, n.data)
	}
	return nil
}

func (m *Machine) mohAvailable(ctx context.Context) bool {
	if m.mohClass == "" {
		return false
	}
	ok, err := m.control.MohClassExists(ctx, m.mohClass)
	if err != nil {
		m.logger.Warn("music on hold lookup failed, using silence", "moh_class", m.mohClass, "error", err)
		return false
	}
	if !ok {
		m.logger.Warn("music on hold class not found, using silence", "moh_class", m.mohClass)
	}
	return ok
}

func (m *Machine) tagBridge(ctx context.Context, bridgeID, transferID string) error {
	return m.store.Set(ctx, bridgeKey(bridgeID), transferID)
}

func (m *Machine) untagBridge(ctx context.Context, bridgeID string) error {
	err := m.store.Unset(ctx, bridgeKey(bridgeID))
	if errors.Is(err, varstore.ErrNotFound) {
		return nil
	}
	return err
}

// liveTransferBridge reports whether the bridge belongs to a transfer that
// has not ended.
func (m *Machine) liveTransferBridge(ctx context.Context, bridgeID string) (bool, error) {
	id, err := m.store.Get(ctx, bridgeKey(bridgeID))
	if errors.Is(err, varstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t, err := m.persistor.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Status != StatusEnded, nil
}

// CleanupBridge destroys the bridge when it is empty and hangs up a lone
// occupant nobody is coming back for. Bridges of live transfers and bridges
// protected by a hangup lock are left alone. Running it twice is harmless.
func (m *Machine) CleanupBridge(ctx context.Context, bridgeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	live, err := m.liveTransferBridge(ctx, bridgeID)
	if err != nil {
		return err
	}
	if live {
		return nil
	}
	return m.cleanupBridge(ctx, bridgeID)
}

func (m *Machine) cleanupBridge(ctx context.Context, bridgeID string) error {
	bridge, err := m.control.GetBridge(ctx, bridgeID)
	if errors.Is(err, ari.ErrNotFound) {
		return m.untagBridge(ctx, bridgeID)
	}
	if err != nil {
		return fmt.Errorf("fetching bridge %s: %w", bridgeID, err)
	}

	switch len(bridge.Channels) {
	case 0:
		m.logger.Info("destroying empty bridge", "bridge_id", bridgeID)
		if err := m.control.DestroyBridge(ctx, bridgeID); err != nil && !errors.Is(err, ari.ErrNotFound) {
			return fmt.Errorf("destroying bridge %s: %w", bridgeID, err)
		}
		if lock, err := m.locks.FromTarget(ctx, bridgeID); err == nil {
			if err := lock.Release(ctx); err != nil {
				return err
			}
		}
		return m.untagBridge(ctx, bridgeID)

	case 1:
		if _, err := m.locks.FromTarget(ctx, bridgeID); err == nil {
			m.logger.Debug("bridge protected by hangup lock", "bridge_id", bridgeID)
			return nil
		}
		lone := bridge.Channels[0]
		m.logger.Info("hanging up lone bridge occupant", "bridge_id", bridgeID, "channel_id", lone)
		if err := m.control.Hangup(ctx, lone); err != nil && !errors.Is(err, ari.ErrNotFound) {
			return fmt.Errorf("hanging up %s: %w", lone, err)
		}
	}
	return nil
}
