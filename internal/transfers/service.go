package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowpbx/transferd/internal/ari"
)

var (
	// ErrInvalidRequest is returned for malformed create requests.
	ErrInvalidRequest = errors.New("invalid transfer request")
	// ErrChannelNotFound is returned when a requested leg does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrTransferExists is returned when a leg already takes part in a
	// transfer.
	ErrTransferExists = errors.New("channel already in a transfer")
)

// CreateRequest describes a transfer to start.
type CreateRequest struct {
	TransferredCall     string            `json:"transferred_call"`
	InitiatorCall       string            `json:"initiator_call"`
	Context             string            `json:"context"`
	Exten               string            `json:"exten"`
	Flow                Flow              `json:"flow"`
	Variables           map[string]string `json:"variables"`
	Timeout             int               `json:"timeout"`
	InitiatorUUID       string            `json:"initiator_uuid"`
	InitiatorTenantUUID string            `json:"initiator_tenant_uuid"`
}

// Validate fills defaults and checks required fields.
func (r *CreateRequest) Validate() error {
	switch {
	case r.TransferredCall == "":
		return fmt.Errorf("%w: transferred_call is required", ErrInvalidRequest)
	case r.InitiatorCall == "":
		return fmt.Errorf("%w: initiator_call is required", ErrInvalidRequest)
	case r.TransferredCall == r.InitiatorCall:
		return fmt.Errorf("%w: transferred_call and initiator_call must differ", ErrInvalidRequest)
	case r.Context == "":
		return fmt.Errorf("%w: context is required", ErrInvalidRequest)
	case r.Exten == "":
		return fmt.Errorf("%w: exten is required", ErrInvalidRequest)
	case r.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if r.Flow == "" {
		r.Flow = FlowAttended
	}
	if !r.Flow.Valid() {
		return fmt.Errorf("%w: unknown flow %q", ErrInvalidRequest, r.Flow)
	}
	return nil
}

// ServiceConfig holds where channels outside Stasis are redirected to so
// they enter the application.
type ServiceConfig struct {
	ConvertContext string
	ConvertExten   string
	DefaultTimeout int
}

// Service is the entry point for transfer commands.
type Service struct {
	cfg       ServiceConfig
	machine   *Machine
	persistor *Persistor
	locks     *Locks
	control   Control
	logger    *slog.Logger
}

// NewService creates a transfer service around the machine.
func NewService(cfg ServiceConfig, machine *Machine, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		machine:   machine,
		persistor: machine.persistor,
		locks:     machine.locks,
		control:   machine.control,
		logger:    logger.With("subsystem", "transfer_service"),
	}
}

// Create starts a transfer. Legs already in Stasis are moved into the
// transfer bridge right away; the others are redirected through the
// dialplan and join when they enter the application.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transfer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	legs := map[Role]ari.Channel{}
	for role, id := range map[Role]string{RoleTransferred: req.TransferredCall, RoleInitiator: req.InitiatorCall} {
		ch, err := s.control.GetChannel(ctx, id)
		if errors.Is(err, ari.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("fetching channel %s: %w", id, err)
		}
		legs[role] = ch

		_, err = s.persistor.GetByChannel(ctx, id)
		if err == nil {
			return nil, fmt.Errorf("%w: %s", ErrTransferExists, id)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	t := &Transfer{
		ID:                  uuid.NewString(),
		Flow:                req.Flow,
		TransferredCall:     req.TransferredCall,
		InitiatorCall:       req.InitiatorCall,
		InitiatorUUID:       req.InitiatorUUID,
		InitiatorTenantUUID: req.InitiatorTenantUUID,
		Context:             req.Context,
		Exten:               req.Exten,
		Variables:           req.Variables,
		Timeout:             timeout,
	}
	logger := s.logger.With("transfer_id", t.ID)

	if _, err := s.control.CreateBridge(ctx, t.ID, "transfer"); err != nil {
		return nil, fmt.Errorf("creating transfer bridge: %w", err)
	}
	if err := s.machine.tagBridge(ctx, t.ID, t.ID); err != nil {
		return nil, fmt.Errorf("tagging transfer bridge: %w", err)
	}

	s.lockOriginalBridges(ctx, t, logger)

	untagged := s.tagLegs(ctx, t, legs, logger)

	if err := s.machine.Create(ctx, t); err != nil {
		return nil, err
	}

	var redirect []string
	for _, role := range []Role{RoleTransferred, RoleInitiator} {
		err := s.machine.Apply(ctx, t.ID, func(st *State) error {
			return st.Join(ctx, role)
		})
		switch {
		case err == nil:
		case errors.Is(err, ari.ErrNotInStasis):
			if untagged[role] {
				// Without TRANSFER_ID the dialplan cannot hand the leg
				// back to this transfer.
				logger.Error("leg outside stasis could not be tagged, cancelling transfer", "role", role)
				s.abort(ctx, t.ID, logger)
				return nil, fmt.Errorf("tagging %s channel %s for redirect failed", role, legs[role].Name)
			}
			redirect = append(redirect, legs[role].Name)
		case errors.Is(err, ErrInvalidTransition):
			// The first join already ended the transfer.
		default:
			logger.Error("joining leg failed", "role", role, "error", err)
			s.abort(ctx, t.ID, logger)
			return nil, fmt.Errorf("joining %s: %w", role, err)
		}
	}

	if len(redirect) > 0 {
		extra := ""
		if len(redirect) > 1 {
			extra = redirect[1]
		}
		logger.Info("redirecting legs into stasis", "channels", redirect)
		if err := s.control.Redirect(ctx, redirect[0], s.cfg.ConvertContext, s.cfg.ConvertExten, extra); err != nil {
			logger.Error("redirecting legs failed, cancelling transfer", "error", err)
			s.abort(ctx, t.ID, logger)
			return nil, fmt.Errorf("redirecting legs into stasis: %w", err)
		}
	}

	current, err := s.persistor.Get(ctx, t.ID)
	if errors.Is(err, ErrNotFound) {
		t.Status = StatusEnded
		return t, nil
	}
	return current, err
}

// tagLegs sets TRANSFER_ID and TRANSFER_ROLE on both legs. Legs outside the
// application refuse ARI commands, so they are tagged by channel name
// through the manager interface; the dialplan that brings them into Stasis
// reads TRANSFER_ID back. It returns the roles left without a tag.
func (s *Service) tagLegs(ctx context.Context, t *Transfer, legs map[Role]ari.Channel, logger *slog.Logger) map[Role]bool {
	untagged := map[Role]bool{}
	for role, ch := range legs {
		for _, v := range [][2]string{{varTransferID, t.ID}, {varTransferRole, string(role)}} {
			err := s.control.SetChannelVar(ctx, ch.ID, v[0], v[1])
			if errors.Is(err, ari.ErrNotInStasis) {
				err = s.control.SetVarByName(ctx, ch.Name, v[0], v[1])
			}
			if err != nil {
				logger.Warn("setting channel variable failed",
					"channel_id", ch.ID,
					"channel_name", ch.Name,
					"variable", v[0],
					"error", err,
				)
				untagged[role] = true
			}
		}
	}
	return untagged
}

// lockOriginalBridges protects the bridges the legs are leaving so the
// party left behind is not evicted while the transfer runs.
func (s *Service) lockOriginalBridges(ctx context.Context, t *Transfer, logger *slog.Logger) {
	bridges, err := s.control.ListBridges(ctx)
	if err != nil {
		logger.Warn("listing bridges failed, legs' bridges not locked", "error", err)
		return
	}
	for _, b := range bridges {
		if b.ID == t.ID {
			continue
		}
		for _, role := range []Role{RoleTransferred, RoleInitiator} {
			ch := t.Channel(role)
			if !b.Has(ch) {
				continue
			}
			if role == RoleTransferred {
				t.TransferredBridge = b.ID
			} else {
				t.InitiatorBridge = b.ID
			}
			_, err := s.locks.Acquire(ctx, ch, b.ID)
			if errors.Is(err, ErrInvalidLock) {
				logger.Debug("bridge already locked", "bridge_id", b.ID, "channel_id", ch)
				continue
			}
			if err != nil {
				logger.Warn("locking bridge failed", "bridge_id", b.ID, "channel_id", ch, "error", err)
			}
		}
	}
}

func (s *Service) abort(ctx context.Context, id string, logger *slog.Logger) {
	err := s.machine.Apply(ctx, id, func(st *State) error {
		return st.Cancel(ctx)
	})
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition) {
		logger.Error("cancelling transfer failed", "error", err)
	}
}

// Get returns a live transfer.
func (s *Service) Get(ctx context.Context, id string) (*Transfer, error) {
	return s.persistor.Get(ctx, id)
}

// List returns every live transfer.
func (s *Service) List(ctx context.Context) ([]*Transfer, error) {
	return s.persistor.List(ctx)
}

// Complete finishes the transfer from the initiator's side.
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.machine.Apply(ctx, id, func(st *State) error {
		return st.Complete(ctx)
	})
}

// Cancel aborts the transfer from the initiator's side.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.machine.Apply(ctx, id, func(st *State) error {
		return st.Cancel(ctx)
	})
}
