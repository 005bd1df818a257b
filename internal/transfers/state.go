package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/looplab/fsm"

	"github.com/flowpbx/transferd/internal/ari"
)

// ErrInvalidTransition is returned when an event does not apply to the
// transfer's current state. Duplicate and late events end up here.
var ErrInvalidTransition = errors.New("transition not allowed in current state")

// FSM events.
const (
	evStart             = "start"
	evAutoComplete      = "auto_complete"
	evRecipientAnswer   = "recipient_answer"
	evRecipientHangup   = "recipient_hangup"
	evInitiatorHangup   = "initiator_hangup"
	evTransferredHangup = "transferred_hangup"
	evComplete          = "complete"
	evCancel            = "cancel"
	evEnd               = "end"
)

func states(ss ...Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// transitions is the complete transfer lifecycle graph.
var transitions = fsm.Events{
	{Name: evStart, Src: states(StatusStarting), Dst: string(StatusRingback)},
	{Name: evAutoComplete, Src: states(StatusStarting), Dst: string(StatusBlindTransferred)},

	{Name: evRecipientAnswer, Src: states(StatusRingback), Dst: string(StatusAnswered)},
	{Name: evRecipientAnswer, Src: states(StatusBlindTransferred), Dst: string(StatusEnded)},

	{Name: evRecipientHangup, Src: states(StatusRingback, StatusAnswered, StatusBlindTransferred), Dst: string(StatusCancelled)},

	{Name: evInitiatorHangup, Src: states(StatusStarting), Dst: string(StatusCancelled)},
	{Name: evInitiatorHangup, Src: states(StatusRingback), Dst: string(StatusBlindTransferred)},
	{Name: evInitiatorHangup, Src: states(StatusAnswered), Dst: string(StatusCompleted)},

	{Name: evTransferredHangup, Src: states(StatusStarting, StatusRingback, StatusAnswered, StatusBlindTransferred), Dst: string(StatusAbandoned)},

	{Name: evComplete, Src: states(StatusRingback), Dst: string(StatusBlindTransferred)},
	{Name: evComplete, Src: states(StatusAnswered), Dst: string(StatusCompleted)},

	{Name: evCancel, Src: states(StatusStarting, StatusRingback, StatusAnswered), Dst: string(StatusCancelled)},

	{Name: evEnd, Src: states(StatusCompleted, StatusCancelled, StatusAbandoned), Dst: string(StatusEnded)},
}

type notification struct {
	name string
	data Public
}

// State is the handle Machine.Apply passes to mutations. It owns the loaded
// transfer for the duration of one Apply call.
type State struct {
	t       *Transfer
	m       *Machine
	fsm     *fsm.FSM
	logger  *slog.Logger
	pending []notification
}

func (m *Machine) newState(t *Transfer) *State {
	s := &State{
		t:      t,
		m:      m,
		logger: m.logger.With("transfer_id", t.ID),
	}
	s.fsm = fsm.NewFSM(string(t.Status), transitions, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			s.t.Status = Status(e.Dst)
			s.logger.Info("transfer state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			if name, ok := eventForStatus[s.t.Status]; ok {
				s.notify(name)
			}
		},
	})
	return s
}

// Transfer returns the transfer being mutated.
func (s *State) Transfer() *Transfer { return s.t }

func (s *State) fire(ctx context.Context, event string) error {
	if !s.fsm.Can(event) {
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, s.fsm.Current())
	}
	if err := s.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("firing %s: %w", event, err)
	}
	return nil
}

func (s *State) notify(name string) {
	s.pending = append(s.pending, notification{name: name, data: s.t.Public()})
}

// settle drives a terminal state to ended and cleans up once there.
func (s *State) settle(ctx context.Context) error {
	switch s.t.Status {
	case StatusCompleted, StatusCancelled, StatusAbandoned:
		if err := s.fire(ctx, evEnd); err != nil {
			return err
		}
	}
	if s.t.Status == StatusEnded {
		s.cleanup(ctx)
	}
	return nil
}

// try logs the outcome of a control command. A missing channel is expected
// at any point since every party can hang up independently.
func (s *State) try(action, channelID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ari.ErrNotFound):
		s.logger.Info("party already left", "action", action, "channel_id", channelID)
	default:
		s.logger.Warn("control command failed", "action", action, "channel_id", channelID, "error", err)
	}
}

// Join records that a leg entered the transfer bridge. Once both the
// transferred party and the initiator are in, the recipient is dialed.
func (s *State) Join(ctx context.Context, role Role) error {
	t := s.t
	if t.Status != StatusStarting {
		return fmt.Errorf("%w: join in %s", ErrInvalidTransition, t.Status)
	}
	if role != RoleTransferred && role != RoleInitiator {
		return fmt.Errorf("%w: %s cannot join", ErrNotParticipant, role)
	}

	ch := t.Channel(role)
	if err := s.m.control.AddChannelToBridge(ctx, t.ID, ch); err != nil {
		return fmt.Errorf("adding %s %s to bridge: %w", role, ch, err)
	}
	if role == RoleTransferred {
		t.TransferredJoined = true
	} else {
		t.InitiatorJoined = true
	}
	s.logger.Debug("leg joined transfer bridge", "role", role, "channel_id", ch)

	if !t.TransferredJoined || !t.InitiatorJoined {
		return nil
	}
	return s.begin(ctx)
}

// begin puts the transferred party on hold and dials the recipient.
func (s *State) begin(ctx context.Context) error {
	t := s.t
	s.holdTransferred(ctx)

	rcpt, err := s.m.control.Originate(ctx, ari.OriginateRequest{
		Endpoint:   fmt.Sprintf("Local/%s@%s", t.Exten, t.Context),
		App:        s.m.app,
		AppArgs:    []string{stasisApp, subAppRecipientCalled, t.ID},
		CallerID:   s.recipientCallerID(ctx),
		Timeout:    t.Timeout,
		Originator: t.InitiatorCall,
		Variables:  s.recipientVariables(),
	})
	if err != nil {
		s.logger.Error("dialing recipient failed, cancelling transfer", "exten", t.Exten, "context", t.Context, "error", err)
		if err := s.fire(ctx, evCancel); err != nil {
			return err
		}
		s.unholdTransferred(ctx)
		return s.settle(ctx)
	}
	t.RecipientCall = rcpt.ID
	s.logger.Info("recipient dialed", "channel_id", rcpt.ID, "exten", t.Exten, "context", t.Context)

	if t.Flow == FlowBlind {
		if err := s.fire(ctx, evAutoComplete); err != nil {
			return err
		}
		s.try("hangup", t.InitiatorCall, s.m.control.Hangup(ctx, t.InitiatorCall))
		s.ringTransferred(ctx)
		return nil
	}

	if err := s.fire(ctx, evStart); err != nil {
		return err
	}
	s.try("ring", t.InitiatorCall, s.m.control.Ring(ctx, t.InitiatorCall))
	return nil
}

// recipientCallerID presents the party the recipient will end up talking
// to: the initiator for attended transfers, the transferred party for blind
// ones.
func (s *State) recipientCallerID(ctx context.Context) string {
	ch := s.t.InitiatorCall
	if s.t.Flow == FlowBlind {
		ch = s.t.TransferredCall
	}
	c, err := s.m.control.GetChannel(ctx, ch)
	if err != nil || c.Caller.Number == "" {
		return ""
	}
	return c.Caller.String()
}

func (s *State) recipientVariables() map[string]string {
	vars := make(map[string]string, len(s.t.Variables)+2)
	for k, v := range s.t.Variables {
		vars[k] = v
	}
	vars[varTransferID] = s.t.ID
	vars[varTransferRole] = string(RoleRecipient)
	return vars
}

// RecipientAnswer handles the dialed recipient answering. ch replaces the
// recorded recipient channel.
func (s *State) RecipientAnswer(ctx context.Context, ch ari.Channel) error {
	t := s.t
	prev := t.Status
	if !s.fsm.Can(evRecipientAnswer) {
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, evRecipientAnswer, prev)
	}

	t.RecipientCall = ch.ID
	if ch.Caller.Name != "" || ch.Caller.Number != "" {
		t.RecipientCallerIDName = ch.Caller.Name
		t.RecipientCallerIDNumber = ch.Caller.Number
	}
	if err := s.fire(ctx, evRecipientAnswer); err != nil {
		return err
	}

	s.try("add to bridge", ch.ID, s.m.control.AddChannelToBridge(ctx, t.ID, ch.ID))
	switch prev {
	case StatusRingback:
		s.try("ring stop", t.InitiatorCall, s.m.control.RingStop(ctx, t.InitiatorCall))
	case StatusBlindTransferred:
		s.try("ring stop", t.TransferredCall, s.m.control.RingStop(ctx, t.TransferredCall))
		s.unholdTransferred(ctx)
	}
	s.propagateConnectedLine(ctx)
	return s.settle(ctx)
}

// Hangup handles the loss of one leg.
func (s *State) Hangup(ctx context.Context, role Role) error {
	t := s.t
	prev := t.Status

	switch role {
	case RoleTransferred:
		if err := s.fire(ctx, evTransferredHangup); err != nil {
			return err
		}
		if t.RecipientCall != "" {
			s.try("hangup", t.RecipientCall, s.m.control.Hangup(ctx, t.RecipientCall))
		}
		if prev == StatusRingback {
			s.try("ring stop", t.InitiatorCall, s.m.control.RingStop(ctx, t.InitiatorCall))
		}

	case RoleInitiator:
		if err := s.fire(ctx, evInitiatorHangup); err != nil {
			return err
		}
		switch t.Status {
		case StatusCancelled, StatusCompleted:
			s.unholdTransferred(ctx)
		case StatusBlindTransferred:
			s.ringTransferred(ctx)
		}

	case RoleRecipient:
		if err := s.fire(ctx, evRecipientHangup); err != nil {
			return err
		}
		switch prev {
		case StatusRingback:
			s.unholdTransferred(ctx)
			s.try("ring stop", t.InitiatorCall, s.m.control.RingStop(ctx, t.InitiatorCall))
		case StatusAnswered:
			s.unholdTransferred(ctx)
		case StatusBlindTransferred:
			s.try("hangup", t.TransferredCall, s.m.control.Hangup(ctx, t.TransferredCall))
		}

	default:
		return fmt.Errorf("%w: role %q", ErrNotParticipant, role)
	}

	return s.settle(ctx)
}

// Complete hands the transferred party over to the recipient. Before the
// recipient answers this turns the transfer into a blind one.
func (s *State) Complete(ctx context.Context) error {
	t := s.t
	prev := t.Status
	if err := s.fire(ctx, evComplete); err != nil {
		return err
	}

	switch prev {
	case StatusRingback:
		s.try("hangup", t.InitiatorCall, s.m.control.Hangup(ctx, t.InitiatorCall))
		s.ringTransferred(ctx)
	case StatusAnswered:
		s.unholdTransferred(ctx)
		s.try("hangup", t.InitiatorCall, s.m.control.Hangup(ctx, t.InitiatorCall))
	}
	return s.settle(ctx)
}

// Cancel abandons the recipient and reconnects the initiator with the
// transferred party.
func (s *State) Cancel(ctx context.Context) error {
	t := s.t
	prev := t.Status
	if err := s.fire(ctx, evCancel); err != nil {
		return err
	}

	s.unholdTransferred(ctx)
	if prev == StatusRingback {
		s.try("ring stop", t.InitiatorCall, s.m.control.RingStop(ctx, t.InitiatorCall))
	}
	if t.RecipientCall != "" {
		s.try("hangup", t.RecipientCall, s.m.control.Hangup(ctx, t.RecipientCall))
	}
	return s.settle(ctx)
}

// RecipientCallerID records a caller id change on the recipient leg.
func (s *State) RecipientCallerID(ctx context.Context, caller ari.CallerID) error {
	t := s.t
	if t.RecipientCallerIDName == caller.Name && t.RecipientCallerIDNumber == caller.Number {
		return nil
	}
	t.RecipientCallerIDName = caller.Name
	t.RecipientCallerIDNumber = caller.Number

	if t.Status == StatusAnswered {
		s.propagateConnectedLine(ctx)
	}
	s.notify(EventUpdated)
	return nil
}

// TransferredMohStop is called when hold music stops on the transferred
// leg. Nothing needs to happen yet; the hook keeps the event routed.
func (s *State) TransferredMohStop(_ context.Context) error {
	s.logger.Debug("music on hold stopped on transferred party", "status", s.t.Status)
	return nil
}

func (s *State) holdTransferred(ctx context.Context) {
	ch := s.t.TransferredCall
	s.try("mute", ch, s.m.control.Mute(ctx, ch, "in"))
	s.try("hold", ch, s.m.control.Hold(ctx, ch))

	if s.m.mohAvailable(ctx) {
		s.try("start moh", ch, s.m.control.StartMoh(ctx, ch, s.m.mohClass))
		return
	}
	s.try("start silence", ch, s.m.control.StartSilence(ctx, ch))
}

func (s *State) stopHoldAudio(ctx context.Context) {
	ch := s.t.TransferredCall
	s.try("stop moh", ch, s.m.control.StopMoh(ctx, ch))
	s.try("stop silence", ch, s.m.control.StopSilence(ctx, ch))
}

func (s *State) unholdTransferred(ctx context.Context) {
	ch := s.t.TransferredCall
	s.stopHoldAudio(ctx)
	s.try("unmute", ch, s.m.control.Unmute(ctx, ch, "in"))
	s.try("unhold", ch, s.m.control.Unhold(ctx, ch))
}

func (s *State) ringTransferred(ctx context.Context) {
	ch := s.t.TransferredCall
	s.stopHoldAudio(ctx)
	s.try("ring", ch, s.m.control.Ring(ctx, ch))
}

// propagateConnectedLine shows the recipient's caller id to whichever of
// the initiator and the transferred party is still around.
func (s *State) propagateConnectedLine(ctx context.Context) {
	t := s.t
	if t.RecipientCallerIDName == "" && t.RecipientCallerIDNumber == "" {
		return
	}
	value := ari.CallerID{Name: t.RecipientCallerIDName, Number: t.RecipientCallerIDNumber}.String()

	gone := 0
	for _, ch := range []string{t.InitiatorCall, t.TransferredCall} {
		err := s.m.control.SetChannelVar(ctx, ch, "CONNECTEDLINE(all)", value)
		if errors.Is(err, ari.ErrNotFound) {
			gone++
			continue
		}
		if err != nil {
			s.logger.Warn("updating connected line failed", "channel_id", ch, "error", err)
		}
	}
	if gone == 2 {
		s.logger.Info("no party left to update connected line")
	}
}

// cleanup runs once the transfer has ended.
func (s *State) cleanup(ctx context.Context) {
	t := s.t
	for _, ch := range t.Participants() {
		for _, name := range []string{varTransferID, varTransferRole} {
			err := s.m.control.SetChannelVar(ctx, ch, name, "")
			if err != nil && !errors.Is(err, ari.ErrNotFound) {
				s.logger.Warn("clearing channel variable failed", "channel_id", ch, "variable", name, "error", err)
			}
		}
	}

	if err := s.m.untagBridge(ctx, t.ID); err != nil {
		s.logger.Warn("untagging transfer bridge failed", "bridge_id", t.ID, "error", err)
	}
	if err := s.m.cleanupBridge(ctx, t.ID); err != nil {
		s.logger.Warn("cleaning up transfer bridge failed", "bridge_id", t.ID, "error", err)
	}
}
