// Package transfers coordinates blind and attended call transfers between
// three channels: the transferred party, the initiator and the recipient.
// State lives in a varstore so a restarted process resumes where the
// previous one stopped.
package transfers

import (
	"errors"
	"fmt"
)

// ErrNotParticipant is returned by Role for a channel that is not one of the
// transfer's legs.
var ErrNotParticipant = errors.New("channel is not part of the transfer")

// Status is a transfer lifecycle state.
type Status string

const (
	StatusStarting         Status = "starting"
	StatusRingback         Status = "ringback"
	StatusAnswered         Status = "answered"
	StatusBlindTransferred Status = "blind_transferred"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusAbandoned        Status = "abandoned"
	StatusEnded            Status = "ended"
)

// Flow selects how the transfer completes.
type Flow string

const (
	FlowAttended Flow = "attended"
	FlowBlind    Flow = "blind"
)

// Valid reports whether f is a known flow.
func (f Flow) Valid() bool {
	return f == FlowAttended || f == FlowBlind
}

// Role is the part a channel plays in a transfer.
type Role string

const (
	RoleTransferred Role = "transferred"
	RoleInitiator   Role = "initiator"
	RoleRecipient   Role = "recipient"
)

// Transfer is the persisted record of one transfer. The id doubles as the id
// of the mixing bridge the legs meet in.
type Transfer struct {
	ID                      string `json:"id"`
	Status                  Status `json:"status"`
	Flow                    Flow   `json:"flow"`
	TransferredCall         string `json:"transferred_call"`
	InitiatorCall           string `json:"initiator_call"`
	RecipientCall           string `json:"recipient_call,omitempty"`
	InitiatorUUID           string `json:"initiator_uuid,omitempty"`
	InitiatorTenantUUID     string `json:"initiator_tenant_uuid,omitempty"`
	RecipientCallerIDName   string `json:"recipient_caller_id_name,omitempty"`
	RecipientCallerIDNumber string `json:"recipient_caller_id_number,omitempty"`

	// Dial target and bookkeeping. Not published.
	Context           string            `json:"context"`
	Exten             string            `json:"exten"`
	Variables         map[string]string `json:"variables,omitempty"`
	Timeout           int               `json:"timeout,omitempty"`
	TransferredJoined bool              `json:"transferred_joined,omitempty"`
	InitiatorJoined   bool              `json:"initiator_joined,omitempty"`
	TransferredBridge string            `json:"transferred_bridge,omitempty"`
	InitiatorBridge   string            `json:"initiator_bridge,omitempty"`
}

// Role returns the role channelID plays in t.
func (t *Transfer) Role(channelID string) (Role, error) {
	switch {
	case channelID == "":
		return "", ErrNotParticipant
	case channelID == t.TransferredCall:
		return RoleTransferred, nil
	case channelID == t.InitiatorCall:
		return RoleInitiator, nil
	case channelID == t.RecipientCall:
		return RoleRecipient, nil
	}
	return "", fmt.Errorf("%w: %s in transfer %s", ErrNotParticipant, channelID, t.ID)
}

// Channel returns the channel holding role, or "" when none does yet.
func (t *Transfer) Channel(role Role) string {
	switch role {
	case RoleTransferred:
		return t.TransferredCall
	case RoleInitiator:
		return t.InitiatorCall
	case RoleRecipient:
		return t.RecipientCall
	}
	return ""
}

// Participants returns the non-empty leg channel ids with their roles.
func (t *Transfer) Participants() map[Role]string {
	out := make(map[Role]string, 3)
	for _, r := range []Role{RoleTransferred, RoleInitiator, RoleRecipient} {
		if ch := t.Channel(r); ch != "" {
			out[r] = ch
		}
	}
	return out
}

// Public is the projection of a transfer that leaves the process.
type Public struct {
	ID                      string `json:"id"`
	Status                  Status `json:"status"`
	Flow                    Flow   `json:"flow"`
	TransferredCall         string `json:"transferred_call"`
	InitiatorCall           string `json:"initiator_call"`
	RecipientCall           string `json:"recipient_call"`
	InitiatorUUID           string `json:"initiator_uuid"`
	InitiatorTenantUUID     string `json:"initiator_tenant_uuid"`
	RecipientCallerIDName   string `json:"recipient_caller_id_name"`
	RecipientCallerIDNumber string `json:"recipient_caller_id_number"`
}

// Public returns the externally visible fields of t.
func (t *Transfer) Public() Public {
	return Public{
		ID:                      t.ID,
		Status:                  t.Status,
		Flow:                    t.Flow,
		TransferredCall:         t.TransferredCall,
		InitiatorCall:           t.InitiatorCall,
		RecipientCall:           t.RecipientCall,
		InitiatorUUID:           t.InitiatorUUID,
		InitiatorTenantUUID:     t.InitiatorTenantUUID,
		RecipientCallerIDName:   t.RecipientCallerIDName,
		RecipientCallerIDNumber: t.RecipientCallerIDNumber,
	}
}
