package transfers

import (
	"context"

	"github.com/flowpbx/transferd/internal/ari"
)

// Control is the telephony control surface the coordinator drives. It is
// satisfied by an ARI client combined with an AMI proxy client. Calls that
// address a vanished channel or bridge return an error wrapping
// ari.ErrNotFound; calls on channels outside the Stasis application return
// ari.ErrNotInStasis.
type Control interface {
	Mute(ctx context.Context, channelID, direction string) error
	Unmute(ctx context.Context, channelID, direction string) error
	Hold(ctx context.Context, channelID string) error
	Unhold(ctx context.Context, channelID string) error
	StartMoh(ctx context.Context, channelID, class string) error
	StopMoh(ctx context.Context, channelID string) error
	StartSilence(ctx context.Context, channelID string) error
	StopSilence(ctx context.Context, channelID string) error
	Ring(ctx context.Context, channelID string) error
	RingStop(ctx context.Context, channelID string) error
	SetChannelVar(ctx context.Context, channelID, name, value string) error
	GetChannelVar(ctx context.Context, channelID, name string) (string, error)
	Hangup(ctx context.Context, channelID string) error
	GetChannel(ctx context.Context, channelID string) (ari.Channel, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	Originate(ctx context.Context, req ari.OriginateRequest) (ari.Channel, error)

	CreateBridge(ctx context.Context, bridgeID, name string) (ari.Bridge, error)
	GetBridge(ctx context.Context, bridgeID string) (ari.Bridge, error)
	ListBridges(ctx context.Context) ([]ari.Bridge, error)
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error

	// SetVarByName sets a channel variable by channel name. Unlike
	// SetChannelVar it works on channels outside Stasis.
	SetVarByName(ctx context.Context, channelName, name, value string) error
	// Redirect moves channels that are not in Stasis to a dialplan location.
	Redirect(ctx context.Context, channelName, dialContext, exten, extraChannelName string) error
	MohClassExists(ctx context.Context, class string) (bool, error)
}
