// Package ari adapts the CyCoreSystems ARI client to the coordinator: channel,
// bridge and global variable commands, and a validated view of the Stasis
// event stream.
package ari

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the channel, bridge or variable addressed by a
// command no longer exists.
var ErrNotFound = errors.New("ari: not found")

// ErrNotInStasis is returned when the entity exists but is not controlled by
// the Stasis application, so the command cannot be applied.
var ErrNotInStasis = errors.New("ari: not in stasis")

// Channel states reported by Asterisk.
const (
	ChannelStateDown    = "Down"
	ChannelStateRing    = "Ring"
	ChannelStateRinging = "Ringing"
	ChannelStateUp      = "Up"
)

// CallerID is a name/number pair.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// String formats the caller id the way Asterisk's CALLERID(all) expects it.
func (c CallerID) String() string {
	if c.Name == "" {
		return fmt.Sprintf("<%s>", c.Number)
	}
	return fmt.Sprintf("%q <%s>", c.Name, c.Number)
}

// Channel is the subset of the ARI channel model the coordinator uses.
type Channel struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Caller    CallerID `json:"caller"`
	Connected CallerID `json:"connected"`
}

// Bridge is the subset of the ARI bridge model the coordinator uses.
type Bridge struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	BridgeType string   `json:"bridge_type"`
	Channels   []string `json:"channels"`
}

// Has reports whether channelID is currently in the bridge.
func (b Bridge) Has(channelID string) bool {
	for _, id := range b.Channels {
		if id == channelID {
			return true
		}
	}
	return false
}

// OriginateRequest describes a new outgoing channel placed into the Stasis
// application once answered.
type OriginateRequest struct {
	Endpoint   string
	App        string
	AppArgs    []string
	CallerID   string
	Timeout    int
	Originator string
	Variables  map[string]string
}
