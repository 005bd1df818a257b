package ari

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned by ParseEvent when a known event type is
// missing a field the coordinator relies on.
var ErrInvalidEvent = errors.New("ari: invalid event")

// ErrUnsupportedEvent is returned by ParseEvent for event types the
// coordinator does not consume.
var ErrUnsupportedEvent = errors.New("ari: unsupported event type")

// Event type names as they appear on the wire.
const (
	TypeStasisStart           = "StasisStart"
	TypeStasisEnd             = "StasisEnd"
	TypeChannelDestroyed      = "ChannelDestroyed"
	TypeChannelEnteredBridge  = "ChannelEnteredBridge"
	TypeChannelLeftBridge     = "ChannelLeftBridge"
	TypeChannelCallerID       = "ChannelCallerId"
	TypeChannelMohStop        = "ChannelMohStop"
	TypeBridgeDestroyed       = "BridgeDestroyed"
	TypeApplicationRegistered = "ApplicationRegistered"
)

// Event is one validated event from the Stasis stream. The concrete type
// tells which fields are present.
type Event interface {
	Type() string
}

// StasisStart is sent when a channel enters the application.
type StasisStart struct {
	Channel Channel
	Args    []string
}

// StasisEnd is sent when a channel leaves the application.
type StasisEnd struct {
	Channel Channel
}

// ChannelDestroyed is sent when a channel is hung up.
type ChannelDestroyed struct {
	Channel Channel
	Cause   int
}

// ChannelEnteredBridge is sent when a channel joins a bridge.
type ChannelEnteredBridge struct {
	Channel Channel
	Bridge  Bridge
}

// ChannelLeftBridge is sent when a channel leaves a bridge.
type ChannelLeftBridge struct {
	Channel Channel
	Bridge  Bridge
}

// ChannelCallerID is sent when a channel's caller id changes.
type ChannelCallerID struct {
	Channel Channel
}

// ChannelMohStop is sent when music on hold stops playing on a channel.
type ChannelMohStop struct {
	Channel Channel
}

// BridgeDestroyed is sent when a bridge is torn down.
type BridgeDestroyed struct {
	Bridge Bridge
}

// ApplicationRegistered is emitted locally by the event stream each time the
// websocket (re)connects and the application is registered again.
type ApplicationRegistered struct {
	Application string
}

func (StasisStart) Type() string           { return TypeStasisStart }
func (StasisEnd) Type() string             { return TypeStasisEnd }
func (ChannelDestroyed) Type() string      { return TypeChannelDestroyed }
func (ChannelEnteredBridge) Type() string  { return TypeChannelEnteredBridge }
func (ChannelLeftBridge) Type() string     { return TypeChannelLeftBridge }
func (ChannelCallerID) Type() string       { return TypeChannelCallerID }
func (ChannelMohStop) Type() string        { return TypeChannelMohStop }
func (BridgeDestroyed) Type() string       { return TypeBridgeDestroyed }
func (ApplicationRegistered) Type() string { return TypeApplicationRegistered }

// wireEvent is the loosely structured JSON shape of every ARI event.
type wireEvent struct {
	Type        string   `json:"type"`
	Application string   `json:"application"`
	Args        []string `json:"args"`
	Cause       int      `json:"cause"`
	Channel     *Channel `json:"channel"`
	Bridge      *Bridge  `json:"bridge"`
}

// ParseEvent decodes and validates one raw event. Malformed payloads of a
// consumed type yield ErrInvalidEvent; other types yield ErrUnsupportedEvent.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch w.Type {
	case TypeStasisStart:
		ch, err := w.channel()
		if err != nil {
			return nil, err
		}
		return StasisStart{Channel: ch, Args: w.Args}, nil
	case TypeStasisEnd:
		ch, err := w.channel()
		if err != nil {
			return nil, err
		}
		return StasisEnd{Channel: ch}, nil
	case TypeChannelDestroyed:
		ch, err := w.channel()
		if err != nil {
			return nil, err
		}
		return ChannelDestroyed{Channel: ch, Cause: w.Cause}, nil
	case TypeChannelEnteredBridge:
		ch, err := w.channel()
		if err != nil {
			return nil, err
		}
		b, err := w.bridge()
		if err != nil {
			return nil, err
		}
		return ChannelEnteredBridge{Channel: ch, Bridge: b}, nil
	case TypeChannelLeftBridge:
		ch, err := w.channel()
		if err != nil {
			return nil, err
		}
		b, err := w.bridge()
		if err != nil {
			return nil, err
		}
		return ChannelLeftBridge{Channel: ch, Bridge: b}, nil
	case TypeChannelCallerID:
		ch, err := w.channel()
		if err != nil {
			return nil, err
		}
		return ChannelCallerID{Channel: ch}, nil
	case TypeChannelMohStop:
		ch, err := w.channel()
		if err != nil {
			return nil, err
		}
		return ChannelMohStop{Channel: ch}, nil
	case TypeBridgeDestroyed:
		b, err := w.bridge()
		if err != nil {
			return nil, err
		}
		return BridgeDestroyed{Bridge: b}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, w.Type)
	}
}

func (w wireEvent) channel() (Channel, error) {
	if w.Channel == nil || w.Channel.ID == "" {
		return Channel{}, fmt.Errorf("%w: %s without channel id", ErrInvalidEvent, w.Type)
	}
	return *w.Channel, nil
}

func (w wireEvent) bridge() (Bridge, error) {
	if w.Bridge == nil || w.Bridge.ID == "" {
		return Bridge{}, fmt.Errorf("%w: %s without bridge id", ErrInvalidEvent, w.Type)
	}
	return *w.Bridge, nil
}
