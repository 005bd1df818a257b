package ari

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	goari "github.com/CyCoreSystems/ari/v5"
	"github.com/CyCoreSystems/ari/v5/client/native"
	"golang.org/x/time/rate"
)

// Options locate and authenticate against the ARI server.
type Options struct {
	// URL is the ARI root, for example "http://localhost:8088/ari".
	URL      string
	App      string
	Username string
	Password string
}

// websocketURL derives the events endpoint from the REST root.
func (o Options) websocketURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(o.URL, "/") + "/events")
	if err != nil {
		return "", fmt.Errorf("parsing ari url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported ari url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// dial opens a native ARI connection. Replaced in tests.
var dial = func(opts *native.Options) (goari.Client, error) {
	return native.Connect(opts)
}

// Client exposes the ARI commands the coordinator needs on top of a
// connected goari.Client. Errors are mapped onto ErrNotFound and
// ErrNotInStasis.
type Client struct {
	ari    goari.Client
	logger *slog.Logger
}

// NewClient wraps an already connected ARI client.
func NewClient(c goari.Client, logger *slog.Logger) *Client {
	return &Client{
		ari:    c,
		logger: logger.With("subsystem", "ari"),
	}
}

// Connect dials ARI, retrying until it succeeds or ctx ends. Asterisk is often
// still starting when the coordinator comes up.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	wsURL, err := opts.websocketURL()
	if err != nil {
		return nil, err
	}
	nopts := &native.Options{
		Application:  opts.App,
		URL:          strings.TrimRight(opts.URL, "/"),
		WebsocketURL: wsURL,
		Username:     opts.Username,
		Password:     opts.Password,
	}

	limiter := rate.NewLimiter(rate.Every(2*time.Second), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("connecting to ari: %w", ctx.Err())
		}
		c, err := dial(nopts)
		if err == nil {
			logger.Info("ari connected", "url", nopts.URL, "app", opts.App)
			return NewClient(c, logger), nil
		}
		logger.Warn("ari connect failed, retrying", "url", nopts.URL, "error", err)
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.ari.Close()
}

// Connected reports whether the event websocket is currently up.
func (c *Client) Connected() bool {
	return c.ari.Connected()
}

// mapError translates library errors onto the package sentinels. 404 means
// the entity vanished; 409 and 422 are what ARI answers for entities outside
// the Stasis application.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch statusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("ari: %s: %w: %v", op, ErrNotFound, err)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("ari: %s: %w: %v", op, ErrNotInStasis, err)
	}
	return fmt.Errorf("ari: %s: %w", op, err)
}

// statusCode extracts the HTTP status from a native client error. The
// request errors carry a Code method; anything else is matched on the
// status text the client embeds in the message.
func statusCode(err error) int {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	msg := err.Error()
	for _, code := range []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity} {
		if strings.Contains(msg, fmt.Sprintf("%d %s", code, http.StatusText(code))) {
			return code
		}
	}
	return 0
}

func channelKey(id string) *goari.Key {
	return goari.NewKey(goari.ChannelKey, id)
}

func bridgeKey(id string) *goari.Key {
	return goari.NewKey(goari.BridgeKey, id)
}

func variableKey(name string) *goari.Key {
	return goari.NewKey(goari.VariableKey, name)
}

// call runs one library command unless ctx has already ended. The native
// client has no per-call context.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := mapError(op, fn())
	if err != nil {
		c.logger.Debug("ari command failed", "op", op, "error", err)
	}
	return err
}

// Mute mutes the channel in the given direction ("in", "out" or "both").
func (c *Client) Mute(ctx context.Context, channelID, direction string) error {
	return c.call(ctx, "mute "+channelID, func() error {
		return c.ari.Channel().Mute(channelKey(channelID), goari.Direction(direction))
	})
}

// Unmute reverses Mute.
func (c *Client) Unmute(ctx context.Context, channelID, direction string) error {
	return c.call(ctx, "unmute "+channelID, func() error {
		return c.ari.Channel().Unmute(channelKey(channelID), goari.Direction(direction))
	})
}

// Hold signals hold to the channel's peer.
func (c *Client) Hold(ctx context.Context, channelID string) error {
	return c.call(ctx, "hold "+channelID, func() error {
		return c.ari.Channel().Hold(channelKey(channelID))
	})
}

// Unhold removes the hold signal.
func (c *Client) Unhold(ctx context.Context, channelID string) error {
	return c.call(ctx, "unhold "+channelID, func() error {
		return c.ari.Channel().StopHold(channelKey(channelID))
	})
}

// StartMoh plays music on hold of the given class to the channel.
func (c *Client) StartMoh(ctx context.Context, channelID, class string) error {
	return c.call(ctx, "moh "+channelID, func() error {
		return c.ari.Channel().MOH(channelKey(channelID), class)
	})
}

// StopMoh stops music on hold.
func (c *Client) StopMoh(ctx context.Context, channelID string) error {
	return c.call(ctx, "stop moh "+channelID, func() error {
		return c.ari.Channel().StopMOH(channelKey(channelID))
	})
}

// StartSilence plays silence to the channel.
func (c *Client) StartSilence(ctx context.Context, channelID string) error {
	return c.call(ctx, "silence "+channelID, func() error {
		return c.ari.Channel().Silence(channelKey(channelID))
	})
}

// StopSilence stops playing silence.
func (c *Client) StopSilence(ctx context.Context, channelID string) error {
	return c.call(ctx, "stop silence "+channelID, func() error {
		return c.ari.Channel().StopSilence(channelKey(channelID))
	})
}

// Ring plays ringback to the channel.
func (c *Client) Ring(ctx context.Context, channelID string) error {
	return c.call(ctx, "ring "+channelID, func() error {
		return c.ari.Channel().Ring(channelKey(channelID))
	})
}

// RingStop stops ringback.
func (c *Client) RingStop(ctx context.Context, channelID string) error {
	return c.call(ctx, "stop ring "+channelID, func() error {
		return c.ari.Channel().StopRing(channelKey(channelID))
	})
}

// SetChannelVar sets a channel variable or dialplan function. Channels outside
// Stasis answer with ErrNotInStasis.
func (c *Client) SetChannelVar(ctx context.Context, channelID, name, value string) error {
	return c.call(ctx, "set "+name+" on "+channelID, func() error {
		return c.ari.Channel().SetVariable(channelKey(channelID), name, value)
	})
}

// GetChannelVar reads a channel variable.
func (c *Client) GetChannelVar(ctx context.Context, channelID, name string) (string, error) {
	var value string
	err := c.call(ctx, "get "+name+" on "+channelID, func() error {
		var err error
		value, err = c.ari.Channel().GetVariable(channelKey(channelID), name)
		return err
	})
	return value, err
}

// Hangup hangs the channel up.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.call(ctx, "hangup "+channelID, func() error {
		return c.ari.Channel().Hangup(channelKey(channelID), "normal")
	})
}

// GetChannel fetches the current channel model.
func (c *Client) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	err := c.call(ctx, "get channel "+channelID, func() error {
		data, err := c.ari.Channel().Data(channelKey(channelID))
		if err != nil {
			return err
		}
		ch = channelFromData(data)
		return nil
	})
	return ch, err
}

// ChannelExists reports whether the channel is still alive. Errors other than
// ErrNotFound are returned so callers can tell "gone" from "unknown".
func (c *Client) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	_, err := c.GetChannel(ctx, channelID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Originate creates a new channel that enters the Stasis application when
// answered.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (Channel, error) {
	var ch Channel
	err := c.call(ctx, "originate "+req.Endpoint, func() error {
		h, err := c.ari.Channel().Originate(nil, originateRequest(req))
		if err != nil {
			return err
		}
		ch = Channel{ID: h.ID(), State: ChannelStateDown}
		return nil
	})
	return ch, err
}

func originateRequest(req OriginateRequest) goari.OriginateRequest {
	return goari.OriginateRequest{
		Endpoint:   req.Endpoint,
		App:        req.App,
		AppArgs:    strings.Join(req.AppArgs, ","),
		CallerID:   req.CallerID,
		Timeout:    req.Timeout,
		Originator: req.Originator,
		Variables:  req.Variables,
	}
}

// CreateBridge creates a mixing bridge with the given id.
func (c *Client) CreateBridge(ctx context.Context, bridgeID, name string) (Bridge, error) {
	b := Bridge{ID: bridgeID, Name: name, BridgeType: "mixing"}
	err := c.call(ctx, "create bridge "+bridgeID, func() error {
		_, err := c.ari.Bridge().Create(bridgeKey(bridgeID), "mixing", name)
		return err
	})
	return b, err
}

// GetBridge fetches a bridge and its current occupants.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (Bridge, error) {
	var b Bridge
	err := c.call(ctx, "get bridge "+bridgeID, func() error {
		data, err := c.ari.Bridge().Data(bridgeKey(bridgeID))
		if err != nil {
			return err
		}
		b = bridgeFromData(data)
		return nil
	})
	return b, err
}

// ListBridges returns every bridge known to Asterisk. Bridges destroyed
// between the listing and the lookup are skipped.
func (c *Client) ListBridges(ctx context.Context) ([]Bridge, error) {
	var keys []*goari.Key
	err := c.call(ctx, "list bridges", func() error {
		var err error
		keys, err = c.ari.Bridge().List(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	bridges := make([]Bridge, 0, len(keys))
	for _, key := range keys {
		b, err := c.GetBridge(ctx, key.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		bridges = append(bridges, b)
	}
	return bridges, nil
}

// AddChannelToBridge moves a Stasis channel into the bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return c.call(ctx, "add "+channelID+" to bridge "+bridgeID, func() error {
		return c.ari.Bridge().AddChannel(bridgeKey(bridgeID), channelID)
	})
}

// DestroyBridge shuts the bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.call(ctx, "destroy bridge "+bridgeID, func() error {
		return c.ari.Bridge().Delete(bridgeKey(bridgeID))
	})
}

// GetGlobalVar reads an Asterisk global variable. Unset globals read as the
// empty string.
func (c *Client) GetGlobalVar(ctx context.Context, name string) (string, error) {
	var value string
	err := c.call(ctx, "get global "+name, func() error {
		var err error
		value, err = c.ari.Asterisk().Variables().Get(variableKey(name))
		return err
	})
	return value, err
}

// SetGlobalVar writes an Asterisk global variable.
func (c *Client) SetGlobalVar(ctx context.Context, name, value string) error {
	return c.call(ctx, "set global "+name, func() error {
		return c.ari.Asterisk().Variables().Set(variableKey(name), value)
	})
}

func channelFromData(d *goari.ChannelData) Channel {
	return Channel{
		ID:        d.ID,
		Name:      d.Name,
		State:     d.State,
		Caller:    CallerID{Name: d.Caller.Name, Number: d.Caller.Number},
		Connected: CallerID{Name: d.Connected.Name, Number: d.Connected.Number},
	}
}

func bridgeFromData(d *goari.BridgeData) Bridge {
	return Bridge{
		ID:         d.ID,
		Name:       d.Name,
		BridgeType: d.Type,
		Channels:   append([]string(nil), d.ChannelIDs...),
	}
}
