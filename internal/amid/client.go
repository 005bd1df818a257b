// Package amid is a client for the AMI HTTP proxy. It carries the few
// manager actions ARI cannot perform on channels outside the Stasis
// application (redirecting them, setting their variables) and querying music
// on hold classes.
package amid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/transferd/internal/ari"
)

// Message is one AMI response or event returned by an action.
type Message map[string]string

// Client sends manager actions to the proxy.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a proxy client. baseURL is the proxy root, for example
// "http://localhost:9491".
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger.With("subsystem", "amid"),
	}
}

// Action sends a manager action and returns the messages it produced.
func (c *Client) Action(ctx context.Context, name string, params map[string]string) ([]Message, error) {
	var out []Message
	if err := c.post(ctx, "/1.0/action/"+name, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Command runs a CLI command and returns its output lines.
func (c *Client) Command(ctx context.Context, command string) ([]string, error) {
	var out struct {
		Response []string `json:"response"`
	}
	if err := c.post(ctx, "/1.0/action/Command", map[string]string{"command": command}, &out); err != nil {
		return nil, err
	}
	return out.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("amid: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("amid: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("amid: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("amid: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("amid request failed", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("amid: POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("amid: decoding response: %w", err)
	}
	return nil
}

// Redirect sends channelName, and extraChannelName when not empty, to
// exten@dialContext priority 1. A channel that no longer exists yields an error
// wrapping ari.ErrNotFound.
func (c *Client) Redirect(ctx context.Context, channelName, dialContext, exten, extraChannelName string) error {
	params := map[string]string{
		"Channel":  channelName,
		"Context":  dialContext,
		"Exten":    exten,
		"Priority": "1",
	}
	if extraChannelName != "" {
		params["ExtraChannel"] = extraChannelName
		params["ExtraContext"] = dialContext
		params["ExtraExten"] = exten
		params["ExtraPriority"] = "1"
	}

	msgs, err := c.Action(ctx, "Redirect", params)
	if err != nil {
		return err
	}
	return responseError("redirect "+channelName, msgs)
}

// SetVar sets a variable on the channel called channelName. It works on any
// channel, including those outside the Stasis application.
func (c *Client) SetVar(ctx context.Context, channelName, name, value string) error {
	msgs, err := c.Action(ctx, "Setvar", map[string]string{
		"Channel":  channelName,
		"Variable": name,
		"Value":    value,
	})
	if err != nil {
		return err
	}
	return responseError("setvar "+name+" on "+channelName, msgs)
}

// responseError reports the first "Response: Error" among msgs. Asterisk
// answers "Channel specified does not exist" for vanished channels.
func responseError(op string, msgs []Message) error {
	for _, m := range msgs {
		if !strings.EqualFold(m["Response"], "Error") {
			continue
		}
		if strings.Contains(strings.ToLower(m["Message"]), "not exist") {
			return fmt.Errorf("amid: %s: %w", op, ari.ErrNotFound)
		}
		return fmt.Errorf("amid: %s: %s", op, m["Message"])
	}
	return nil
}

// MohClassExists reports whether a music on hold class is configured.
func (c *Client) MohClassExists(ctx context.Context, class string) (bool, error) {
	lines, err := c.Command(ctx, "moh show classes")
	if err != nil {
		return false, err
	}
	want := "Class: " + class
	for _, line := range lines {
		if strings.TrimSpace(line) == want {
			return true, nil
		}
	}
	return false, nil
}
