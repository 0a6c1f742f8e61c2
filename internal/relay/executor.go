// Package relay talks to the downstream enforcement relay, the process that
// actually applies moderation actions on the chat platform. It adapts the
// relay's HTTP surface to the action.Executor interface and classifies
// failures as retriable or fatal.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"modguard.org/internal/action"
)

// Client wraps the relay's HTTP endpoint.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// Dial creates a client with sensible defaults. The base URL must point at
// the relay root, e.g. http://relay:9090.
func Dial(base, apiKey string, opts ...ClientOption) (*Client, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, errors.New("relay: base URL is required")
	}
	c := &Client{
		base:   base,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying HTTP client (tests, custom transports).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

type executeRequest struct {
	Key      string            `json:"key"`
	Kind     string            `json:"kind"`
	GroupID  string            `json:"group_id"`
	TargetID string            `json:"target_id,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

type executeResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Execute sends one action to the relay. Network failures, timeouts and 5xx
// or 429 responses wrap action.ErrTransient so the coordinator retries them;
// any other non-2xx response wraps action.ErrFatal.
func (c *Client) Execute(ctx context.Context, req action.Request) (string, error) {
	body, err := json.Marshal(executeRequest{
		Key:      req.Key,
		Kind:     string(req.Kind),
		GroupID:  req.GroupID,
		TargetID: req.TargetID,
		Params:   req.Params,
		Reason:   req.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", action.ErrFatal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", action.ErrFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	// The idempotency key lets the relay dedupe if a retry races a slow
	// first delivery.
	httpReq.Header.Set("Idempotency-Key", req.Key)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", action.ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", action.ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out executeResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("%w: decode response: %v", action.ErrFatal, err)
		}
		return out.Result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: relay status %d: %s", action.ErrTransient, resp.StatusCode, relayError(raw))
	default:
		return "", fmt.Errorf("%w: relay status %d: %s", action.ErrFatal, resp.StatusCode, relayError(raw))
	}
}

func relayError(raw []byte) string {
	var out executeResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != "" {
		return out.Error
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "no body"
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
