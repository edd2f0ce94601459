// Package api talks to the relay's HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"peercall/native/internal/domain"
)

type iceServersResponse struct {
	Result int    `json:"result"`
	Msg    string `json:"msg"`
	Data   struct {
		ICEServers []domain.ICEServer `json:"iceServers"`
	} `json:"data"`
}

// Client fetches call configuration from the relay.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client for the relay at baseURL (http or https).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchICEServers returns the STUN/TURN servers the relay hands out.
func (c *Client) FetchICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ice-servers", nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out iceServersResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Result != 0 {
		return nil, fmt.Errorf("API error (result=%d): %s", out.Result, out.Msg)
	}
	return out.Data.ICEServers, nil
}

// HTTPBase converts a relay WebSocket URL into its HTTP base, dropping the path.
func HTTPBase(wsURL string) string {
	u := wsURL
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}
