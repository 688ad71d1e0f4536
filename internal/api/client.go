package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meshcall/internal/domain"

	"github.com/goccy/go-json"
)

const requestTimeout = 10 * time.Second

// Client talks to the relay's HTTP endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client for the relay at baseURL. ws(s) URLs are
// accepted and mapped to http(s).
func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""

	return &Client{
		baseURL: u.String(),
		http:    &http.Client{Timeout: requestTimeout},
	}, nil
}

// FetchICEServers asks the relay which STUN/TURN servers peers should use.
func (c *Client) FetchICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ice-servers", nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

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
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var servers []domain.ICEServer
	if err := json.Unmarshal(body, &servers); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return servers, nil
}
