package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"deye-go-cloud/internal/reading"
)

const (
	fetchTimeout = 20 * time.Second

	// Bytes of an error response body kept for diagnostics.
	errBodyLimit = 200
)

// Client fetches and parses the tab-delimited text feed.
type Client struct {
	http   *http.Client
	url    string
	token  string
	logger *slog.Logger
}

// NewClient creates a feed client for the configured URL. The token is
// optional; when set it is sent as a bearer Authorization header.
func NewClient(url, token string, logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: fetchTimeout},
		url:    url,
		token:  token,
		logger: logger.With("component", "feed"),
	}
}

// Fetch performs one GET against the feed and parses the body. Non-2xx
// responses and transport failures are returned as classified errors; the
// retry controller treats them all the same.
func (c *Client) Fetch(ctx context.Context) (reading.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("feed fetch: HTTP %d: %s", resp.StatusCode, truncate(string(body), errBodyLimit))
	}

	snap := Parse(string(body))
	c.logger.Debug("feed fetched", "readings", len(snap))
	return snap, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
