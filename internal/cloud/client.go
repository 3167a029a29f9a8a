// Package cloud implements the cloud-direct fetch strategy against the
// Deye Cloud developer API: token acquisition with an in-memory expiry
// cache, device-data retrieval, and conversion of the response into the
// canonical reading snapshot.
package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"deye-go-cloud/internal/reading"
)

// Regional server selectors.
const (
	ServerEU = "eu1"
	ServerUS = "us1"
)

const (
	fetchTimeout    = 20 * time.Second
	validateTimeout = 10 * time.Second

	// The token endpoint does not report an expiry; assume a conservative
	// fixed validity window from the moment of receipt.
	tokenTTL = time.Hour

	errBodyLimit = 200
)

// Config holds the cloud-direct credentials. Immutable once the client is
// constructed.
type Config struct {
	AppID     string
	AppSecret string
	Email     string
	Password  string
	DeviceSN  string
	Server    string // ServerEU or ServerUS
}

// Client talks to the Deye Cloud API. It owns a process-local token cache;
// no credential state is persisted across restarts.
type Client struct {
	http    *http.Client
	cfg     Config
	baseURL string
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithNow overrides the clock used for token expiry (tests).
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a cloud client for the configured account and device.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: fetchTimeout},
		cfg:     cfg,
		baseURL: fmt.Sprintf("https://%s-developer.deyecloud.com", cfg.Server),
		logger:  logger.With("component", "cloud"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"accessToken"`
	Msg         string `json:"msg"`
}

// Token returns a valid access token, reusing the cached one while it is
// unexpired. The password is never sent raw; only its sha256 hex digest
// crosses the wire.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.mu.Unlock()
		c.logger.Debug("using cached access token")
		return token, nil
	}
	c.mu.Unlock()

	c.logger.Info("requesting new access token")

	body, err := json.Marshal(map[string]string{
		"appSecret": c.cfg.AppSecret,
		"email":     c.cfg.Email,
		"password":  hashPassword(c.cfg.Password),
	})
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("encode token request: %w", err)}
	}

	u := c.baseURL + "/v1.0/account/token?appId=" + url.QueryEscape(c.cfg.AppID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("build token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("token request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("read token response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Status: resp.StatusCode, Body: truncate(string(respBody), errBodyLimit)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if !tr.Success {
		msg := tr.Msg
		if msg == "" {
			msg = "unknown error"
		}
		return "", &AuthError{Msg: msg}
	}
	if tr.AccessToken == "" {
		return "", &AuthError{Msg: "no access token in response"}
	}

	c.mu.Lock()
	c.accessToken = tr.AccessToken
	c.tokenExpiry = c.now().Add(tokenTTL)
	c.mu.Unlock()

	c.logger.Info("obtained new access token")
	return tr.AccessToken, nil
}

type latestResponse struct {
	DeviceDataList []struct {
		DeviceSN string          `json:"deviceSn"`
		DataList []latestDataRow `json:"dataList"`
	} `json:"deviceDataList"`
}

type latestDataRow struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

// Fetch obtains a token (cached or fresh) and retrieves the latest device
// data, converted into a snapshot. It satisfies poller.Fetcher.
func (c *Client) Fetch(ctx context.Context) (reading.Snapshot, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}
	return c.latest(ctx, token)
}

func (c *Client) latest(ctx context.Context, token string) (reading.Snapshot, error) {
	body, err := json.Marshal(map[string]any{
		"deviceList": []string{c.cfg.DeviceSN},
	})
	if err != nil {
		return nil, &DataError{Err: fmt.Errorf("encode device request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1.0/device/latest", bytes.NewReader(body))
	if err != nil {
		return nil, &DataError{Err: fmt.Errorf("build device request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DataError{Err: fmt.Errorf("device request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DataError{Err: fmt.Errorf("read device response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &DataError{Status: resp.StatusCode, Body: truncate(string(respBody), errBodyLimit)}
	}

	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	var lr latestResponse
	if err := dec.Decode(&lr); err != nil {
		return nil, &DataError{Err: fmt.Errorf("decode device response: %w", err)}
	}

	return c.convert(lr), nil
}

// convert builds a snapshot from the API response. A missing device or
// data-item list degrades to an empty reading set with a warning, not an
// error. The synthetic device_online and last_update readings are injected
// unconditionally after conversion, including on the empty path.
func (c *Client) convert(lr latestResponse) reading.Snapshot {
	snap := make(reading.Snapshot)

	switch {
	case len(lr.DeviceDataList) == 0:
		c.logger.Warn("no device data in API response", "device", c.cfg.DeviceSN)
	case len(lr.DeviceDataList[0].DataList) == 0:
		c.logger.Warn("no data list in device response", "device", c.cfg.DeviceSN)
	default:
		for _, item := range lr.DeviceDataList[0].DataList {
			if item.Key == "" {
				continue
			}
			id := reading.NormalizeKey(item.Key)
			snap[id] = reading.Reading{
				ID:    id,
				Name:  item.Key,
				Value: reading.CoerceJSON(item.Value),
				Unit:  item.Unit,
			}
		}
	}

	snap[reading.DeviceOnlineID] = reading.Reading{
		ID:    reading.DeviceOnlineID,
		Name:  "Device Online",
		Value: reading.Bool(true),
	}
	snap[reading.LastUpdateID] = reading.Reading{
		ID:    reading.LastUpdateID,
		Name:  "Last Update",
		Value: reading.Text(c.now().Format(time.RFC3339)),
	}

	c.logger.Debug("converted device data", "readings", len(snap))
	return snap
}

// ValidateCredentials performs a single token call with a short timeout,
// independent of the polling loop. Used at setup time to confirm the
// configuration before accepting it.
func ValidateCredentials(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	c := NewClient(cfg, logger, WithHTTPClient(&http.Client{Timeout: validateTimeout}))
	_, err := c.Token(ctx)
	return err
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
