// Package wxapi calls the platform's REST API: token endpoints and message
// push.
package wxapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"wxgate/internal/domain"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://api.weixin.qq.com"

const maxResponseBytes = 1 << 20

// TokenSource hands out access tokens and retries calls rejected for a stale
// token. *token.Cache implements it.
type TokenSource interface {
	Get(ctx context.Context, creds domain.Credentials, force bool) (string, error)
	Do(ctx context.Context, creds domain.Credentials, fn func(token string) error) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxRetries  int           // transport retries on 5xx/429, default 3
	BackoffBase time.Duration // default 1s
	Logger      *slog.Logger
	Now         func() time.Time
}

// Client talks to the platform API.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger
	tokens TokenSource
}

// NewClient creates a Client with defaults filled in.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = sharedHTTPClient(cfg.Timeout)
	}
	return &Client{cfg: cfg, http: hc, logger: cfg.Logger}
}

// SetTokenSource wires the token cache used by authenticated calls.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// Call performs an authenticated API call for creds. A rejected token is
// refreshed and the call retried once.
func (c *Client) Call(ctx context.Context, creds domain.Credentials, method, path string, body []byte, out any) error {
	if c.tokens == nil {
		return fmt.Errorf("call %s: no token source configured", path)
	}
	return c.tokens.Do(ctx, creds, func(tok string) error {
		return c.call(ctx, method, path, url.Values{"access_token": {tok}}, body, out)
	})
}

// call sends one request and decodes the JSON answer into out. A non-zero
// errcode comes back as *APIError.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, c.cfg.MaxRetries, c.cfg.BackoffBase, c.logger)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: platform API %d: %s", method, path, resp.StatusCode, string(raw))
	}

	var apiErr APIError
	if err := json.Unmarshal(raw, &apiErr); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if apiErr.Code != 0 {
		return &apiErr
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
