// Package token caches access tokens per integration and refreshes them on
// expiry or on demand.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"wxgate/internal/domain"
)

// ErrTokenInvalid marks an upstream rejection of the access token. Errors
// returned by API calls should match it with errors.Is.
var ErrTokenInvalid = errors.New("access token invalid")

// Fetcher mints a fresh access token. It returns creds with Access replaced
// and any other field the platform rotated alongside it.
type Fetcher interface {
	Fetch(ctx context.Context, creds domain.Credentials) (domain.Credentials, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, creds domain.Credentials) (domain.Credentials, error)

func (f FetcherFunc) Fetch(ctx context.Context, creds domain.Credentials) (domain.Credentials, error) {
	return f(ctx, creds)
}

// SaveFunc persists credentials after a refresh.
type SaveFunc func(ctx context.Context, creds domain.Credentials) error

// LoadFunc returns the stored credentials of appID, nil when unknown.
type LoadFunc func(ctx context.Context, appID string) (*domain.Credentials, error)

// DefaultFetchTimeout bounds one shared token fetch.
const DefaultFetchTimeout = 2 * time.Minute

// CacheConfig holds the collaborators of a Cache.
type CacheConfig struct {
	Fetcher Fetcher
	Save    SaveFunc // optional
	// Load re-reads stored credentials before Save so that only the token
	// and refresh token are written back. Without it the fetched
	// credentials are saved whole.
	Load   LoadFunc
	Logger *slog.Logger
	// OnRefresh is called after every successful fetch. Optional.
	OnRefresh    func(appID string)
	Now          func() time.Time
	FetchTimeout time.Duration
}

// Cache holds the current access token of each integration. Concurrent
// refreshes for the same integration share one fetch.
type Cache struct {
	cfg     CacheConfig
	logger  *slog.Logger
	mu      sync.RWMutex
	entries map[string]domain.AccessToken
	group   singleflight.Group
}

// NewCache creates a token cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Cache{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: make(map[string]domain.AccessToken),
	}
}

// Peek returns the cached token of appID without refreshing.
func (c *Cache) Peek(appID string) (domain.AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[appID]
	return t, ok
}

// Invalidate drops the cached token of appID.
func (c *Cache) Invalidate(appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, appID)
}

// Get returns a usable access token for creds. Unless force is set, a
// cached token or the one carried by creds is returned while it is valid.
// Otherwise a new token is fetched, cached, and handed to the save callback
// together with creds.
func (c *Cache) Get(ctx context.Context, creds domain.Credentials, force bool) (string, error) {
	if creds.AppID == "" {
		return "", fmt.Errorf("get access token: empty app id")
	}
	if !force {
		now := c.cfg.Now()
		if t, ok := c.Peek(creds.AppID); ok && t.Valid(now) {
			return t.Value, nil
		}
		if creds.Access.Valid(now) {
			c.store(creds.AppID, creds.Access)
			return creds.Access.Value, nil
		}
	}

	// Waiters share one fetch; it outlives the caller that started it.
	ch := c.group.DoChan(creds.AppID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.refresh(fctx, creds)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("get access token %s: %w", creds.AppID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Cache) refresh(ctx context.Context, creds domain.Credentials) (string, error) {
	if c.cfg.Fetcher == nil {
		return "", fmt.Errorf("refresh access token %s: no fetcher configured", creds.AppID)
	}
	updated, err := c.cfg.Fetcher.Fetch(ctx, creds)
	if err != nil {
		return "", fmt.Errorf("refresh access token %s: %w", creds.AppID, err)
	}
	t := updated.Access
	if t.Value == "" {
		return "", fmt.Errorf("refresh access token %s: empty token", creds.AppID)
	}
	c.store(creds.AppID, t)
	c.logger.Info("access token refreshed", "app_id", creds.AppID, "expires_at", t.ExpiresAt)

	if c.cfg.OnRefresh != nil {
		c.cfg.OnRefresh(creds.AppID)
	}
	if c.cfg.Save != nil {
		if err := c.persist(ctx, updated); err != nil {
			c.logger.Warn("failed to save refreshed token", "app_id", creds.AppID, "error", err)
		}
	}
	return t.Value, nil
}

// persist writes the refreshed token onto the stored credentials. Fields
// the refresh does not own, like a ticket pushed meanwhile, keep their
// stored value.
func (c *Cache) persist(ctx context.Context, updated domain.Credentials) error {
	rec := updated
	if c.cfg.Load != nil {
		stored, err := c.cfg.Load(ctx, updated.AppID)
		if err != nil {
			return fmt.Errorf("reload credentials: %w", err)
		}
		if stored != nil {
			rec = *stored
			rec.Access = updated.Access
			if updated.RefreshToken != "" {
				rec.RefreshToken = updated.RefreshToken
			}
		}
	}
	rec.UpdatedAt = c.cfg.Now()
	return c.cfg.Save(ctx, rec)
}

func (c *Cache) store(appID string, t domain.AccessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[appID] = t
}

// Do calls fn with the current token of creds. When fn fails with
// ErrTokenInvalid the token is force-refreshed and fn is called once more.
func (c *Cache) Do(ctx context.Context, creds domain.Credentials, fn func(token string) error) error {
	tok, err := c.Get(ctx, creds, false)
	if err != nil {
		return err
	}
	err = fn(tok)
	if !errors.Is(err, ErrTokenInvalid) {
		return err
	}

	c.logger.Info("access token rejected upstream, refreshing", "app_id", creds.AppID)
	c.Invalidate(creds.AppID)
	tok, err = c.Get(ctx, creds, true)
	if err != nil {
		return err
	}
	return fn(tok)
}
