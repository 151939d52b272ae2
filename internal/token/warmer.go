package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"wxgate/internal/domain"
)

// Lister enumerates stored credentials.
type Lister interface {
	List(ctx context.Context) ([]domain.Credentials, error)
}

// WarmerConfig configures proactive token refresh.
type WarmerConfig struct {
	Cache    *Cache
	Store    Lister
	Schedule string        // 5-field cron expression
	Margin   time.Duration // refresh tokens expiring within this window
	Logger   *slog.Logger
}

// Warmer refreshes tokens that are about to expire on a cron schedule, so
// request paths rarely pay for a fetch.
type Warmer struct {
	cfg      WarmerConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWarmer validates the schedule and creates a Warmer.
func NewWarmer(cfg WarmerConfig) (*Warmer, error) {
	if cfg.Cache == nil || cfg.Store == nil {
		return nil, fmt.Errorf("token warmer: cache and store are required")
	}
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("token warmer: invalid cron expression %q", cfg.Schedule)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Warmer{
		cfg:    cfg,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Start blocks, running RunOnce on every tick until ctx is done or Stop is
// called.
func (w *Warmer) Start(ctx context.Context) {
	w.logger.Info("token warmer started", "schedule", w.cfg.Schedule, "margin", w.cfg.Margin)
	for {
		next, err := gronx.NextTickAfter(w.cfg.Schedule, time.Now(), false)
		if err != nil {
			w.logger.Error("token warmer: next tick", "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("token warmer stopping")
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			w.RunOnce(ctx)
		}
	}
}

// Stop ends a running Start loop.
func (w *Warmer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// RunOnce force-refreshes every stored credential whose token expires within
// the margin. Returns the number of tokens refreshed.
func (w *Warmer) RunOnce(ctx context.Context) int {
	all, err := w.cfg.Store.List(ctx)
	if err != nil {
		w.logger.Error("token warmer: list credentials", "error", err)
		return 0
	}

	deadline := w.cfg.Cache.cfg.Now().Add(w.cfg.Margin)
	refreshed := 0
	for _, creds := range all {
		current := creds.Access
		if t, ok := w.cfg.Cache.Peek(creds.AppID); ok && t.ExpiresAt.After(current.ExpiresAt) {
			current = t
		}
		if current.Valid(deadline) {
			continue
		}
		if _, err := w.cfg.Cache.Get(ctx, creds, true); err != nil {
			w.logger.Warn("token warmer: refresh failed", "app_id", creds.AppID, "error", err)
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		w.logger.Info("token warmer: refreshed tokens", "count", refreshed)
	}
	return refreshed
}
