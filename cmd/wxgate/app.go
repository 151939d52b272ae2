package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wxgate/internal/config"
	"wxgate/internal/domain"
	"wxgate/internal/metrics"
	"wxgate/internal/store"
	"wxgate/internal/token"
	"wxgate/internal/wxapi"
)

// newLogger builds the process logger from the general config. The returned
// closer releases the log file, if any.
func newLogger(gc config.GeneralConfig) (*slog.Logger, func() error, error) {
	var level slog.Level
	switch gc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var (
		out     io.Writer = os.Stderr
		closeFn           = func() error { return nil }
	)
	if gc.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(gc.LogFile), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(gc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closeFn = f, f.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(gc.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(out, opts)), closeFn, nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), closeFn, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (domain.CredentialStore, error) {
	return store.New(store.Config{
		Type:          cfg.Store.Type,
		Path:          cfg.Store.Path,
		DSN:           cfg.Store.DSN,
		RedisAddr:     cfg.Store.Redis.Addr,
		RedisPassword: cfg.Store.Redis.Password,
		RedisDB:       cfg.Store.Redis.DB,
		Logger:        logger,
	})
}

// mergeAccount overlays configured fields onto stored credentials. Tokens,
// tickets, and a rotated refresh token already in the store are kept.
func mergeAccount(stored *domain.Credentials, configured domain.Credentials) domain.Credentials {
	c := configured
	if stored == nil {
		return c
	}
	c.Ticket = stored.Ticket
	c.Access = stored.Access
	c.UpdatedAt = stored.UpdatedAt
	if stored.RefreshToken != "" {
		c.RefreshToken = stored.RefreshToken
	}
	return c
}

// seedAccounts writes every configured account, and the component app when
// enabled, into the store.
func seedAccounts(ctx context.Context, st domain.CredentialStore, cfg *config.Config) (int, error) {
	var configured []domain.Credentials
	if cfg.Component.Enabled {
		c := cfg.Component
		// Component pushes always arrive encrypted.
		configured = append(configured, domain.Credentials{
			AppID:          c.AppID,
			Secret:         c.Secret,
			Token:          c.Token,
			EncodingAESKey: c.EncodingAESKey,
			Encrypted:      true,
		})
	}
	for _, a := range cfg.Accounts {
		c := domain.Credentials{
			AppID:          a.AppID,
			Secret:         a.Secret,
			Token:          a.Token,
			EncodingAESKey: a.EncodingAESKey,
			Encrypted:      a.Encrypted,
			RefreshToken:   a.RefreshToken,
		}
		if a.Component {
			c.ComponentAppID = cfg.Component.AppID
		}
		configured = append(configured, c)
	}

	for _, c := range configured {
		stored, err := st.Load(ctx, c.AppID)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", c.AppID, err)
		}
		if err := st.Save(ctx, mergeAccount(stored, c)); err != nil {
			return 0, fmt.Errorf("save %s: %w", c.AppID, err)
		}
	}
	return len(configured), nil
}

// tokenStack is the outbound side: API client and token cache wired to each
// other and to the store.
type tokenStack struct {
	client *wxapi.Client
	cache  *token.Cache
}

func newTokenStack(cfg *config.Config, st domain.CredentialStore, m *metrics.Gateway, logger *slog.Logger) *tokenStack {
	client := wxapi.NewClient(wxapi.ClientConfig{
		BaseURL: cfg.Tokens.APIBase,
		Timeout: time.Duration(cfg.Tokens.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	fetcher := &wxapi.Fetcher{Client: client}
	if cfg.Component.Enabled {
		compID := cfg.Component.AppID
		fetcher.ComponentAppID = compID
		fetcher.LoadComponent = func(ctx context.Context) (*domain.Credentials, error) {
			return st.Load(ctx, compID)
		}
	}

	cache := token.NewCache(token.CacheConfig{
		Fetcher: fetcher,
		Load:    st.Load,
		Save:    st.Save,
		Logger:  logger,
		OnRefresh: func(string) {
			if m != nil {
				m.TokenRefreshes.Inc()
			}
		},
	})
	fetcher.Tokens = cache
	client.SetTokenSource(cache)
	return &tokenStack{client: client, cache: cache}
}

// loadCredentials returns the stored credentials of appID.
func loadCredentials(ctx context.Context, st domain.CredentialStore, appID string) (domain.Credentials, error) {
	creds, err := st.Load(ctx, appID)
	if err != nil {
		return domain.Credentials{}, err
	}
	if creds == nil {
		return domain.Credentials{}, fmt.Errorf("no credentials stored for %s", appID)
	}
	return *creds, nil
}

// setup loads config, logger, and store for one-shot commands. The store is
// seeded from the config.
func setup(ctx context.Context) (*config.Config, domain.CredentialStore, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return nil, nil, nil, err
	}
	logger = log
	st, err := openStore(cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := seedAccounts(ctx, st, cfg); err != nil {
		st.Close()
		closeLog()
		return nil, nil, nil, err
	}
	cleanup := func() {
		st.Close()
		closeLog()
	}
	return cfg, st, cleanup, nil
}
