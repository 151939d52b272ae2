// Package store persists credentials, tokens and tickets, and records
// deliveries.
package store

import (
	"fmt"
	"log/slog"

	"wxgate/internal/domain"
)

// Config selects and configures a backend.
type Config struct {
	Type          string // sqlite | postgres | redis | memory
	Path          string // sqlite file
	DSN           string // postgres
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Logger        *slog.Logger
}

// New creates the configured credential store. Backends that also record
// deliveries implement domain.DeliveryLog.
func New(cfg Config) (domain.CredentialStore, error) {
	switch cfg.Type {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite store: path is required")
		}
		return NewSQLiteStore(cfg.Path, cfg.Logger)
	case "postgres":
		return OpenPostgres(cfg.DSN)
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis store: address is required")
		}
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s (supported: sqlite, postgres, redis, memory)", cfg.Type)
	}
}
