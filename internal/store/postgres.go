package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"wxgate/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS wx_credentials (
	app_id           TEXT PRIMARY KEY,
	secret           TEXT NOT NULL DEFAULT '',
	token            TEXT NOT NULL DEFAULT '',
	encoding_aes_key TEXT NOT NULL DEFAULT '',
	encrypted        BOOLEAN NOT NULL DEFAULT FALSE,
	ticket           TEXT NOT NULL DEFAULT '',
	component_app_id TEXT NOT NULL DEFAULT '',
	refresh_token    TEXT NOT NULL DEFAULT '',
	access_token     TEXT NOT NULL DEFAULT '',
	expires_at       TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE wx_credentials ADD COLUMN IF NOT EXISTS encrypted BOOLEAN NOT NULL DEFAULT FALSE;`

const pgColumns = "app_id, secret, token, encoding_aes_key, encrypted, ticket, component_app_id, refresh_token, access_token, expires_at, updated_at"

// PostgresStore keeps credentials in PostgreSQL, for deployments running
// several gateway instances against one database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database. The schema must exist.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn and creates the schema when missing.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database URL is required for PostgreSQL storage")
	}
	if !strings.Contains(dsn, "sslmode=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "sslmode=disable"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres migration failed: %w", err)
	}
	return NewPostgresStore(db), nil
}

func (s *PostgresStore) Load(ctx context.Context, appID string) (*domain.Credentials, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+pgColumns+" FROM wx_credentials WHERE app_id = $1",
		appID)

	var (
		c       domain.Credentials
		expires sql.NullTime
	)
	err := row.Scan(&c.AppID, &c.Secret, &c.Token, &c.EncodingAESKey, &c.Encrypted, &c.Ticket, &c.ComponentAppID,
		&c.RefreshToken, &c.Access.Value, &expires, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if expires.Valid {
		c.Access.ExpiresAt = expires.Time
	}
	return &c, nil
}

func (s *PostgresStore) Save(ctx context.Context, c domain.Credentials) error {
	if c.AppID == "" {
		return fmt.Errorf("save credentials: empty app id")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	var expires sql.NullTime
	if !c.Access.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: c.Access.ExpiresAt, Valid: true}
	}
	query := `
		INSERT INTO wx_credentials (` + pgColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (app_id) DO UPDATE SET
			secret = EXCLUDED.secret,
			token = EXCLUDED.token,
			encoding_aes_key = EXCLUDED.encoding_aes_key,
			encrypted = EXCLUDED.encrypted,
			ticket = EXCLUDED.ticket,
			component_app_id = EXCLUDED.component_app_id,
			refresh_token = EXCLUDED.refresh_token,
			access_token = EXCLUDED.access_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, c.AppID, c.Secret, c.Token, c.EncodingAESKey, c.Encrypted,
		c.Ticket, c.ComponentAppID, c.RefreshToken, c.Access.Value, expires, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]domain.Credentials, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgColumns+" FROM wx_credentials ORDER BY app_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var all []domain.Credentials
	for rows.Next() {
		var (
			c       domain.Credentials
			expires sql.NullTime
		)
		if err := rows.Scan(&c.AppID, &c.Secret, &c.Token, &c.EncodingAESKey, &c.Encrypted, &c.Ticket, &c.ComponentAppID,
			&c.RefreshToken, &c.Access.Value, &expires, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			c.Access.ExpiresAt = expires.Time
		}
		all = append(all, c)
	}
	return all, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
