package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wxgate/internal/domain"
)

// SQLiteStore keeps credentials and the delivery log in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		app_id           TEXT PRIMARY KEY,
		secret           TEXT NOT NULL DEFAULT '',
		token            TEXT NOT NULL DEFAULT '',
		encoding_aes_key TEXT NOT NULL DEFAULT '',
		encrypted        INTEGER NOT NULL DEFAULT 0,
		ticket           TEXT NOT NULL DEFAULT '',
		component_app_id TEXT NOT NULL DEFAULT '',
		refresh_token    TEXT NOT NULL DEFAULT '',
		access_token     TEXT NOT NULL DEFAULT '',
		expires_at       INTEGER NOT NULL DEFAULT 0,
		updated_at       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		app_id      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		from_user   TEXT,
		replied     INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_app ON deliveries(app_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumn("credentials", "encrypted", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn upgrades tables created before the column existed.
func (s *SQLiteStore) addColumn(table, column, def string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	if s.logger != nil {
		s.logger.Info("database column added", "table", table, "column", column)
	}
	return nil
}

const credentialColumns = `app_id, secret, token, encoding_aes_key, encrypted, ticket,
	component_app_id, refresh_token, access_token, expires_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCredentials(row scanner) (domain.Credentials, error) {
	var (
		c                  domain.Credentials
		expires, updatedAt int64
	)
	err := row.Scan(&c.AppID, &c.Secret, &c.Token, &c.EncodingAESKey, &c.Encrypted, &c.Ticket, &c.ComponentAppID,
		&c.RefreshToken, &c.Access.Value, &expires, &updatedAt)
	if err != nil {
		return c, err
	}
	c.Access.ExpiresAt = fromUnix(expires)
	c.UpdatedAt = fromUnix(updatedAt)
	return c, nil
}

func (s *SQLiteStore) Load(ctx context.Context, appID string) (*domain.Credentials, error) {
	c, err := scanCredentials(s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE app_id = ?`, appID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials %s: %w", appID, err)
	}
	return &c, nil
}

func (s *SQLiteStore) Save(ctx context.Context, c domain.Credentials) error {
	if c.AppID == "" {
		return fmt.Errorf("save credentials: empty app id")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(app_id) DO UPDATE SET
			secret = excluded.secret,
			token = excluded.token,
			encoding_aes_key = excluded.encoding_aes_key,
			encrypted = excluded.encrypted,
			ticket = excluded.ticket,
			component_app_id = excluded.component_app_id,
			refresh_token = excluded.refresh_token,
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.AppID, c.Secret, c.Token, c.EncodingAESKey, c.Encrypted, c.Ticket, c.ComponentAppID,
		c.RefreshToken, c.Access.Value, toUnix(c.Access.ExpiresAt), toUnix(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save credentials %s: %w", c.AppID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.Credentials, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY app_id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var all []domain.Credentials
	for rows.Next() {
		c, err := scanCredentials(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, c)
	}
	return all, rows.Err()
}

func (s *SQLiteStore) LogDelivery(ctx context.Context, d domain.Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	replied := 0
	if d.Replied {
		replied = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (request_id, app_id, kind, from_user, replied, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.AppID, d.Kind, d.From, replied, d.CreatedAt.UnixMilli(),
	)
	return err
}

// RecentDeliveries returns the newest deliveries first. An empty appID
// matches every account.
func (s *SQLiteStore) RecentDeliveries(ctx context.Context, appID string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, app_id, kind, from_user, replied, created_at FROM deliveries
		 WHERE ? = '' OR app_id = ?
		 ORDER BY id DESC LIMIT ?`, appID, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var (
			d       domain.Delivery
			from    sql.NullString
			replied int
			created int64
		)
		if err := rows.Scan(&d.RequestID, &d.AppID, &d.Kind, &from, &replied, &created); err != nil {
			return nil, err
		}
		d.From = from.String
		d.Replied = replied != 0
		d.CreatedAt = time.UnixMilli(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
