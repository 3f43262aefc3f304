package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sessionKey identifies the single shared scraping session. The registry
// ties its entry check to the cookie jar, not to a user, so one row is all
// there is.
const sessionKey = "poit"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the session blob in a scraper_sessions row.
type PostgresStore struct {
	db querier
}

// NewPostgresStore creates a store backed by a new connection pool.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// NewPostgresStoreWithDB constructs a store from an existing connection
// (primarily for testing).
func NewPostgresStoreWithDB(db querier) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &PostgresStore{db: db}, nil
}

// Load returns the stored cookie blob, or nil when no session row exists.
func (s *PostgresStore) Load(ctx context.Context) ([]byte, error) {
	query := `SELECT cookies FROM scraper_sessions WHERE id = $1;`
	var blob []byte
	err := s.db.QueryRow(ctx, query, sessionKey).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return blob, nil
}

// Save upserts the cookie blob for the shared session row.
func (s *PostgresStore) Save(ctx context.Context, blob []byte) error {
	query := `
		INSERT INTO scraper_sessions (id, cookies, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET cookies = EXCLUDED.cookies, updated_at = EXCLUDED.updated_at;
	`
	if _, err := s.db.Exec(ctx, query, sessionKey, blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
