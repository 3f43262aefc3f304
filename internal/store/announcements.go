package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loopdesk/poit-crawler/internal/poit"
)

// Config controls the Postgres connection pool for announcement rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// AnnouncementStore reads and writes announcement rows.
type AnnouncementStore struct {
	pool querier
}

// New connects a pool and returns the store.
func New(ctx context.Context, cfg Config) (*AnnouncementStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &AnnouncementStore{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier) (*AnnouncementStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AnnouncementStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *AnnouncementStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertSQL = `
INSERT INTO announcements (
	id,
	query,
	reporter,
	type,
	subject,
	pub_date,
	published_at,
	detail_text,
	full_text,
	url,
	org_number,
	scraped_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now()
)
ON CONFLICT (id) DO UPDATE SET
	detail_text = COALESCE(NULLIF(EXCLUDED.detail_text, ''), announcements.detail_text),
	full_text   = COALESCE(NULLIF(EXCLUDED.full_text, ''), announcements.full_text),
	org_number  = COALESCE(NULLIF(EXCLUDED.org_number, ''), announcements.org_number),
	updated_at  = now()`

// Upsert writes one announcement. Re-scraping the same id only ever adds
// enrichment fields; identity columns from the first scrape are kept.
func (s *AnnouncementStore) Upsert(ctx context.Context, a poit.Announcement) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("announcement store is not configured")
	}
	if a.ID == "" {
		return fmt.Errorf("announcement id is required")
	}
	args := []any{
		a.ID,
		a.Query,
		a.Reporter,
		a.Type,
		a.Subject,
		a.PubDate,
		a.PublishedAt,
		a.DetailText,
		a.FullText,
		a.URL,
		a.OrgNumber,
		a.ScrapedAt,
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, args...); err != nil {
		return fmt.Errorf("upsert announcement %s: %w", a.ID, err)
	}
	return nil
}

// UpsertAll writes a batch and returns how many rows landed. The first
// failure aborts the batch.
func (s *AnnouncementStore) UpsertAll(ctx context.Context, anns []poit.Announcement) (int, error) {
	for i, a := range anns {
		if err := s.Upsert(ctx, a); err != nil {
			return i, err
		}
	}
	return len(anns), nil
}

const selectColumns = `
	id, query, reporter, type, subject, pub_date, published_at,
	detail_text, full_text, url, org_number, scraped_at`

// ListByOrgNumber returns announcements for one organization, newest
// first. The number is matched in dashed form.
func (s *AnnouncementStore) ListByOrgNumber(ctx context.Context, orgNumber string) ([]poit.Announcement, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("announcement store is not configured")
	}
	digits := poit.DigitsOnly(orgNumber)
	if len(digits) >= 10 {
		orgNumber = poit.FormatOrgNumber(digits)
	}
	rows, err := s.pool.Query(ctx, `
SELECT`+selectColumns+`
FROM announcements
WHERE org_number = $1
ORDER BY published_at DESC NULLS LAST, scraped_at DESC`, orgNumber)
	if err != nil {
		return nil, fmt.Errorf("list announcements for %s: %w", orgNumber, err)
	}
	return scanAnnouncements(rows)
}

// Recent returns the most recently scraped announcements.
func (s *AnnouncementStore) Recent(ctx context.Context, limit int) ([]poit.Announcement, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("announcement store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT`+selectColumns+`
FROM announcements
ORDER BY scraped_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent announcements: %w", err)
	}
	return scanAnnouncements(rows)
}

func scanAnnouncements(rows pgx.Rows) ([]poit.Announcement, error) {
	defer rows.Close()

	var out []poit.Announcement
	for rows.Next() {
		var a poit.Announcement
		err := rows.Scan(
			&a.ID,
			&a.Query,
			&a.Reporter,
			&a.Type,
			&a.Subject,
			&a.PubDate,
			&a.PublishedAt,
			&a.DetailText,
			&a.FullText,
			&a.URL,
			&a.OrgNumber,
			&a.ScrapedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan announcement row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read announcement rows: %w", err)
	}
	return out, nil
}
