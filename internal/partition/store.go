// Package partition persists and schedules the paged workload of a task.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spiderframe/spiderframe/internal/metrics"
)

// seedChunkSize bounds the number of rows per seed insert statement.
const seedChunkSize = 1000

// StoreConfig controls the Postgres connection pool backing the store.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store holds the three partition tables: the one-row-per-task registration
// record, pending pages and running pages. It is the single source of truth
// for page state across workers.
type Store struct {
	pool pgxPool
}

// NewStore connects a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the partition tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_registration (
	identity varchar(50) NOT NULL,
	description varchar(120),
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (identity)
)`,
		`CREATE TABLE IF NOT EXISTS pending_pages (
	page integer NOT NULL,
	task_name varchar(60) NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (page, task_name)
)`,
		`CREATE TABLE IF NOT EXISTS running_pages (
	page integer NOT NULL,
	task_name varchar(60) NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (page, task_name)
)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RegisterTask records the task identity once and reports whether this call
// created the registration.
func (s *Store) RegisterTask(ctx context.Context, identity, description string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO task_registration (identity, description) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING`,
		identity, description,
	)
	if err != nil {
		return false, fmt.Errorf("register task %s: %w", identity, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SeedPages clears pending and running rows for the task, then inserts one
// pending row per page for ceil(totalCount/pageSize) pages. Inserts are
// chunked to bound statement size. It returns the page count.
func (s *Store) SeedPages(ctx context.Context, taskName string, totalCount int64, pageSize int) (int, error) {
	if pageSize <= 0 {
		return 0, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_pages WHERE task_name = $1`, taskName); err != nil {
		return 0, fmt.Errorf("clear pending pages: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM running_pages WHERE task_name = $1`, taskName); err != nil {
		return 0, fmt.Errorf("clear running pages: %w", err)
	}

	pageCount := int((totalCount + int64(pageSize) - 1) / int64(pageSize))
	for start := 1; start <= pageCount; start += seedChunkSize {
		end := start + seedChunkSize - 1
		if end > pageCount {
			end = pageCount
		}
		stmt, args := seedInsert(taskName, start, end)
		if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
			return 0, fmt.Errorf("seed pages %d..%d: %w", start, end, err)
		}
	}
	metrics.AddPagesSeeded(pageCount)
	return pageCount, nil
}

// ClaimNextPage atomically moves the smallest pending page of the task into
// the running table. ok is false when no pending page exists.
func (s *Store) ClaimNextPage(ctx context.Context, taskName string) (page int, ok bool, err error) {
	claim := `DELETE FROM pending_pages
WHERE task_name = $1
  AND page = (
	SELECT page FROM pending_pages
	WHERE task_name = $1
	ORDER BY page ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING page`
	err = s.pool.QueryRow(ctx, claim, taskName).Scan(&page)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("claim pending page: %w", err)
	}

	// Tolerate a leftover running row from a crashed predecessor.
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO running_pages (page, task_name) VALUES ($1, $2) ON CONFLICT (page, task_name) DO NOTHING`,
		page, taskName,
	); err != nil {
		return 0, false, fmt.Errorf("mark page %d running: %w", page, err)
	}
	metrics.IncPagesClaimed()
	return page, true, nil
}

// ReleaseRunningPage deletes the running row for the page and reports
// whether it existed.
func (s *Store) ReleaseRunningPage(ctx context.Context, taskName string, page int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM running_pages WHERE page = $1 AND task_name = $2`,
		page, taskName,
	)
	if err != nil {
		return false, fmt.Errorf("release running page %d: %w", page, err)
	}
	released := tag.RowsAffected() > 0
	if released {
		metrics.IncPagesReleased()
	}
	return released, nil
}

func seedInsert(taskName string, start, end int) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO pending_pages (page, task_name) VALUES `)
	args := make([]any, 0, (end-start+1)*2)
	for page := start; page <= end; page++ {
		if page > start {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, page, taskName)
	}
	return sb.String(), args
}
