// Package postgres provides the optional Postgres run ledger.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

//go:embed ledger.sql
var ledgerSchema string

const defaultArchiveTable = "archived_pages"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for the ledger.
type LedgerConfig struct {
	DSN             string
	ArchiveTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// LedgerStore implements store.LedgerRepository on Postgres.
type LedgerStore struct {
	pool  execCloser
	table string
}

var _ store.LedgerRepository = (*LedgerStore)(nil)

// NewLedgerStore connects a pool using cfg.
func NewLedgerStore(ctx context.Context, cfg LedgerConfig) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger.dsn is required")
	}
	table, err := archiveTable(cfg.ArchiveTable)
	if err != nil {
		return nil, err
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
	return &LedgerStore{pool: pool, table: table}, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool.
func NewLedgerStoreWithPool(pool execCloser, table string) (*LedgerStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table, err := archiveTable(table)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{pool: pool, table: table}, nil
}

func archiveTable(name string) (string, error) {
	if name == "" {
		return defaultArchiveTable, nil
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the ledger tables when missing.
func (s *LedgerStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(ledgerSchema, s.table)); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// StartRun records a run as running. Replaying the call is harmless.
func (s *LedgerStore) StartRun(ctx context.Context, runID uuid.UUID, at time.Time) error {
	const query = `
		INSERT INTO collection_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, at.UTC(), string(store.RunRunning)); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// CompleteRun stamps the finish time and terminal status of a run.
func (s *LedgerStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	at time.Time,
	status store.RunStatus,
	note *string,
) error {
	const query = `
		UPDATE collection_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, at.UTC(), string(status), note, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// RecordArchive inserts one archived page row.
func (s *LedgerStore) RecordArchive(ctx context.Context, entry store.ArchiveEntry) error {
	if entry.Fingerprint == "" {
		return errors.New("archive entry fingerprint is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	url_fingerprint,
	url,
	archive_path,
	fetch_method,
	validation_score,
	html_size,
	collected_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (run_id, url_fingerprint) DO NOTHING`, s.table)

	args := []any{
		entry.RunID,
		entry.Fingerprint,
		entry.URL,
		entry.ArchivePath,
		entry.FetchMethod,
		entry.ValidationScore,
		entry.HTMLSize,
		entry.CollectedAt.UTC(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert archive entry: %w", err)
	}
	return nil
}

// UpsertHostStats adds delta to the per-host counters of a run.
func (s *LedgerStore) UpsertHostStats(ctx context.Context, delta store.HostDelta) error {
	const query = `
		INSERT INTO run_host_stats (run_id, host, dispatched, archived, failed, bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, host) DO UPDATE SET
			dispatched = run_host_stats.dispatched + EXCLUDED.dispatched,
			archived   = run_host_stats.archived + EXCLUDED.archived,
			failed     = run_host_stats.failed + EXCLUDED.failed,
			bytes      = run_host_stats.bytes + EXCLUDED.bytes,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		delta.RunID, delta.Host, delta.Dispatched, delta.Archived, delta.Failed, delta.Bytes, delta.At.UTC())
	if err != nil {
		return fmt.Errorf("upsert host stats: %w", err)
	}
	return nil
}
