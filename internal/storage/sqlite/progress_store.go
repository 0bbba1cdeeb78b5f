// Package sqlite implements the progress store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed-width so that stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const progressColumns = `url_fingerprint, url, seed_bank, strain_ids, status, attempts, last_attempt,
	html_size, validation_score, s3_path, error_message, scrape_method, created_date`

// ProgressStore persists per-URL state in scraping_progress.
type ProgressStore struct {
	db *sqlx.DB
}

var (
	_ store.ProgressRepository    = (*ProgressStore)(nil)
	_ store.MaintenanceRepository = (*ProgressStore)(nil)
)

// Open opens (or creates) the database file at path and applies the schema.
func Open(ctx context.Context, path string) (*ProgressStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("progress db path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open progress db: %w", err)
	}
	// Single writer: every mutation is serialised through one connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping progress db: %w", err)
	}
	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sqlx.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

// Migrate creates the tables when missing.
func (s *ProgressStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply progress schema: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping progress db: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *ProgressStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close progress db: %w", err)
	}
	return nil
}

type progressRow struct {
	Fingerprint     string          `db:"url_fingerprint"`
	URL             string          `db:"url"`
	SeedBank        string          `db:"seed_bank"`
	StrainIDs       string          `db:"strain_ids"`
	Status          string          `db:"status"`
	Attempts        int             `db:"attempts"`
	LastAttempt     sql.NullString  `db:"last_attempt"`
	HTMLSize        sql.NullInt64   `db:"html_size"`
	ValidationScore sql.NullFloat64 `db:"validation_score"`
	ArchivePath     sql.NullString  `db:"s3_path"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	ScrapeMethod    sql.NullString  `db:"scrape_method"`
	CreatedDate     string          `db:"created_date"`
}

func (r progressRow) record() (store.Record, error) {
	rec := store.Record{
		Fingerprint:     r.Fingerprint,
		URL:             r.URL,
		SeedBank:        r.SeedBank,
		Status:          store.Status(r.Status),
		Attempts:        r.Attempts,
		HTMLSize:        r.HTMLSize.Int64,
		ValidationScore: r.ValidationScore.Float64,
		ArchivePath:     r.ArchivePath.String,
		FetchMethod:     r.ScrapeMethod.String,
		ErrorMessage:    r.ErrorMessage.String,
	}
	if r.StrainIDs != "" {
		if err := json.Unmarshal([]byte(r.StrainIDs), &rec.StrainIDs); err != nil {
			return store.Record{}, fmt.Errorf("decode strain_ids for %s: %w", r.Fingerprint, err)
		}
	}
	if r.LastAttempt.Valid {
		ts, err := parseTime(r.LastAttempt.String)
		if err != nil {
			return store.Record{}, err
		}
		rec.LastAttempt = &ts
	}
	if r.CreatedDate != "" {
		ts, err := parseTime(r.CreatedDate)
		if err != nil {
			return store.Record{}, err
		}
		rec.CreatedAt = ts
	}
	return rec, nil
}

// UpsertPending inserts rec as pending; an existing fingerprint is left untouched.
func (s *ProgressStore) UpsertPending(ctx context.Context, rec store.Record) (bool, error) {
	ids := rec.StrainIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return false, fmt.Errorf("encode strain_ids: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scraping_progress (url_fingerprint, url, seed_bank, strain_ids, status, attempts, created_date)
		VALUES (?, ?, ?, ?, 'pending', 0, ?)
		ON CONFLICT (url_fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.URL, rec.SeedBank, string(encoded), formatTime(created),
	)
	if err != nil {
		return false, fmt.Errorf("insert pending %s: %w", rec.Fingerprint, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ClaimBatch returns pending rows, failed rows with budget left, and stale
// processing rows, ordered by attempts and shuffled within equal attempts.
func (s *ProgressStore) ClaimBatch(ctx context.Context, opts store.ClaimOptions) ([]store.Record, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	stale := ""
	if !opts.StaleBefore.IsZero() {
		stale = formatTime(opts.StaleBefore)
	}
	var rows []progressRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+progressColumns+`
		FROM scraping_progress
		WHERE attempts < ?
		  AND (status = 'pending'
		       OR status = 'failed'
		       OR (status = 'processing' AND ? != '' AND (last_attempt IS NULL OR last_attempt < ?)))
		ORDER BY attempts ASC, RANDOM()
		LIMIT ?`,
		opts.MaxAttempts, stale, stale, opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return toRecords(rows)
}

// Mark applies upd to the row unless it is already a success.
func (s *ProgressStore) Mark(ctx context.Context, fingerprint string, upd store.Update) error {
	if err := upd.Check(); err != nil {
		return err
	}
	sets := []string{"status = ?"}
	args := []any{string(upd.Status)}
	if upd.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if upd.LastAttempt != nil {
		sets = append(sets, "last_attempt = ?")
		args = append(args, formatTime(*upd.LastAttempt))
	}
	if upd.HTMLSize != nil {
		sets = append(sets, "html_size = ?")
		args = append(args, *upd.HTMLSize)
	}
	if upd.ValidationScore != nil {
		sets = append(sets, "validation_score = ?")
		args = append(args, *upd.ValidationScore)
	}
	if upd.ArchivePath != nil {
		sets = append(sets, "s3_path = ?")
		args = append(args, *upd.ArchivePath)
	}
	if upd.FetchMethod != nil {
		sets = append(sets, "scrape_method = ?")
		args = append(args, *upd.FetchMethod)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullIfEmpty(*upd.ErrorMessage))
	}
	args = append(args, fingerprint)

	query := "UPDATE scraping_progress SET " + strings.Join(sets, ", ") +
		" WHERE url_fingerprint = ? AND status != 'success'"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", fingerprint, upd.Status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, fingerprint); err != nil {
		return err
	}
	return fmt.Errorf("mark %s: %w", fingerprint, store.ErrTerminal)
}

// Get loads a single row.
func (s *ProgressStore) Get(ctx context.Context, fingerprint string) (store.Record, error) {
	var row progressRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+progressColumns+` FROM scraping_progress WHERE url_fingerprint = ?`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s: %w", fingerprint, err)
	}
	return row.record()
}

type statsRow struct {
	Total       int64   `db:"total"`
	Pending     int64   `db:"pending"`
	Processing  int64   `db:"processing"`
	Success     int64   `db:"success"`
	Failed      int64   `db:"failed"`
	Skipped     int64   `db:"skipped"`
	AvgHTMLSize float64 `db:"avg_html_size"`
	AvgScore    float64 `db:"avg_score"`
}

// Stats aggregates counts per status plus average size and score of successes.
func (s *ProgressStore) Stats(ctx context.Context) (store.Stats, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0) AS processing,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0) AS skipped,
			COALESCE(AVG(CASE WHEN status = 'success' THEN html_size END), 0.0) AS avg_html_size,
			COALESCE(AVG(CASE WHEN status = 'success' THEN validation_score END), 0.0) AS avg_score
		FROM scraping_progress`)
	if err != nil {
		return store.Stats{}, fmt.Errorf("progress stats: %w", err)
	}
	return store.Stats(row), nil
}

// RecoverInterrupted fails every processing row left behind by a dead run.
func (s *ProgressStore) RecoverInterrupted(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scraping_progress
		SET status = 'failed', error_message = ?
		WHERE status = 'processing'`,
		"interrupted before "+formatTime(at),
	)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted: %w", err)
	}
	return rowsAffected(res)
}

// ResetFailed returns failed rows with attempts below maxAttempts to pending.
func (s *ProgressStore) ResetFailed(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scraping_progress
		SET status = 'pending', error_message = NULL
		WHERE status = 'failed' AND attempts < ?`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	return rowsAffected(res)
}

// ResetProcessing releases processing rows whose last attempt precedes cutoff.
// Rows with budget left go back to pending; rows that already used
// maxAttempts become failed so they stay terminal.
func (s *ProgressStore) ResetProcessing(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scraping_progress
		SET status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
		    error_message = CASE WHEN attempts >= ? THEN 'interrupted after final attempt' ELSE error_message END
		WHERE status = 'processing' AND (last_attempt IS NULL OR last_attempt < ?)`,
		maxAttempts, maxAttempts, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reset processing: %w", err)
	}
	return rowsAffected(res)
}

// Skip marks a non-success row as skipped.
func (s *ProgressStore) Skip(ctx context.Context, fingerprint, reason string) error {
	msg := reason
	return s.Mark(ctx, fingerprint, store.Update{Status: store.StatusSkipped, ErrorMessage: &msg})
}

// ListByStatus returns every row in status, ordered by URL.
func (s *ProgressStore) ListByStatus(ctx context.Context, status store.Status) ([]store.Record, error) {
	var rows []progressRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+progressColumns+` FROM scraping_progress WHERE status = ? ORDER BY url`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	return toRecords(rows)
}

type methodRow struct {
	Method   string  `db:"scrape_method"`
	Count    int64   `db:"count"`
	AvgScore float64 `db:"avg_score"`
	AvgSize  float64 `db:"avg_size"`
}

// MethodStats groups successful rows by the provider that produced them.
func (s *ProgressStore) MethodStats(ctx context.Context) ([]store.MethodStats, error) {
	var rows []methodRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT scrape_method, COUNT(*) AS count,
			COALESCE(AVG(validation_score), 0.0) AS avg_score,
			COALESCE(AVG(html_size), 0.0) AS avg_size
		FROM scraping_progress
		WHERE status = 'success' AND scrape_method IS NOT NULL
		GROUP BY scrape_method
		ORDER BY count DESC, scrape_method`)
	if err != nil {
		return nil, fmt.Errorf("method stats: %w", err)
	}
	out := make([]store.MethodStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.MethodStats(r))
	}
	return out, nil
}

// HostStats groups rows by target host. Hosts are derived in Go because SQLite
// has no URL functions.
func (s *ProgressStore) HostStats(ctx context.Context) ([]store.HostStats, error) {
	var rows []struct {
		URL    string `db:"url"`
		Status string `db:"status"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT url, status FROM scraping_progress`); err != nil {
		return nil, fmt.Errorf("host stats: %w", err)
	}
	byHost := make(map[string]*store.HostStats)
	for _, r := range rows {
		host := crawler.Host(r.URL)
		hs, ok := byHost[host]
		if !ok {
			hs = &store.HostStats{Host: host}
			byHost[host] = hs
		}
		hs.Total++
		switch store.Status(r.Status) {
		case store.StatusSuccess:
			hs.Success++
		case store.StatusFailed:
			hs.Failed++
		}
	}
	out := make([]store.HostStats, 0, len(byHost))
	for _, hs := range byHost {
		out = append(out, *hs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Host < out[j].Host
	})
	return out, nil
}

// CountRetryable counts pending rows plus failed rows that still have budget.
func (s *ProgressStore) CountRetryable(ctx context.Context, maxAttempts int) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM scraping_progress
		WHERE attempts < ? AND status IN ('pending', 'failed')`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("count retryable: %w", err)
	}
	return n, nil
}

// RecordStats appends a collection_stats snapshot.
func (s *ProgressStore) RecordStats(ctx context.Context, at time.Time) (store.Stats, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collection_stats (total_urls, completed, failed, success_rate, avg_html_size, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		stats.Total, stats.Success, stats.Failed, stats.SuccessRate(), stats.AvgHTMLSize, formatTime(at),
	)
	if err != nil {
		return store.Stats{}, fmt.Errorf("insert collection stats: %w", err)
	}
	return stats, nil
}

func toRecords(rows []progressRow) ([]store.Record, error) {
	out := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
