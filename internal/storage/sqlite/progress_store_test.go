package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/strain-archive-collector/internal/hash/sha256"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

func openTestStore(t *testing.T) *ProgressStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *ProgressStore, url string, ids ...string) string {
	t.Helper()
	fp := sha256.Fingerprint(url)
	inserted, err := s.UpsertPending(context.Background(), store.Record{
		Fingerprint: fp,
		URL:         url,
		SeedBank:    "test",
		StrainIDs:   ids,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return fp
}

func succeed(t *testing.T, s *ProgressStore, fp string, size int64, score float64, method string) {
	t.Helper()
	path := "html/" + fp
	require.NoError(t, s.Mark(context.Background(), fp, store.Update{
		Status:          store.StatusSuccess,
		HTMLSize:        &size,
		ValidationScore: &score,
		ArchivePath:     &path,
		FetchMethod:     &method,
	}))
}

func TestUpsertPendingKeepsExistingRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	fp := seed(t, s, "https://example.test/a", "u1", "u2")
	succeed(t, s, fp, 20000, 1, "direct")

	inserted, err := s.UpsertPending(ctx, store.Record{Fingerprint: fp, URL: "https://example.test/a", StrainIDs: []string{"u3"}})
	require.NoError(t, err)
	assert.False(t, inserted)

	rec, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, rec.Status)
	assert.Equal(t, []string{"u1", "u2"}, rec.StrainIDs)
	assert.Equal(t, "test", rec.SeedBank)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestClaimBatchEligibility(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	pending := seed(t, s, "https://a.test/pending")
	retry := seed(t, s, "https://a.test/retry")
	exhausted := seed(t, s, "https://a.test/exhausted")
	done := seed(t, s, "https://a.test/done")
	fresh := seed(t, s, "https://a.test/fresh")
	stale := seed(t, s, "https://a.test/stale")
	skipped := seed(t, s, "https://a.test/skipped")

	reason := "boom"
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Mark(ctx, retry, store.Update{Status: store.StatusFailed, IncrementAttempts: true, ErrorMessage: &reason}))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Mark(ctx, exhausted, store.Update{Status: store.StatusFailed, IncrementAttempts: true, ErrorMessage: &reason}))
	}
	succeed(t, s, done, 10, 1, "direct")
	recent := now.Add(-time.Minute)
	old := now.Add(-time.Hour)
	require.NoError(t, s.Mark(ctx, fresh, store.Update{Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &recent}))
	require.NoError(t, s.Mark(ctx, stale, store.Update{Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &old}))
	require.NoError(t, s.Skip(ctx, skipped, "operator"))

	claimed, err := s.ClaimBatch(ctx, store.ClaimOptions{Limit: 10, MaxAttempts: 3, StaleBefore: now.Add(-30 * time.Minute)})
	require.NoError(t, err)

	got := make([]string, 0, len(claimed))
	for _, rec := range claimed {
		got = append(got, rec.Fingerprint)
	}
	assert.ElementsMatch(t, []string{pending, retry, stale}, got)
	require.Len(t, claimed, 3)
	assert.Equal(t, pending, claimed[0].Fingerprint, "lowest attempts first")
	assert.Equal(t, retry, claimed[2].Fingerprint)

	claimed, err = s.ClaimBatch(ctx, store.ClaimOptions{Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Len(t, claimed, 2, "processing rows are not claimable without a stale cutoff")

	claimed, err = s.ClaimBatch(ctx, store.ClaimOptions{Limit: 1, MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, pending, claimed[0].Fingerprint)
}

func TestMarkTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	fp := seed(t, s, "https://example.test/a")
	at := time.Date(2026, 5, 6, 7, 8, 9, 123, time.UTC)

	require.NoError(t, s.Mark(ctx, fp, store.Update{Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &at}))
	rec, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.LastAttempt)
	assert.True(t, at.Equal(*rec.LastAttempt))

	succeed(t, s, fp, 20000, 0.875, "commercial_A")
	rec, err = s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, rec.Status)
	assert.Equal(t, int64(20000), rec.HTMLSize)
	assert.InDelta(t, 0.875, rec.ValidationScore, 1e-9)
	assert.Equal(t, "html/"+fp, rec.ArchivePath)
	assert.Equal(t, "commercial_A", rec.FetchMethod)

	reason := "late failure"
	err = s.Mark(ctx, fp, store.Update{Status: store.StatusFailed, ErrorMessage: &reason})
	require.ErrorIs(t, err, store.ErrTerminal)

	err = s.Mark(ctx, "0000000000000000", store.Update{Status: store.StatusFailed})
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.Mark(ctx, fp, store.Update{Status: store.StatusSuccess})
	require.ErrorIs(t, err, store.ErrInvalidUpdate)
}

func TestStatsAndRecordStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	empty, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{}, empty)

	a := seed(t, s, "https://a.test/1")
	b := seed(t, s, "https://b.test/1")
	c := seed(t, s, "https://b.test/2")
	seed(t, s, "https://c.test/1")
	succeed(t, s, a, 10000, 1, "direct")
	succeed(t, s, b, 20000, 0.75, "commercial_B")
	reason := "blocked"
	require.NoError(t, s.Mark(ctx, c, store.Update{Status: store.StatusFailed, IncrementAttempts: true, ErrorMessage: &reason}))

	stats, err := s.RecordStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Success)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Pending)
	assert.InDelta(t, 15000, stats.AvgHTMLSize, 1e-9)
	assert.InDelta(t, 0.875, stats.AvgScore, 1e-9)
	assert.InDelta(t, 0.5, stats.SuccessRate(), 1e-9)

	var rows int
	require.NoError(t, s.db.GetContext(ctx, &rows, `SELECT COUNT(*) FROM collection_stats`))
	assert.Equal(t, 1, rows)
	var completed int64
	require.NoError(t, s.db.GetContext(ctx, &completed, `SELECT completed FROM collection_stats ORDER BY id DESC LIMIT 1`))
	assert.Equal(t, int64(2), completed)

	methods, err := s.MethodStats(ctx)
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.Equal(t, "commercial_B", methods[0].Method)
	assert.Equal(t, int64(1), methods[0].Count)

	hosts, err := s.HostStats(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 3)
	assert.Equal(t, store.HostStats{Host: "b.test", Total: 2, Success: 1, Failed: 1}, hosts[0])

	retryable, err := s.CountRetryable(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(2), retryable)
}

func TestMaintenanceOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	failedLow := seed(t, s, "https://a.test/low")
	failedHigh := seed(t, s, "https://a.test/high")
	stuck := seed(t, s, "https://a.test/stuck")
	reason := "timeout"
	require.NoError(t, s.Mark(ctx, failedLow, store.Update{Status: store.StatusFailed, IncrementAttempts: true, ErrorMessage: &reason}))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Mark(ctx, failedHigh, store.Update{Status: store.StatusFailed, IncrementAttempts: true, ErrorMessage: &reason}))
	}
	old := now.Add(-2 * time.Hour)
	require.NoError(t, s.Mark(ctx, stuck, store.Update{Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &old}))

	failed, err := s.ListByStatus(ctx, store.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "https://a.test/high", failed[0].URL)
	assert.Equal(t, "timeout", failed[0].ErrorMessage)

	n, err := s.ResetFailed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rec, err := s.Get(ctx, failedLow)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.ErrorMessage)

	n, err = s.ResetProcessing(ctx, now.Add(-30*time.Minute), 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rec, err = s.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)

	require.NoError(t, s.Mark(ctx, stuck, store.Update{Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &now}))
	n, err = s.RecoverInterrupted(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rec, err = s.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.ErrorMessage, "interrupted")
}

func TestResetProcessingKeepsExhaustedRowsTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	const maxAttempts = 3
	old := time.Now().UTC().Add(-2 * time.Hour)

	spent := seed(t, s, "https://a.test/spent")
	for i := 0; i < maxAttempts; i++ {
		require.NoError(t, s.Mark(ctx, spent, store.Update{Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &old}))
	}
	fresh := seed(t, s, "https://a.test/fresh")
	require.NoError(t, s.Mark(ctx, fresh, store.Update{Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &old}))

	n, err := s.ResetProcessing(ctx, time.Now().UTC().Add(-time.Hour), maxAttempts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rec, err := s.Get(ctx, spent)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, maxAttempts, rec.Attempts)
	assert.NotEmpty(t, rec.ErrorMessage)

	rec, err = s.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)

	// Only the row with budget left is retryable or claimable; nothing is
	// stranded in pending beyond the budget.
	retryable, err := s.CountRetryable(ctx, maxAttempts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retryable)
	claimed, err := s.ClaimBatch(ctx, store.ClaimOptions{Limit: 10, MaxAttempts: maxAttempts})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, fresh, claimed[0].Fingerprint)

	pending, err := s.ListByStatus(ctx, store.StatusPending)
	require.NoError(t, err)
	for _, r := range pending {
		assert.Less(t, r.Attempts, maxAttempts, r.URL)
	}
}

func TestReopenKeepsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "progress.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	fp := seed(t, s, "https://example.test/persist", "u1")
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	rec, err := s.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, rec.StrainIDs)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestMarkWrapsExecError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewWithDB(sqlx.NewDb(db, "sqlite"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE scraping_progress SET status = ?, attempts = attempts + 1 WHERE url_fingerprint = ? AND status != 'success'")).
		WithArgs("processing", "abc").
		WillReturnError(errors.New("disk I/O error"))

	err = s.Mark(context.Background(), "abc", store.Update{Status: store.StatusProcessing, IncrementAttempts: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark abc processing")
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchWrapsQueryError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewWithDB(sqlx.NewDb(db, "sqlite"))

	mock.ExpectQuery("SELECT (.+) FROM scraping_progress").
		WillReturnError(errors.New("database is locked"))

	_, err = s.ClaimBatch(context.Background(), store.ClaimOptions{Limit: 5, MaxAttempts: 6})
	require.ErrorContains(t, err, "claim batch")
	require.NoError(t, mock.ExpectationsWereMet())
}
