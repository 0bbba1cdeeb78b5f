package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("progress record not found")
	// ErrTerminal is returned when a caller tries to move a success row.
	ErrTerminal = errors.New("progress record is terminal")
	// ErrInvalidUpdate rejects updates that would break record invariants.
	ErrInvalidUpdate = errors.New("invalid progress update")
)

// Status mirrors the scraping_progress.status column.
type Status string

// Per-URL statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Record is one row of scraping_progress.
type Record struct {
	Fingerprint     string
	URL             string
	SeedBank        string
	StrainIDs       []string
	Status          Status
	Attempts        int
	LastAttempt     *time.Time
	HTMLSize        int64
	ValidationScore float64
	ArchivePath     string
	FetchMethod     string
	ErrorMessage    string
	CreatedAt       time.Time
}

// Update carries a status transition plus any subset of outcome fields.
// Nil pointers leave the column untouched.
type Update struct {
	Status            Status
	IncrementAttempts bool
	LastAttempt       *time.Time
	HTMLSize          *int64
	ValidationScore   *float64
	ArchivePath       *string
	FetchMethod       *string
	ErrorMessage      *string
}

// Check enforces the success invariant before the update reaches storage.
func (u Update) Check() error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, u.Status)
	}
	if u.Status != StatusSuccess {
		return nil
	}
	if u.ArchivePath == nil || *u.ArchivePath == "" {
		return fmt.Errorf("%w: success requires archive path", ErrInvalidUpdate)
	}
	if u.HTMLSize == nil || *u.HTMLSize <= 0 {
		return fmt.Errorf("%w: success requires html size", ErrInvalidUpdate)
	}
	if u.ValidationScore == nil {
		return fmt.Errorf("%w: success requires validation score", ErrInvalidUpdate)
	}
	return nil
}

// ClaimOptions select rows eligible for dispatch.
type ClaimOptions struct {
	Limit       int
	MaxAttempts int
	// StaleBefore makes processing rows whose last attempt precedes it claimable.
	StaleBefore time.Time
}

// Stats aggregates the progress table.
type Stats struct {
	Total       int64
	Pending     int64
	Processing  int64
	Success     int64
	Failed      int64
	Skipped     int64
	AvgHTMLSize float64
	AvgScore    float64
}

// SuccessRate is success over total, or zero for an empty store.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total)
}

// MethodStats groups successful rows by fetch method.
type MethodStats struct {
	Method   string
	Count    int64
	AvgScore float64
	AvgSize  float64
}

// HostStats groups rows by target host.
type HostStats struct {
	Host    string
	Total   int64
	Success int64
	Failed  int64
}

// ProgressRepository is the durable per-URL state machine.
type ProgressRepository interface {
	// UpsertPending inserts rec as pending unless its fingerprint exists.
	UpsertPending(ctx context.Context, rec Record) (bool, error)
	// ClaimBatch returns rows eligible for dispatch ordered by attempts, then shuffled.
	ClaimBatch(ctx context.Context, opts ClaimOptions) ([]Record, error)
	// Mark applies an Update atomically; success rows are never modified.
	Mark(ctx context.Context, fingerprint string, upd Update) error
	// Get loads one row or returns ErrNotFound.
	Get(ctx context.Context, fingerprint string) (Record, error)
	// Stats computes table-wide aggregates.
	Stats(ctx context.Context) (Stats, error)
}

// MaintenanceRepository holds operator actions and reporting queries.
type MaintenanceRepository interface {
	// RecoverInterrupted turns every processing row into failed.
	RecoverInterrupted(ctx context.Context, at time.Time) (int64, error)
	// ResetFailed returns failed rows with attempts below maxAttempts to pending.
	ResetFailed(ctx context.Context, maxAttempts int) (int64, error)
	// ResetProcessing returns processing rows older than cutoff to pending, or
	// to failed when they have no attempts left.
	ResetProcessing(ctx context.Context, cutoff time.Time, maxAttempts int) (int64, error)
	// Skip marks non-success rows as skipped.
	Skip(ctx context.Context, fingerprint, reason string) error
	// ListByStatus returns rows with the given status ordered by URL.
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
	// MethodStats groups success rows by fetch method.
	MethodStats(ctx context.Context) ([]MethodStats, error)
	// HostStats groups all rows by host.
	HostStats(ctx context.Context) ([]HostStats, error)
	// CountRetryable counts pending rows plus failed rows with budget left.
	CountRetryable(ctx context.Context, maxAttempts int) (int64, error)
	// RecordStats appends a collection_stats row and returns the aggregates.
	RecordStats(ctx context.Context, at time.Time) (Stats, error)
}
