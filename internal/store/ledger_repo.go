package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a collection run in the ledger.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// ArchiveEntry records one archived page for cross-run auditing.
type ArchiveEntry struct {
	RunID           uuid.UUID
	Fingerprint     string
	URL             string
	ArchivePath     string
	FetchMethod     string
	ValidationScore float64
	HTMLSize        int64
	CollectedAt     time.Time
}

// HostDelta carries per-host counter increments for one run.
type HostDelta struct {
	RunID      uuid.UUID
	Host       string
	Dispatched int64
	Archived   int64
	Failed     int64
	Bytes      int64
	At         time.Time
}

// LedgerRepository is an optional shared audit trail of runs and archived
// pages. The progress store stays the source of truth for URL state.
type LedgerRepository interface {
	StartRun(ctx context.Context, runID uuid.UUID, at time.Time) error
	CompleteRun(ctx context.Context, runID uuid.UUID, at time.Time, status RunStatus, note *string) error
	RecordArchive(ctx context.Context, entry ArchiveEntry) error
	UpsertHostStats(ctx context.Context, delta HostDelta) error
}
