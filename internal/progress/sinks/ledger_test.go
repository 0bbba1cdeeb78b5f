package sinks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/strain-archive-collector/internal/progress"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

type fakeLedger struct {
	mu        sync.Mutex
	calls     []string
	started   []uuid.UUID
	completed map[uuid.UUID]store.RunStatus
	notes     map[uuid.UUID]*string
	archives  []store.ArchiveEntry
	hosts     map[string]store.HostDelta
	archErr   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		completed: make(map[uuid.UUID]store.RunStatus),
		notes:     make(map[uuid.UUID]*string),
		hosts:     make(map[string]store.HostDelta),
	}
}

func (f *fakeLedger) StartRun(_ context.Context, runID uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeLedger) CompleteRun(_ context.Context, runID uuid.UUID, _ time.Time, status store.RunStatus, note *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "complete")
	f.completed[runID] = status
	f.notes[runID] = note
	return nil
}

func (f *fakeLedger) RecordArchive(_ context.Context, entry store.ArchiveEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "archive")
	if f.archErr != nil {
		return f.archErr
	}
	f.archives = append(f.archives, entry)
	return nil
}

func (f *fakeLedger) UpsertHostStats(_ context.Context, delta store.HostDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "hosts")
	cur := f.hosts[delta.Host]
	cur.Host = delta.Host
	cur.Dispatched += delta.Dispatched
	cur.Archived += delta.Archived
	cur.Failed += delta.Failed
	cur.Bytes += delta.Bytes
	f.hosts[delta.Host] = cur
	return nil
}

func runEvents(id uuid.UUID) []progress.Event {
	runID := progress.UUIDToBytes(id)
	now := time.Unix(1700000000, 0).UTC()
	return []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageDispatch, Host: "a.test", Fingerprint: "f1"},
		{RunID: runID, TS: now, Stage: progress.StageDispatch, Host: "a.test", Fingerprint: "f2"},
		{RunID: runID, TS: now, Stage: progress.StageDispatch, Host: "b.test", Fingerprint: "f3"},
		{
			RunID: runID, TS: now, Stage: progress.StageArchived, Host: "a.test", Fingerprint: "f1",
			URL: "https://a.test/p/1", Method: "direct", Bytes: 7000, Score: 0.875, ArchivePath: "html/f1",
		},
		{RunID: runID, TS: now, Stage: progress.StageFailed, Host: "a.test", Fingerprint: "f2"},
		{RunID: runID, TS: now, Stage: progress.StageFailed, Host: "b.test", Fingerprint: "f3"},
		{RunID: runID, TS: now.Add(time.Minute), Stage: progress.StageRunDone, Note: "2 failed"},
	}
}

func TestLedgerSinkMirrorsRun(t *testing.T) {
	t.Parallel()

	repo := newFakeLedger()
	sink := NewLedgerSink(repo, nil)
	id := uuid.New()
	require.NoError(t, sink.Consume(context.Background(), runEvents(id)))

	require.Equal(t, []uuid.UUID{id}, repo.started)
	assert.Equal(t, store.RunSuccess, repo.completed[id])
	require.NotNil(t, repo.notes[id])
	assert.Equal(t, "2 failed", *repo.notes[id])

	require.Len(t, repo.archives, 1)
	assert.Equal(t, "html/f1", repo.archives[0].ArchivePath)
	assert.Equal(t, int64(7000), repo.archives[0].HTMLSize)

	assert.Equal(t, store.HostDelta{Host: "a.test", Dispatched: 2, Archived: 1, Failed: 1, Bytes: 7000}, repo.hosts["a.test"])
	assert.Equal(t, store.HostDelta{Host: "b.test", Dispatched: 1, Failed: 1}, repo.hosts["b.test"])
	assert.Equal(t, "complete", repo.calls[len(repo.calls)-1])
}

func TestLedgerSinkCollectsErrors(t *testing.T) {
	t.Parallel()

	repo := newFakeLedger()
	repo.archErr = errors.New("unique violation")
	sink := NewLedgerSink(repo, nil)
	id := uuid.New()

	err := sink.Consume(context.Background(), runEvents(id))
	require.ErrorIs(t, err, repo.archErr)
	assert.Equal(t, store.RunSuccess, repo.completed[id])
}

func TestLedgerSinkRunError(t *testing.T) {
	t.Parallel()

	repo := newFakeLedger()
	sink := NewLedgerSink(repo, nil)
	id := uuid.New()
	evt := progress.Event{RunID: progress.UUIDToBytes(id), TS: time.Now(), Stage: progress.StageRunError, Note: "claim failed"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{evt}))
	assert.Equal(t, store.RunError, repo.completed[id])
}
