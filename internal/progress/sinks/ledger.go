package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/progress"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

// LedgerSink mirrors run lifecycle, archived pages and per-host counters
// into a store.LedgerRepository. Host counters are collapsed per batch.
type LedgerSink struct {
	repo   store.LedgerRepository
	logger *zap.Logger
}

// NewLedgerSink constructs a LedgerSink.
func NewLedgerSink(repo store.LedgerRepository, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{repo: repo, logger: logger}
}

type hostKey struct {
	runID uuid.UUID
	host  string
}

// Consume writes the batch. Individual failures are collected so one bad row
// does not hide the rest of the batch.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var errs []error
	deltas := make(map[hostKey]*store.HostDelta)
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
				errs = append(errs, err)
			}
		case progress.StageDispatch:
			hostDelta(deltas, runID, evt).Dispatched++
		case progress.StageFailed:
			hostDelta(deltas, runID, evt).Failed++
		case progress.StageArchived:
			d := hostDelta(deltas, runID, evt)
			d.Archived++
			d.Bytes += evt.Bytes
			if err := s.repo.RecordArchive(ctx, store.ArchiveEntry{
				RunID:           runID,
				Fingerprint:     evt.Fingerprint,
				URL:             evt.URL,
				ArchivePath:     evt.ArchivePath,
				FetchMethod:     evt.Method,
				ValidationScore: evt.Score,
				HTMLSize:        evt.Bytes,
				CollectedAt:     evt.TS,
			}); err != nil {
				errs = append(errs, err)
			}
		case progress.StageRunDone, progress.StageRunError:
			errs = append(errs, s.flushHosts(ctx, deltas)...)
			status := store.RunSuccess
			var note *string
			if evt.Stage == progress.StageRunError {
				status = store.RunError
			}
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
			if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
				errs = append(errs, err)
			}
		}
	}
	errs = append(errs, s.flushHosts(ctx, deltas)...)
	if len(errs) > 0 {
		return fmt.Errorf("ledger sink: %w", errors.Join(errs...))
	}
	return nil
}

func hostDelta(deltas map[hostKey]*store.HostDelta, runID uuid.UUID, evt progress.Event) *store.HostDelta {
	key := hostKey{runID: runID, host: evt.Host}
	d, ok := deltas[key]
	if !ok {
		d = &store.HostDelta{RunID: runID, Host: evt.Host}
		deltas[key] = d
	}
	if evt.TS.After(d.At) {
		d.At = evt.TS
	}
	return d
}

func (s *LedgerSink) flushHosts(ctx context.Context, deltas map[hostKey]*store.HostDelta) []error {
	var errs []error
	for key, d := range deltas {
		if d.At.IsZero() {
			d.At = time.Now().UTC()
		}
		if err := s.repo.UpsertHostStats(ctx, *d); err != nil {
			s.logger.Warn("ledger host stats failed", zap.String("host", key.host), zap.Error(err))
			errs = append(errs, err)
		}
		delete(deltas, key)
	}
	return errs
}

// Close implements progress.Sink.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
