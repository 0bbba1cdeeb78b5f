// Package worker drives a collection run: it claims batches of URLs from the
// progress store, dispatches them through a bounded worker group, and keeps
// every per-URL transition durable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/strain-archive-collector/internal/archive"
	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/logging"
	"github.com/JakeFAU/strain-archive-collector/internal/metrics"
	"github.com/JakeFAU/strain-archive-collector/internal/progress"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
	"github.com/JakeFAU/strain-archive-collector/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultBatchSize       = 50
	DefaultMaxConcurrent   = 10
	DefaultMaxAttempts     = 6
	DefaultProcessingGrace = 30 * time.Minute
)

// ErrNoProgress aborts a run when no row of a claimed batch could be moved
// to processing, which would otherwise reclaim the same rows forever.
var ErrNoProgress = errors.New("no claimed url could be dispatched")

// Store is the slice of the progress store the driver needs.
type Store interface {
	store.ProgressRepository
	RecoverInterrupted(ctx context.Context, at time.Time) (int64, error)
}

// Fetcher returns accepted page bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (crawler.FetchResult, error)
}

// Archiver persists accepted pages.
type Archiver interface {
	Write(ctx context.Context, doc archive.Document) (archive.Result, error)
}

// RunIDGenerator mints run identifiers.
type RunIDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Config controls batching and retry budget.
type Config struct {
	BatchSize     int
	MaxConcurrent int
	MaxAttempts   int
	// ProcessingGrace makes processing rows older than this claimable again.
	ProcessingGrace time.Duration
}

// Report summarises a completed run.
type Report struct {
	RunID      uuid.UUID
	Recovered  int64
	Batches    int
	Dispatched int64
	Archived   int64
	Failed     int64
	Duration   time.Duration
	Stats      store.Stats
}

// Driver runs collection to quiescence.
type Driver struct {
	repo     Store
	limiter  crawler.HostLimiter
	fetcher  Fetcher
	archiver Archiver
	clock    crawler.Clock
	ids      RunIDGenerator
	events   progress.Emitter
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Driver. A nil emitter discards progress events.
func New(
	repo Store,
	limiter crawler.HostLimiter,
	fetcher Fetcher,
	archiver Archiver,
	clock crawler.Clock,
	ids RunIDGenerator,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Driver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ProcessingGrace <= 0 {
		cfg.ProcessingGrace = DefaultProcessingGrace
	}
	if events == nil {
		events = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		repo:     repo,
		limiter:  limiter,
		fetcher:  fetcher,
		archiver: archiver,
		clock:    clock,
		ids:      ids,
		events:   events,
		cfg:      cfg,
		logger:   logger,
	}
}

type tally struct {
	dispatched atomic.Int64
	archived   atomic.Int64
	failed     atomic.Int64
}

// Run claims and dispatches batches until none remain. Canceling ctx stops
// claiming new work; in-flight progress writes still complete.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	runID, err := d.ids.NewRunID()
	if err != nil {
		return Report{}, fmt.Errorf("new run id: %w", err)
	}
	start := d.clock.Now()
	report := Report{RunID: runID}
	logger := logging.WithRun(d.logger, runID.String())

	report.Recovered, err = d.repo.RecoverInterrupted(ctx, start)
	if err != nil {
		return report, d.abort(runID, start, fmt.Errorf("recover interrupted rows: %w", err))
	}
	if report.Recovered > 0 {
		logger.Warn("recovered interrupted urls", zap.Int64("count", report.Recovered))
	}
	d.emit(runID, progress.Event{Stage: progress.StageRunStart})
	logger.Info("collection run started",
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("max_concurrent", d.cfg.MaxConcurrent),
		zap.Int("max_attempts", d.cfg.MaxAttempts),
	)

	var counts tally
	for {
		if err := ctx.Err(); err != nil {
			d.fill(&report, &counts, start)
			return report, d.abort(runID, start, fmt.Errorf("collection canceled: %w", err))
		}
		batch, err := d.repo.ClaimBatch(ctx, store.ClaimOptions{
			Limit:       d.cfg.BatchSize,
			MaxAttempts: d.cfg.MaxAttempts,
			StaleBefore: d.clock.Now().Add(-d.cfg.ProcessingGrace),
		})
		if err != nil {
			d.fill(&report, &counts, start)
			return report, d.abort(runID, start, fmt.Errorf("claim batch: %w", err))
		}
		if len(batch) == 0 {
			break
		}
		report.Batches++
		before := counts.dispatched.Load()
		d.runBatch(ctx, runID, batch, &counts)
		d.emit(runID, progress.Event{Stage: progress.StageBatchDone, Claimed: len(batch)})
		logger.Info("batch complete",
			zap.Int("batch", report.Batches),
			zap.Int("claimed", len(batch)),
			zap.Int64("archived_total", counts.archived.Load()),
			zap.Int64("failed_total", counts.failed.Load()),
		)
		if counts.dispatched.Load() == before && ctx.Err() == nil {
			d.fill(&report, &counts, start)
			return report, d.abort(runID, start, ErrNoProgress)
		}
	}

	d.fill(&report, &counts, start)
	stats, err := d.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("final stats unavailable", zap.Error(err))
	}
	report.Stats = stats
	logger.Info("collection run complete",
		zap.Int("batches", report.Batches),
		zap.Int64("dispatched", report.Dispatched),
		zap.Int64("archived", report.Archived),
		zap.Int64("failed", report.Failed),
		zap.Int64("total_urls", stats.Total),
		zap.Int64("success", stats.Success),
		zap.Int64("pending", stats.Pending),
		zap.Float64("success_rate", stats.SuccessRate()),
		zap.Float64("avg_html_size", stats.AvgHTMLSize),
		zap.Float64("avg_score", stats.AvgScore),
		zap.Duration("elapsed", report.Duration),
	)
	d.emit(runID, progress.Event{
		Stage: progress.StageRunDone,
		Dur:   report.Duration,
		Note:  fmt.Sprintf("%d archived, %d failed", report.Archived, report.Failed),
	})
	return report, nil
}

func (d *Driver) fill(report *Report, counts *tally, start time.Time) {
	report.Dispatched = counts.dispatched.Load()
	report.Archived = counts.archived.Load()
	report.Failed = counts.failed.Load()
	report.Duration = d.clock.Now().Sub(start)
}

func (d *Driver) abort(runID uuid.UUID, start time.Time, err error) error {
	d.logger.Error("collection run aborted", zap.Stringer("run_id", runID), zap.Error(err))
	d.emit(runID, progress.Event{Stage: progress.StageRunError, Dur: d.clock.Now().Sub(start), Note: err.Error()})
	return err
}

func (d *Driver) runBatch(ctx context.Context, runID uuid.UUID, batch []store.Record, counts *tally) {
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrent)
	for _, rec := range batch {
		g.Go(func() error {
			d.dispatch(ctx, runID, rec, counts)
			return nil
		})
	}
	_ = g.Wait()
}

// dispatch handles one URL end to end. It never returns an error: every
// outcome, including a panic, lands in the progress store.
func (d *Driver) dispatch(ctx context.Context, runID uuid.UUID, rec store.Record, counts *tally) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	host := crawler.Host(rec.URL)
	attempt := rec.Attempts + 1
	logger := d.logger.With(zap.String("url", rec.URL), zap.String("fingerprint", rec.Fingerprint), zap.Int("attempt", attempt))
	// Marks must land even when ctx is canceled mid-fetch.
	markCtx := context.WithoutCancel(ctx)

	ctx, span := telemetry.Tracer().Start(ctx, "collector.dispatch", trace.WithAttributes(
		attribute.String("url", rec.URL),
		attribute.String("host", host),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	dispatched := false
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			logger.Error("dispatch panicked", zap.Any("panic", r))
			span.SetStatus(codes.Error, msg)
			if dispatched {
				d.fail(markCtx, runID, rec, host, attempt, time.Time{}, msg, counts, logger)
			}
		}
	}()

	if err := d.limiter.Wait(ctx, rec.URL); err != nil {
		logger.Debug("dispatch skipped before start", zap.Error(err))
		return
	}

	started := d.clock.Now()
	if err := d.repo.Mark(markCtx, rec.Fingerprint, store.Update{
		Status:            store.StatusProcessing,
		IncrementAttempts: true,
		LastAttempt:       &started,
	}); err != nil {
		logger.Error("mark processing failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	dispatched = true
	counts.dispatched.Add(1)
	d.emit(runID, progress.Event{Stage: progress.StageDispatch, Host: host, URL: rec.URL, Fingerprint: rec.Fingerprint, Attempt: attempt})

	result, err := d.fetcher.Fetch(ctx, rec.URL)
	if err != nil {
		span.RecordError(err)
		d.fail(markCtx, runID, rec, host, attempt, started, err.Error(), counts, logger)
		return
	}

	written, err := d.archiver.Write(ctx, archive.Document{
		Fingerprint: rec.Fingerprint,
		URL:         rec.URL,
		UpstreamIDs: rec.StrainIDs,
		CollectedAt: d.clock.Now(),
		Method:      result.Method,
		Validation:  result.Validation,
		HTML:        result.Body,
	})
	if err != nil {
		span.RecordError(err)
		d.fail(markCtx, runID, rec, host, attempt, started, err.Error(), counts, logger)
		return
	}

	size := int64(len(result.Body))
	score := result.Validation.Score
	method := result.Method
	path := written.Path
	empty := ""
	if err := d.repo.Mark(markCtx, rec.Fingerprint, store.Update{
		Status:          store.StatusSuccess,
		HTMLSize:        &size,
		ValidationScore: &score,
		ArchivePath:     &path,
		FetchMethod:     &method,
		ErrorMessage:    &empty,
	}); err != nil {
		span.RecordError(err)
		logger.Error("mark success failed", zap.Error(err))
		d.fail(markCtx, runID, rec, host, attempt, started, "record success: "+err.Error(), counts, logger)
		return
	}

	counts.archived.Add(1)
	metrics.ObserveURLOutcome(string(store.StatusSuccess))
	span.SetAttributes(attribute.String("method", method), attribute.Int64("bytes", size))
	logger.Info("url archived",
		zap.String("method", method),
		zap.Int64("bytes", size),
		zap.Float64("score", score),
		zap.Int("rounds", result.Rounds),
	)
	d.emit(runID, progress.Event{
		Stage:       progress.StageArchived,
		Host:        host,
		URL:         rec.URL,
		Fingerprint: rec.Fingerprint,
		Method:      method,
		ArchivePath: path,
		Bytes:       size,
		Score:       score,
		Attempt:     attempt,
		Dur:         d.clock.Now().Sub(started),
	})
}

func (d *Driver) fail(
	ctx context.Context,
	runID uuid.UUID,
	rec store.Record,
	host string,
	attempt int,
	started time.Time,
	reason string,
	counts *tally,
	logger *zap.Logger,
) {
	if err := d.repo.Mark(ctx, rec.Fingerprint, store.Update{Status: store.StatusFailed, ErrorMessage: &reason}); err != nil {
		logger.Error("mark failed failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	counts.failed.Add(1)
	metrics.ObserveURLOutcome(string(store.StatusFailed))
	logger.Warn("url failed", zap.String("reason", reason))
	var dur time.Duration
	if !started.IsZero() {
		dur = d.clock.Now().Sub(started)
	}
	d.emit(runID, progress.Event{
		Stage:       progress.StageFailed,
		Host:        host,
		URL:         rec.URL,
		Fingerprint: rec.Fingerprint,
		Attempt:     attempt,
		Dur:         dur,
		Note:        reason,
	})
}

func (d *Driver) emit(runID uuid.UUID, evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(runID)
	evt.TS = d.clock.Now()
	d.events.Emit(evt)
}
