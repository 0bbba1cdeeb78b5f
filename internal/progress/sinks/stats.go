package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/progress"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

// StatsSink appends a collection_stats snapshot at every batch and run
// boundary, at most once per Consume call.
type StatsSink struct {
	repo   store.MaintenanceRepository
	logger *zap.Logger
}

// NewStatsSink constructs a StatsSink.
func NewStatsSink(repo store.MaintenanceRepository, logger *zap.Logger) *StatsSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsSink{repo: repo, logger: logger}
}

// Consume records one snapshot if batch contains a boundary event.
func (s *StatsSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var at time.Time
	for _, evt := range batch {
		if evt.Stage == progress.StageBatchDone || evt.Stage.Terminal() {
			if evt.TS.After(at) {
				at = evt.TS
			}
		}
	}
	if at.IsZero() {
		return nil
	}
	stats, err := s.repo.RecordStats(ctx, at)
	if err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	s.logger.Info("collection stats",
		zap.Int64("total", stats.Total),
		zap.Int64("success", stats.Success),
		zap.Int64("failed", stats.Failed),
		zap.Int64("pending", stats.Pending),
		zap.Float64("success_rate", stats.SuccessRate()),
	)
	return nil
}

// Close implements progress.Sink.
func (s *StatsSink) Close(context.Context) error {
	return nil
}
