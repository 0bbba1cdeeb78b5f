package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/strain-archive-collector/internal/progress"
)

// LogSink writes one structured line per event. URL-level events go to
// debug so large runs stay readable at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageBatchDone:
			level = zapcore.InfoLevel
		case progress.StageRunError:
			level = zapcore.ErrorLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.Stringer("run_id", evt.RunUUID()),
		zap.String("stage", string(evt.Stage)),
	}
	if evt.Host != "" {
		fields = append(fields,
			zap.String("host", evt.Host),
			zap.String("url", evt.URL),
			zap.String("fingerprint", evt.Fingerprint),
			zap.Int("attempt", evt.Attempt),
		)
	}
	if evt.Stage == progress.StageArchived {
		fields = append(fields,
			zap.String("method", evt.Method),
			zap.Int64("bytes", evt.Bytes),
			zap.Float64("score", evt.Score),
			zap.String("archive_path", evt.ArchivePath),
		)
	}
	if evt.Stage == progress.StageBatchDone {
		fields = append(fields, zap.Int("claimed", evt.Claimed))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
