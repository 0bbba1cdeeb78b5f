package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/progress"
)

// ArchiveNotification is the JSON message published per archived page.
type ArchiveNotification struct {
	RunID           string    `json:"run_id"`
	URL             string    `json:"url"`
	Fingerprint     string    `json:"url_fingerprint"`
	ArchivePath     string    `json:"archive_path"`
	FetchMethod     string    `json:"fetch_method"`
	ValidationScore float64   `json:"validation_score"`
	HTMLSize        int64     `json:"html_size"`
	CollectedAt     time.Time `json:"collected_at"`
}

// NotifySink publishes an ArchiveNotification for every archived page.
type NotifySink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink constructs a NotifySink publishing to topic.
func NewNotifySink(publisher crawler.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes archived events in order.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageArchived {
			continue
		}
		msg := ArchiveNotification{
			RunID:           evt.RunUUID().String(),
			URL:             evt.URL,
			Fingerprint:     evt.Fingerprint,
			ArchivePath:     evt.ArchivePath,
			FetchMethod:     evt.Method,
			ValidationScore: evt.Score,
			HTMLSize:        evt.Bytes,
			CollectedAt:     evt.TS.UTC(),
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", evt.Fingerprint, err))
			continue
		}
		s.logger.Debug("archive notification published", zap.String("message_id", id), zap.String("url", evt.URL))
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
