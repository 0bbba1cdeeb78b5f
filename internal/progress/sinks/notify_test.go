package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/strain-archive-collector/internal/publisher/memory"
)

func TestNotifySinkPublishesArchived(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewNotifySink(pub, "strain-archives", nil)
	id := uuid.New()
	require.NoError(t, sink.Consume(context.Background(), runEvents(id)))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "strain-archives", msgs[0].Topic)

	var got ArchiveNotification
	require.NoError(t, msgs[0].Decode(&got))
	assert.Equal(t, ArchiveNotification{
		RunID:           id.String(),
		URL:             "https://a.test/p/1",
		Fingerprint:     "f1",
		ArchivePath:     "html/f1",
		FetchMethod:     "direct",
		ValidationScore: 0.875,
		HTMLSize:        7000,
		CollectedAt:     time.Unix(1700000000, 0).UTC(),
	}, got)
}

func TestNotifySinkReportsFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.Err = errors.New("topic not found")
	sink := NewNotifySink(pub, "strain-archives", nil)
	err := sink.Consume(context.Background(), runEvents(uuid.New()))
	require.ErrorIs(t, err, pub.Err)
}
