package archive

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/storage/memory"
)

func testDoc() Document {
	return Document{
		Fingerprint: "0123456789abcdef",
		URL:         "https://example.test/a",
		UpstreamIDs: []string{"u1", "u2"},
		CollectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600)),
		Method:      crawler.ProviderDirect,
		Validation: crawler.Validation{
			Accepted: true,
			Score:    0.875,
			Checks:   map[string]bool{"min_size": true, "not_blocked": false},
		},
		HTML: []byte("<html><body>strain</body></html>"),
	}
}

func TestNewRejectsPlaintextStore(t *testing.T) {
	t.Parallel()

	_, err := New(memory.NewBlobStore(), Options{}, zap.NewNop())
	require.ErrorIs(t, err, ErrUnencrypted)

	_, err = New(memory.NewBlobStore(), Options{AllowUnencrypted: true}, nil)
	require.NoError(t, err)
}

func TestWriteStoresPageAndSidecar(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w, err := New(store, Options{AllowUnencrypted: true}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Write(context.Background(), testDoc())
	require.NoError(t, err)
	assert.Equal(t, "html/0123456789abcdef", res.Path)
	assert.Equal(t, "memory://html/0123456789abcdef", res.URI)
	assert.NoError(t, res.MetadataErr)

	page, ok := store.Get("html/0123456789abcdef")
	require.True(t, ok)
	assert.Equal(t, "<html><body>strain</body></html>", string(page.Data))
	assert.Equal(t, "text/html", page.ContentType)
	assert.Equal(t, "2026-03-01T17:00:00Z", page.Metadata["collection-date"])
	assert.Equal(t, "0.8750", page.Metadata["validation-score"])
	assert.Equal(t, "https://example.test/a", page.Metadata["original-url"])

	sidecar, ok := store.Get("metadata/0123456789abcdef")
	require.True(t, ok)
	assert.Equal(t, "application/json", sidecar.ContentType)
	var meta Metadata
	require.NoError(t, json.Unmarshal(sidecar.Data, &meta))
	assert.Equal(t, Metadata{
		URL:              "https://example.test/a",
		URLFingerprint:   "0123456789abcdef",
		UpstreamIDs:      []string{"u1", "u2"},
		CollectedAt:      "2026-03-01T17:00:00Z",
		FetchMethod:      "direct",
		ValidationScore:  0.875,
		ValidationChecks: map[string]bool{"min_size": true, "not_blocked": false},
		HTMLSize:         len("<html><body>strain</body></html>"),
	}, meta)
}

func TestWriteIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w, err := New(store, Options{AllowUnencrypted: true}, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Write(context.Background(), testDoc())
	require.NoError(t, err)
	first, _ := store.Get("metadata/0123456789abcdef")

	_, err = w.Write(context.Background(), testDoc())
	require.NoError(t, err)
	second, _ := store.Get("metadata/0123456789abcdef")

	assert.Equal(t, []string{"html/0123456789abcdef", "metadata/0123456789abcdef"}, store.Keys())
	assert.Equal(t, first, second)
}

func TestWriteMetadataFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	store.FailPrefix = MetadataPrefix
	w, err := New(store, Options{AllowUnencrypted: true}, zap.NewNop())
	require.NoError(t, err)

	res, err := w.Write(context.Background(), testDoc())
	require.NoError(t, err)
	assert.Equal(t, "html/0123456789abcdef", res.Path)
	assert.Error(t, res.MetadataErr)
	assert.Equal(t, []string{"html/0123456789abcdef"}, store.Keys())
}

func TestWriteHTMLFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	store.FailPrefix = HTMLPrefix
	w, err := New(store, Options{AllowUnencrypted: true}, zap.NewNop())
	require.NoError(t, err)

	_, err = w.Write(context.Background(), testDoc())
	require.Error(t, err)
	assert.Empty(t, store.Keys())
}

func TestWriteTruncatesURLMetadata(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w, err := New(store, Options{AllowUnencrypted: true}, zap.NewNop())
	require.NoError(t, err)

	doc := testDoc()
	doc.URL = "https://example.test/" + strings.Repeat("é", 1000)
	_, err = w.Write(context.Background(), doc)
	require.NoError(t, err)

	page, _ := store.Get(HTMLKey(doc.Fingerprint))
	got := page.Metadata["original-url"]
	assert.LessOrEqual(t, len(got), maxURLMetadata)
	assert.True(t, strings.HasPrefix(doc.URL, got))
}

func TestWriteRejectsEmptyPage(t *testing.T) {
	t.Parallel()

	w, err := New(memory.NewBlobStore(), Options{AllowUnencrypted: true}, zap.NewNop())
	require.NoError(t, err)
	doc := testDoc()
	doc.HTML = nil
	_, err = w.Write(context.Background(), doc)
	require.ErrorIs(t, err, crawler.ErrEmptyBody)
}
