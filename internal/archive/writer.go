// Package archive writes accepted pages and their metadata sidecars to the
// content-addressed object store.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/metrics"
)

// ErrUnencrypted is returned when the store cannot encrypt at rest and the
// caller did not opt in to plaintext archives.
var ErrUnencrypted = errors.New("archive store does not encrypt at rest")

// Object key prefixes and content types.
const (
	HTMLPrefix          = "html/"
	MetadataPrefix      = "metadata/"
	HTMLContentType     = "text/html"
	MetadataContentType = "application/json"

	maxURLMetadata = 1000
)

// HTMLKey is the archive key of a page.
func HTMLKey(fingerprint string) string { return HTMLPrefix + fingerprint }

// MetadataKey is the archive key of a page's metadata sidecar.
func MetadataKey(fingerprint string) string { return MetadataPrefix + fingerprint }

// Document is one accepted page ready for archiving.
type Document struct {
	Fingerprint string
	URL         string
	UpstreamIDs []string
	CollectedAt time.Time
	Method      string
	Validation  crawler.Validation
	HTML        []byte
}

// Metadata is the JSON sidecar stored next to every page.
type Metadata struct {
	URL              string          `json:"url"`
	URLFingerprint   string          `json:"url_fingerprint"`
	UpstreamIDs      []string        `json:"upstream_ids"`
	CollectedAt      string          `json:"collected_at"`
	FetchMethod      string          `json:"fetch_method"`
	ValidationScore  float64         `json:"validation_score"`
	ValidationChecks map[string]bool `json:"validation_checks"`
	HTMLSize         int             `json:"html_size"`
}

// Result describes a completed write.
type Result struct {
	// Path is the HTML object key persisted in the progress store.
	Path string
	URI  string
	// MetadataErr is set when the sidecar put failed; the page itself is archived.
	MetadataErr error
}

// Options configure a Writer.
type Options struct {
	AllowUnencrypted bool
}

// Writer puts pages and sidecars into a BlobStore.
type Writer struct {
	store  crawler.BlobStore
	logger *zap.Logger
}

// New returns ErrUnencrypted for plaintext stores unless opts allows them.
func New(store crawler.BlobStore, opts Options, logger *zap.Logger) (*Writer, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if !store.Encrypted() && !opts.AllowUnencrypted {
		return nil, ErrUnencrypted
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, logger: logger}, nil
}

// Write puts the HTML object first and then its metadata sidecar. Only an
// HTML failure is returned as an error. Repeated writes of the same
// document overwrite both objects with identical content.
func (w *Writer) Write(ctx context.Context, doc Document) (Result, error) {
	if doc.Fingerprint == "" {
		return Result{}, errors.New("fingerprint is required")
	}
	if len(doc.HTML) == 0 {
		return Result{}, crawler.ErrEmptyBody
	}
	collectedAt := doc.CollectedAt.UTC().Format(time.RFC3339)

	htmlKey := HTMLKey(doc.Fingerprint)
	uri, err := w.store.PutObject(ctx, htmlKey, doc.HTML, crawler.PutOptions{
		ContentType: HTMLContentType,
		Metadata: map[string]string{
			"collection-date":  collectedAt,
			"validation-score": strconv.FormatFloat(doc.Validation.Score, 'f', 4, 64),
			"original-url":     truncate(doc.URL, maxURLMetadata),
		},
	})
	metrics.ObserveArchiveWrite("html", err)
	if err != nil {
		return Result{}, fmt.Errorf("archive html %s: %w", htmlKey, err)
	}

	res := Result{Path: htmlKey, URI: uri}
	if err := w.writeMetadata(ctx, doc, collectedAt); err != nil {
		res.MetadataErr = err
		w.logger.Warn("metadata sidecar not archived",
			zap.String("fingerprint", doc.Fingerprint),
			zap.String("url", doc.URL),
			zap.Error(err),
		)
	}
	return res, nil
}

func (w *Writer) writeMetadata(ctx context.Context, doc Document, collectedAt string) error {
	ids := doc.UpstreamIDs
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.Marshal(Metadata{
		URL:              doc.URL,
		URLFingerprint:   doc.Fingerprint,
		UpstreamIDs:      ids,
		CollectedAt:      collectedAt,
		FetchMethod:      doc.Method,
		ValidationScore:  doc.Validation.Score,
		ValidationChecks: doc.Validation.Checks,
		HTMLSize:         len(doc.HTML),
	})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	key := MetadataKey(doc.Fingerprint)
	_, err = w.store.PutObject(ctx, key, payload, crawler.PutOptions{ContentType: MetadataContentType})
	metrics.ObserveArchiveWrite("metadata", err)
	if err != nil {
		return fmt.Errorf("archive metadata %s: %w", key, err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
