// Package catalog loads candidate URLs from CSV or XLSX tables, fingerprints
// them, and seeds the progress store.
package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

// ErrNoURLColumn is returned when no header names a URL column.
var ErrNoURLColumn = errors.New("catalog has no url column")

// Format selects the table decoder.
type Format string

// Supported catalog formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var (
	urlHeaders      = []string{"url", "product_url", "source_url", "link", "href"}
	upstreamHeaders = []string{"strain_id", "upstream_id", "id"}
	sellerHeaders   = []string{"seed_bank", "seedbank", "seller", "source"}
)

// Entry is one unique URL after normalisation and merging.
type Entry struct {
	Fingerprint string
	URL         string
	SeedBank    string
	StrainIDs   []string
}

// Report summarises a load.
type Report struct {
	Rows       int
	Rejected   int
	Duplicates int
	Encoding   string
}

// Options tweak how rows are interpreted.
type Options struct {
	// SeedBank is used for rows that carry no seller column value.
	SeedBank string
}

// Loader turns tabular catalogs into Entries.
type Loader struct {
	hasher crawler.Hasher
	opts   Options
	logger *zap.Logger
}

// NewLoader constructs a Loader.
func NewLoader(hasher crawler.Hasher, opts Options, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{hasher: hasher, opts: opts, logger: logger}
}

// LoadFile reads path, picking the format from its extension.
func (l *Loader) LoadFile(path string) ([]Entry, Report, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, Report{}, fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			l.logger.Warn("close catalog failed", zap.String("path", path), zap.Error(cerr))
		}
	}()
	format := FormatCSV
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		format = FormatXLSX
	}
	return l.Load(f, format)
}

// Load decodes r and returns unique entries in first-seen order.
func (l *Loader) Load(r io.Reader, format Format) ([]Entry, Report, error) {
	var (
		rows   [][]string
		report Report
		err    error
	)
	switch format {
	case FormatXLSX:
		rows, err = readXLSX(r)
		report.Encoding = "xlsx"
	case FormatCSV, "":
		rows, report.Encoding, err = readCSV(r)
	default:
		return nil, report, fmt.Errorf("unsupported catalog format %q", format)
	}
	if err != nil {
		return nil, report, err
	}
	if len(rows) == 0 {
		return nil, report, nil
	}

	header := rows[0]
	urlCol := findColumn(header, urlHeaders)
	if urlCol < 0 {
		return nil, report, ErrNoURLColumn
	}
	idCol := findColumn(header, upstreamHeaders)
	sellerCol := findColumn(header, sellerHeaders)

	var entries []Entry
	index := make(map[string]int)
	for lineNo, row := range rows[1:] {
		report.Rows++
		clean, err := crawler.CleanURL(cell(row, urlCol))
		if err != nil {
			report.Rejected++
			l.logger.Debug("catalog row rejected", zap.Int("row", lineNo+2), zap.Error(err))
			continue
		}
		id := strings.TrimSpace(cell(row, idCol))
		seller := strings.TrimSpace(cell(row, sellerCol))
		if seller == "" {
			seller = l.opts.SeedBank
		}
		fp := l.hasher.Fingerprint(clean)
		if i, ok := index[fp]; ok {
			report.Duplicates++
			entries[i].StrainIDs = appendID(entries[i].StrainIDs, id)
			continue
		}
		index[fp] = len(entries)
		entries = append(entries, Entry{
			Fingerprint: fp,
			URL:         clean,
			SeedBank:    seller,
			StrainIDs:   appendID(nil, id),
		})
	}
	l.logger.Info("catalog loaded",
		zap.Int("rows", report.Rows),
		zap.Int("unique", len(entries)),
		zap.Int("rejected", report.Rejected),
		zap.Int("duplicates", report.Duplicates),
		zap.String("encoding", report.Encoding),
	)
	return entries, report, nil
}

// Import inserts entries as pending rows; existing fingerprints are untouched.
func Import(ctx context.Context, repo store.ProgressRepository, entries []Entry) (inserted, existing int, err error) {
	for _, e := range entries {
		ok, err := repo.UpsertPending(ctx, store.Record{
			Fingerprint: e.Fingerprint,
			URL:         e.URL,
			SeedBank:    e.SeedBank,
			StrainIDs:   e.StrainIDs,
		})
		if err != nil {
			return inserted, existing, fmt.Errorf("import %s: %w", e.URL, err)
		}
		if ok {
			inserted++
		} else {
			existing++
		}
	}
	return inserted, existing, nil
}

func readCSV(r io.Reader) ([][]string, string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read catalog: %w", err)
	}
	text, enc, err := decodeText(raw)
	if err != nil {
		return nil, enc, err
	}
	reader := csv.NewReader(bytes.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, enc, fmt.Errorf("parse csv: %w", err)
	}
	return rows, enc, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return rows, nil
}

func findColumn(header []string, names []string) int {
	for _, want := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

// appendID keeps every non-empty id in row order, repeats included.
func appendID(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	return append(ids, id)
}
