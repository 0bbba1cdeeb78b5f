package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/strain-archive-collector/internal/app"
	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/hash/sha256"
	"github.com/JakeFAU/strain-archive-collector/internal/secrets"
	"github.com/JakeFAU/strain-archive-collector/internal/storage/sqlite"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

type fixture struct {
	dir    string
	config string
	db     string
}

func newFixture(t *testing.T, extra string) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		db:     filepath.Join(dir, "data", "progress.db"),
	}
	yaml := fmt.Sprintf(`
collector:
  rounds: 1
  backoff_seconds: [0]
  provider_order: [direct]
ratelimit:
  default_interval_seconds: 0
archive:
  backend: local
  allow_unencrypted: true
  local:
    base_dir: %s
progress:
  db_path: %s
logging:
  level: error
%s`, filepath.Join(dir, "archive"), f.db, extra)
	require.NoError(t, os.WriteFile(f.config, []byte(yaml), 0o600))
	return f
}

func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append(args, "--config", f.config), &out, app.Options{
		Secrets:    secrets.Static{},
		Registerer: prometheus.NewRegistry(),
	})
	return out.String(), err
}

func (f fixture) writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(f.dir, "catalog.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func (f fixture) store(t *testing.T) *sqlite.ProgressStore {
	t.Helper()
	s, err := sqlite.Open(context.Background(), f.db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadAndStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	path := f.writeCatalog(t, "url,strain_id\nhttps://seeds.test/a,u1\nhttps://seeds.test/a,u2\nhttps://other.test/b,u3\n")

	out, err := f.run(t, "load", "--catalog", path)
	require.NoError(t, err)
	assert.Contains(t, out, "3 rows, 2 unique, 2 new")

	out, err = f.run(t, "load", "--catalog", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0 new, 2 already tracked")

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Progress")
	assert.Contains(t, out, "seeds.test")
	assert.Contains(t, out, "retryable 2")
}

func TestLoadMissingCatalog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	_, err := f.run(t, "load", "--catalog", filepath.Join(f.dir, "nope.csv"))
	require.Error(t, err)
}

func TestMaintenanceCommands(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	path := f.writeCatalog(t, "url\nhttps://seeds.test/a\nhttps://seeds.test/b\nhttps://seeds.test/c\n")
	_, err := f.run(t, "load", "--catalog", path)
	require.NoError(t, err)

	out, err := f.run(t, "skip", "https://seeds.test/c", "--reason", "discontinued")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped 1 of 1")

	_, err = f.run(t, "skip", "https://seeds.test/unknown")
	require.ErrorIs(t, err, store.ErrNotFound)

	ctx := context.Background()
	s := f.store(t)
	msg := "all providers rejected"
	at := time.Now().UTC()
	failFP := sha256.Fingerprint("https://seeds.test/a")
	require.NoError(t, s.Mark(ctx, failFP, store.Update{
		Status: store.StatusFailed, IncrementAttempts: true, LastAttempt: &at, ErrorMessage: &msg,
	}))
	stale := at.Add(-2 * time.Hour)
	require.NoError(t, s.Mark(ctx, sha256.Fingerprint("https://seeds.test/b"), store.Update{
		Status: store.StatusProcessing, IncrementAttempts: true, LastAttempt: &stale,
	}))
	require.NoError(t, s.Close())

	exportPath := filepath.Join(f.dir, "failed.csv")
	_, err = f.run(t, "export-failed", "--out", exportPath)
	require.NoError(t, err)
	exported, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(exported)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "https://seeds.test/a,"+failFP+",1,"))
	assert.Contains(t, lines[1], msg)

	out, err = f.run(t, "reset-processing", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "released 1 processing")

	_, err = f.run(t, "reset-failed", "--max-attempts", "99")
	require.ErrorContains(t, err, "exceeds collector.max_attempts")

	out, err = f.run(t, "reset-failed")
	require.NoError(t, err)
	assert.Contains(t, out, "reset 1 failed")

	s = f.store(t)
	rec, err := s.Get(ctx, failFP)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.ErrorMessage)
	rec, err = s.Get(ctx, sha256.Fingerprint("https://seeds.test/c"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusSkipped, rec.Status)
}

func productPage() string {
	filler := strings.Repeat("Earthy pine notes with a bright citrus finish. ", 200)
	return "<html><head><title>Jack Herer | Seeds</title></head><body><h1>Jack Herer cannabis strain</h1><p>" +
		filler + "</p></body></html>"
}

func TestCollectArchivesCatalog(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(productPage()))
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, "")
	path := f.writeCatalog(t, "url,strain_id\n"+srv.URL+"/jack-herer,jh-1\n"+srv.URL+"/gelato,g-1\n")

	out, err := f.run(t, "collect", "--catalog", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 archived, 0 failed")

	fp := sha256.Fingerprint(srv.URL + "/jack-herer")
	_, err = os.Stat(filepath.Join(f.dir, "archive", "html", fp))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.dir, "archive", "metadata", fp))
	require.NoError(t, err)

	rec, err := f.store(t).Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestCollectWithoutProvidersFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	cfg := strings.Replace(mustRead(t, f.config),
		"provider_order: [direct]", "provider_order: [commercial_A, commercial_B]", 1)
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o600))

	_, err := f.run(t, "collect")
	require.ErrorIs(t, err, crawler.ErrNoProviders)
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestDiscoverLoadsProductURLs(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/shop/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<a class="p" href="/product/blue-dream/">Blue Dream</a>
<a class="p" href="/product/gelato/?ref=list">Gelato</a>
<a href="/category/indica/">Indica</a>
</body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := newFixture(t, fmt.Sprintf(`discovery:
  request_interval_seconds: 0
  sellers:
    - name: test-shop
      start_urls: ["%s/shop/"]
      product_selectors: ["a.p"]
`, srv.URL))

	out, err := f.run(t, "discover", "--load")
	require.NoError(t, err)
	assert.Contains(t, out, "url,seed_bank")
	assert.Contains(t, out, srv.URL+"/product/blue-dream/,test-shop")
	assert.Contains(t, out, srv.URL+"/product/gelato/,test-shop")
	assert.NotContains(t, out, "/category/")

	rec, err := f.store(t).Get(context.Background(), sha256.Fingerprint(srv.URL+"/product/gelato/"))
	require.NoError(t, err)
	assert.Equal(t, "test-shop", rec.SeedBank)

	_, err = f.run(t, "discover", "--seller", "missing")
	require.ErrorContains(t, err, "unknown seller")
}
