package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

type capturedPut struct {
	method string
	path   string
	header http.Header
}

func TestPutObjectRequestsEncryption(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		puts []capturedPut
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		puts = append(puts, capturedPut{method: r.Method, path: r.URL.Path, header: r.Header.Clone()})
		mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	store, err := New(Config{Endpoint: u.Host, Region: "us-east-1", Bucket: "strain-archive", AccessKey: "ak", SecretKey: "sk"})
	require.NoError(t, err)
	assert.True(t, store.Encrypted())

	uri, err := store.PutObject(context.Background(), "html/0123456789abcdef", []byte("<html></html>"), crawler.PutOptions{
		ContentType: "text/html",
		Metadata:    map[string]string{"validation-score": "1.0000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://strain-archive/html/0123456789abcdef", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, puts, 1)
	assert.Equal(t, http.MethodPut, puts[0].method)
	assert.Equal(t, "/strain-archive/html/0123456789abcdef", puts[0].path)
	assert.Equal(t, "AES256", puts[0].header.Get("X-Amz-Server-Side-Encryption"))
	assert.Equal(t, "text/html", puts[0].header.Get("Content-Type"))
	assert.Equal(t, "1.0000", puts[0].header.Get("X-Amz-Meta-Validation-Score"))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Endpoint: "localhost:9000", Bucket: "b", Region: "us-east-1"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", nil, crawler.PutOptions{})
	require.Error(t, err)
}
