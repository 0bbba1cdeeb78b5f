// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
	"github.com/JakeFAU/strain-archive-collector/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.False(t, store.Encrypted())
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesAndOverwrites", func(t *testing.T) {
		uri, err := store.PutObject(ctx, "html/0123456789abcdef", []byte("first"), crawler.PutOptions{})
		require.NoError(t, err)
		full := filepath.Join(dir, "html", "0123456789abcdef")
		assert.Equal(t, "file://"+full, uri)

		_, err = store.PutObject(ctx, "html/0123456789abcdef", []byte("second"), crawler.PutOptions{})
		require.NoError(t, err)
		got, err := os.ReadFile(full)
		require.NoError(t, err)
		assert.Equal(t, "second", string(got))

		entries, err := os.ReadDir(filepath.Join(dir, "html"))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", []byte("x"), crawler.PutOptions{})
		assert.Error(t, err)
	})
	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape", []byte("x"), crawler.PutOptions{})
		assert.ErrorContains(t, err, "path traversal")
	})
}
