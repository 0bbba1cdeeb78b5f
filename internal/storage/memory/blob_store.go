// Package memory keeps archive objects in-memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

// Object is one stored blob.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	puts    int
	// FailPrefix makes puts under the prefix fail; used to simulate outages.
	FailPrefix string
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject stores a copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, data []byte, opts crawler.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if s.FailPrefix != "" && strings.HasPrefix(path, s.FailPrefix) {
		return "", fmt.Errorf("put %s: simulated outage", path)
	}
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	s.objects[path] = Object{
		Data:        append([]byte(nil), data...),
		ContentType: opts.ContentType,
		Metadata:    meta,
	}
	s.puts++
	return "memory://" + path, nil
}

// Encrypted is false: objects only live in process memory.
func (s *BlobStore) Encrypted() bool { return false }

// Get returns the object at path.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Keys lists stored paths in sorted order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts counts successful puts, overwrites included.
func (s *BlobStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
