// Package s3 provides a BlobStore for S3-compatible object stores via minio-go.
// Every put requests SSE-S3 server-side encryption.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"github.com/JakeFAU/strain-archive-collector/internal/crawler"
)

// Config captures connection parameters.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// BlobStore writes archive objects to one bucket.
type BlobStore struct {
	client *miniogo.Client
	bucket string
}

var _ crawler.BlobStore = (*BlobStore)(nil)

// New creates an S3 client and store.
func New(cfg Config) (*BlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads data with server-side encryption and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, data []byte, opts crawler.PutOptions) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		path,
		bytes.NewReader(data),
		int64(len(data)),
		miniogo.PutObjectOptions{
			ContentType:          opts.ContentType,
			UserMetadata:         opts.Metadata,
			ServerSideEncryption: encrypt.NewSSE(),
		},
	)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, path), nil
}

// Encrypted is true: every put requests SSE-S3.
func (s *BlobStore) Encrypted() bool { return true }
