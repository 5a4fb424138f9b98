// Package storage provides blob storage for message media: S3-compatible
// object stores for deployments, a local filesystem backend for development.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/config"
)

// Storage is the blob store used for media artifacts. Keys are opaque; the
// backend may prefix them with a date path.
type Storage interface {
	// Upload stores data under key and returns the canonical key.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// PresignedURL returns a time-limited fetch URL. Filesystem backends
	// return a file:// URL since there is nothing to sign.
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// New builds the backend selected by config.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3(ctx, cfg)
	case "fs":
		return NewFS(cfg.FSBase, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// datePrefix returns the YYYY/MM/DD prefix for a key, keeping buckets
// browsable by day.
func datePrefix(now time.Time) string {
	return now.UTC().Format("2006/01/02")
}
