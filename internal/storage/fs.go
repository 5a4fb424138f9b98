package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStorage keeps blobs under <base>/<bucket>/YYYY/MM/DD/<key>. It exists so
// local runs do not need an object store.
type FSStorage struct {
	root string
}

func NewFS(base, bucket string) (*FSStorage, error) {
	if base == "" {
		return nil, fmt.Errorf("fs storage: base directory is required")
	}
	root := filepath.Join(base, bucket)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs storage: create %s: %w", root, err)
	}
	return &FSStorage{root: root}, nil
}

func (s *FSStorage) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	fullKey := datePrefix(time.Now()) + "/" + key
	p, err := s.resolve(fullKey)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("fs storage: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("fs storage: write %s: %w", fullKey, err)
	}
	return fullKey, nil
}

func (s *FSStorage) Download(_ context.Context, key string) ([]byte, error) {
	p, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("fs storage: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStorage) Delete(_ context.Context, key string) error {
	p, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fs storage: delete %s: %w", key, err)
	}
	return nil
}

func (s *FSStorage) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	p, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	return "file://" + p, nil
}

// resolve maps a key to an absolute path and rejects traversal outside the
// root.
func (s *FSStorage) resolve(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("fs storage: key %q escapes storage root", key)
	}
	return p, nil
}
