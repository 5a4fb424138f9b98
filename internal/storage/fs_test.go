package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestFS(t *testing.T) *FSStorage {
	t.Helper()
	s, err := NewFS(t.TempDir(), "media")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return s
}

func TestFSUploadDownloadRoundTrip(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	key, err := s.Upload(ctx, "voice-123.ogg", []byte("audio-bytes"), "audio/ogg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	wantPrefix := time.Now().UTC().Format("2006/01/02") + "/"
	if !strings.HasPrefix(key, wantPrefix) {
		t.Errorf("key %q should carry date prefix %q", key, wantPrefix)
	}

	got, err := s.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got) != "audio-bytes" {
		t.Errorf("got %q, want audio-bytes", got)
	}
}

func TestFSDeleteIsIdempotent(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()

	key, err := s.Upload(ctx, "doc.pdf", []byte("x"), "application/pdf")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
	if _, err := s.Download(ctx, key); err == nil {
		t.Error("Download after Delete should fail")
	}
}

func TestFSRejectsTraversal(t *testing.T) {
	s := newTestFS(t)
	if _, err := s.Download(context.Background(), "../../etc/passwd"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestFSPresignedURLIsFileURL(t *testing.T) {
	s := newTestFS(t)
	ctx := context.Background()
	key, err := s.Upload(ctx, "img.jpg", []byte("jpeg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	url, err := s.PresignedURL(ctx, key, time.Hour)
	if err != nil {
		t.Fatalf("PresignedURL: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Errorf("expected file:// URL, got %q", url)
	}
}
