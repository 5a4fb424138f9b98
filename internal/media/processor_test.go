package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/store/mem"
)

type fakeSTT struct {
	text string
	err  error
}

func (f *fakeSTT) Transcribe(_ context.Context, _ []byte, _ string) (*TranscriptResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &TranscriptResult{Text: f.text, Language: "en"}, nil
}

type memBlobs struct {
	data map[string][]byte
}

func (m *memBlobs) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = data
	return key, nil
}
func (m *memBlobs) Download(_ context.Context, key string) ([]byte, error) {
	d, ok := m.data[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}
func (m *memBlobs) Delete(_ context.Context, key string) error { return nil }
func (m *memBlobs) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "mem://" + key, nil
}

func seedVoiceArtifact(t *testing.T, stores *store.Stores, blobs *memBlobs) *store.ArtifactData {
	t.Helper()
	ctx := context.Background()

	thread, err := stores.Threads.GetOrCreate(ctx, "telegram", "77")
	if err != nil {
		t.Fatal(err)
	}
	msg := &store.MessageData{ID: store.GenNewID(), ThreadID: thread.ID, Role: store.RoleUser, Text: ""}
	if err := stores.Messages.Create(ctx, msg); err != nil {
		t.Fatal(err)
	}

	uri, err := blobs.Upload(ctx, "voice.ogg", []byte("ogg-bytes"), "audio/ogg")
	if err != nil {
		t.Fatal(err)
	}
	a := &store.ArtifactData{
		ID:        store.GenNewID(),
		MessageID: msg.ID,
		Kind:      store.ArtifactVoiceTranscript,
		Content:   map[string]any{"duration": 45},
		URI:       uri,
		Status:    store.ArtifactPending,
	}
	if err := stores.Artifacts.Create(ctx, a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestProcessorTranscribesVoiceInOneTick(t *testing.T) {
	stores := mem.NewStores()
	blobs := &memBlobs{}
	a := seedVoiceArtifact(t, stores, blobs)

	p := NewProcessor(stores, blobs, Backends{STT: &fakeSTT{text: "buy groceries"}}, time.Second, 10)
	p.Tick(context.Background())

	got, err := stores.Artifacts.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ArtifactDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if text, _ := got.Content["text"].(string); text != "buy groceries" {
		t.Errorf("text = %q", text)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	// Original intake metadata survives the merge.
	if contentInt(got.Content, "duration") != 45 {
		t.Error("duration metadata lost during merge")
	}
}

func TestProcessorRetriesThenFailsTerminally(t *testing.T) {
	stores := mem.NewStores()
	blobs := &memBlobs{}
	a := seedVoiceArtifact(t, stores, blobs)

	p := NewProcessor(stores, blobs, Backends{STT: &fakeSTT{err: errors.New("upstream 503")}}, time.Second, 10)
	ctx := context.Background()

	for i := 0; i < store.MaxArtifactAttempts; i++ {
		p.Tick(ctx)
	}

	got, err := stores.Artifacts.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ArtifactFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != store.MaxArtifactAttempts {
		t.Errorf("attempt_count = %d, want %d", got.AttemptCount, store.MaxArtifactAttempts)
	}
	if got.LastError == "" {
		t.Error("last_error not recorded")
	}

	// A further tick must not pick it up again.
	p.Tick(ctx)
	got, _ = stores.Artifacts.Get(ctx, a.ID)
	if got.AttemptCount != store.MaxArtifactAttempts {
		t.Errorf("terminally failed artifact was retried: attempts = %d", got.AttemptCount)
	}
}

func TestProcessorMissingBlobBurnsAttempt(t *testing.T) {
	stores := mem.NewStores()
	blobs := &memBlobs{}
	a := seedVoiceArtifact(t, stores, blobs)

	// Simulate an ingest-time upload failure.
	ctx := context.Background()
	stored, _ := stores.Artifacts.Get(ctx, a.ID)
	stored.URI = ""
	// mem store keeps rows by value; recreate with empty URI.
	fresh := *stored
	fresh.ID = store.GenNewID()
	if err := stores.Artifacts.Create(ctx, &fresh); err != nil {
		t.Fatal(err)
	}

	p := NewProcessor(stores, blobs, Backends{STT: &fakeSTT{text: "x"}}, time.Second, 10)
	p.Tick(ctx)

	got, _ := stores.Artifacts.Get(ctx, fresh.ID)
	if got.Status != store.ArtifactFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
}

func TestExtractPlainText(t *testing.T) {
	res := extractPlainText([]byte("hello world two words more"))
	if res.WordCount != 5 {
		t.Errorf("word_count = %d, want 5", res.WordCount)
	}
	if res.Text != "hello world two words more" {
		t.Errorf("text = %q", res.Text)
	}
}
