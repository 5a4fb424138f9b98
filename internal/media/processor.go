package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/storage"
)

// Processor drains processable artifacts on a fixed cadence. Each artifact
// gets at most store.MaxArtifactAttempts tries before it fails terminally.
type Processor struct {
	stores   *store.Stores
	blobs    storage.Storage
	backends Backends
	interval time.Duration
	batch    int
}

func NewProcessor(stores *store.Stores, blobs storage.Storage, backends Backends, interval time.Duration, batch int) *Processor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 10
	}
	return &Processor{stores: stores, blobs: blobs, backends: backends, interval: interval, batch: batch}
}

// Run loops until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	slog.Info("media processor started", "interval", p.interval, "batch", p.batch)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("media processor stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick processes one batch. Exposed for tests and for an eager first pass at
// startup.
func (p *Processor) Tick(ctx context.Context) {
	artifacts, err := p.stores.Artifacts.ListProcessable(ctx, p.batch)
	if err != nil {
		slog.Error("list processable artifacts failed", "error", err)
		return
	}
	for _, a := range artifacts {
		if err := p.processOne(ctx, a); err != nil {
			slog.Warn("artifact processing failed", "artifact_id", a.ID, "kind", a.Kind, "error", err)
		}
	}
}

func (p *Processor) processOne(ctx context.Context, a store.ArtifactData) error {
	err := p.stores.Artifacts.MarkProcessing(ctx, a.ID)
	if errors.Is(err, store.ErrConflict) {
		return nil // another worker took it
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	output, procErr := p.dispatch(ctx, a)
	if procErr != nil {
		if err := p.stores.Artifacts.MarkFailed(ctx, a.ID, procErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return procErr
	}

	if err := p.stores.Artifacts.MarkDone(ctx, a.ID, output); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	slog.Debug("artifact processed", "artifact_id", a.ID, "kind", a.Kind)
	return nil
}

// dispatch runs the kind-appropriate backend and returns the content fields
// to merge into the artifact.
func (p *Processor) dispatch(ctx context.Context, a store.ArtifactData) (map[string]any, error) {
	switch a.Kind {
	case store.ArtifactVoiceTranscript:
		if p.backends.STT == nil {
			return nil, fmt.Errorf("no speech-to-text backend configured")
		}
		data, name, err := p.fetchBlob(ctx, a)
		if err != nil {
			return nil, err
		}
		res, err := p.backends.STT.Transcribe(ctx, data, name)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"text": res.Text}
		if res.Language != "" {
			out["language"] = res.Language
		}
		return out, nil

	case store.ArtifactImageJSON:
		if p.backends.Eyes == nil {
			return nil, fmt.Errorf("no vision backend configured")
		}
		data, name, err := p.fetchBlob(ctx, a)
		if err != nil {
			return nil, err
		}
		res, err := p.backends.Eyes.Analyze(ctx, data, name)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"description": res.Description,
			"objects":     res.Objects,
			"text":        res.Text,
		}, nil

	case store.ArtifactOCRText:
		if p.backends.Docs == nil {
			return nil, fmt.Errorf("no document extraction backend configured")
		}
		data, name, err := p.fetchBlob(ctx, a)
		if err != nil {
			return nil, err
		}
		res, err := p.backends.Docs.Extract(ctx, data, name)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"text":       res.Text,
			"word_count": res.WordCount,
		}
		if res.PageCount > 0 {
			out["page_count"] = res.PageCount
		}
		return out, nil

	case store.ArtifactFileMeta, store.ArtifactToolResult:
		// Metadata-only kinds need no processing.
		return map[string]any{}, nil

	default:
		return nil, fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
}

// fetchBlob loads the artifact bytes from storage. An artifact without a URI
// means the ingest-time upload failed; there is nothing to retry against, so
// the attempt fails and burns one of the three tries.
func (p *Processor) fetchBlob(ctx context.Context, a store.ArtifactData) ([]byte, string, error) {
	if a.URI == "" {
		return nil, "", fmt.Errorf("artifact has no stored blob")
	}
	if p.blobs == nil {
		return nil, "", fmt.Errorf("no blob storage configured")
	}
	data, err := p.blobs.Download(ctx, a.URI)
	if err != nil {
		return nil, "", fmt.Errorf("download blob %s: %w", a.URI, err)
	}
	name := a.URI
	if fn, ok := a.Content["file_name"].(string); ok && fn != "" {
		name = fn
	}
	return data, name, nil
}
