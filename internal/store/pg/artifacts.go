package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// PGArtifactStore implements store.ArtifactStore.
type PGArtifactStore struct {
	db dbtx
}

func (s *PGArtifactStore) Create(ctx context.Context, a *store.ArtifactData) error {
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = store.ArtifactPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_artifacts (id, message_id, kind, content, uri, status, attempt_count, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.MessageID, a.Kind, jsonMap(a.Content), nullStr(a.URI),
		a.Status, a.AttemptCount, nullStr(a.LastError), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PGArtifactStore) Get(ctx context.Context, id uuid.UUID) (*store.ArtifactData, error) {
	row := s.db.QueryRowContext(ctx, selectArtifact+` WHERE id = $1`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (s *PGArtifactStore) ListProcessable(ctx context.Context, limit int) ([]store.ArtifactData, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		selectArtifact+`
		 WHERE status IN ($1, $2) AND attempt_count < $3
		 ORDER BY created_at ASC LIMIT $4`,
		store.ArtifactPending, store.ArtifactFailed, store.MaxArtifactAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list processable artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func (s *PGArtifactStore) ListForMessages(ctx context.Context, messageIDs []uuid.UUID) ([]store.ArtifactData, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		selectArtifact+` WHERE message_id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for messages: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func (s *PGArtifactStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_artifacts
		 SET status = $1, attempt_count = attempt_count + 1, last_attempt_at = $2
		 WHERE id = $3 AND status IN ($4, $5)`,
		store.ArtifactProcessing, time.Now().UTC(), id,
		store.ArtifactPending, store.ArtifactFailed,
	)
	if err != nil {
		return fmt.Errorf("mark artifact processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *PGArtifactStore) MarkDone(ctx context.Context, id uuid.UUID, output map[string]any) error {
	// content || output merges extraction results over the ingest metadata.
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_artifacts
		 SET status = $1, content = content || $2, completed_at = $3, last_error = NULL
		 WHERE id = $4`,
		store.ArtifactDone, jsonMap(output), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark artifact done: %w", err)
	}
	return nil
}

func (s *PGArtifactStore) MarkFailed(ctx context.Context, id uuid.UUID, procErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_artifacts SET status = $1, last_error = $2 WHERE id = $3`,
		store.ArtifactFailed, procErr, id,
	)
	if err != nil {
		return fmt.Errorf("mark artifact failed: %w", err)
	}
	return nil
}

const selectArtifact = `SELECT id, message_id, kind, content, uri, status, attempt_count, last_error, last_attempt_at, completed_at, created_at
	 FROM message_artifacts`

func scanArtifact(r rowScanner) (*store.ArtifactData, error) {
	a := &store.ArtifactData{}
	var content jsonMap
	var uri, lastErr sql.NullString
	var lastAttempt, completed sql.NullTime
	if err := r.Scan(&a.ID, &a.MessageID, &a.Kind, &content, &uri, &a.Status,
		&a.AttemptCount, &lastErr, &lastAttempt, &completed, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Content = content
	a.URI = fromNullStr(uri)
	a.LastError = fromNullStr(lastErr)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		a.LastAttemptAt = &t
	}
	if completed.Valid {
		t := completed.Time
		a.CompletedAt = &t
	}
	return a, nil
}

func collectArtifacts(rows *sql.Rows) ([]store.ArtifactData, error) {
	var out []store.ArtifactData
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
