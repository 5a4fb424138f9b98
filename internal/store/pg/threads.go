package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// PGThreadStore implements store.ThreadStore.
type PGThreadStore struct {
	db dbtx
}

func (s *PGThreadStore) GetOrCreate(ctx context.Context, platform, externalChatID string) (*store.ThreadData, error) {
	now := time.Now().UTC()
	id := store.GenNewID()

	// Upsert keyed on (platform, external_chat_id); RETURNING gives the
	// surviving row either way.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_threads (id, platform, external_chat_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (platform, external_chat_id)
		 DO UPDATE SET updated_at = EXCLUDED.updated_at
		 RETURNING id, platform, external_chat_id, created_at, updated_at`,
		id, platform, externalChatID, now,
	)

	t := &store.ThreadData{}
	if err := row.Scan(&t.ID, &t.Platform, &t.ExternalChatID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get-or-create thread: %w", err)
	}
	return t, nil
}

func (s *PGThreadStore) Get(ctx context.Context, id uuid.UUID) (*store.ThreadData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, external_chat_id, created_at, updated_at
		 FROM chat_threads WHERE id = $1`, id)

	t := &store.ThreadData{}
	err := row.Scan(&t.ID, &t.Platform, &t.ExternalChatID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

func (s *PGThreadStore) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_threads SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}
