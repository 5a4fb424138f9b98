package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// PGMemoryStore implements store.MemoryStore.
type PGMemoryStore struct {
	db dbtx
}

func (s *PGMemoryStore) Append(ctx context.Context, e *store.MemoryEntry) error {
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memory (id, kind, content, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.Kind, jsonMap(e.Content), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

func (s *PGMemoryStore) Recent(ctx context.Context, kind string, n int) ([]store.MemoryEntry, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, content, created_at FROM agent_memory
		 WHERE kind = $1 ORDER BY created_at DESC LIMIT $2`,
		kind, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent memory: %w", err)
	}
	defer rows.Close()

	var out []store.MemoryEntry
	for rows.Next() {
		e := store.MemoryEntry{}
		var content jsonMap
		if err := rows.Scan(&e.ID, &e.Kind, &content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		e.Content = content
		out = append(out, e)
	}
	return out, rows.Err()
}
