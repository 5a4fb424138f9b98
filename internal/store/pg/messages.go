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

// PGMessageStore implements store.MessageStore.
type PGMessageStore struct {
	db dbtx
}

func (s *PGMessageStore) Create(ctx context.Context, msg *store.MessageData) error {
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, thread_id, external_message_id, role, author_id, text, raw_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ThreadID, nullStr(msg.ExternalMessageID), msg.Role,
		nullStr(msg.AuthorID), nullStr(msg.Text), jsonMap(msg.RawPayload), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PGMessageStore) Get(ctx context.Context, id uuid.UUID) (*store.MessageData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, external_message_id, role, author_id, text, raw_payload, created_at
		 FROM chat_messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *PGMessageStore) ListRecent(ctx context.Context, threadID uuid.UUID, limit int) ([]store.MessageData, error) {
	if limit <= 0 {
		limit = 30
	}

	// Newest N via the (thread_id, created_at desc) index, then flipped to
	// chronological order for the prompt builder.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, external_message_id, role, author_id, text, raw_payload, created_at
		 FROM (
			SELECT id, thread_id, external_message_id, role, author_id, text, raw_payload, created_at
			FROM chat_messages WHERE thread_id = $1
			ORDER BY created_at DESC LIMIT $2
		 ) recent
		 ORDER BY created_at ASC`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []store.MessageData
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func (s *PGMessageStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*store.MessageData, error) {
	msg := &store.MessageData{}
	var extID, authorID, text sql.NullString
	var raw jsonMap
	if err := r.Scan(&msg.ID, &msg.ThreadID, &extID, &msg.Role, &authorID, &text, &raw, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.ExternalMessageID = fromNullStr(extID)
	msg.AuthorID = fromNullStr(authorID)
	msg.Text = fromNullStr(text)
	msg.RawPayload = raw
	return msg, nil
}
