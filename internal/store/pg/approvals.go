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

// PGApprovalStore implements store.ApprovalStore. A partial unique index on
// (job_id) WHERE status = 'pending' enforces at most one live approval per
// job at the database level.
type PGApprovalStore struct {
	db dbtx
}

func (s *PGApprovalStore) Create(ctx context.Context, a *store.ApprovalData) error {
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = store.ApprovalPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, thread_id, job_id, proposal_text, status, prompt_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ThreadID, nullUUID(a.JobID), a.ProposalText, a.Status,
		nullStr(a.PromptMessageID), a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *PGApprovalStore) Get(ctx context.Context, id uuid.UUID) (*store.ApprovalData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, job_id, proposal_text, status, prompt_message_id, created_at, resolved_at
		 FROM approvals WHERE id = $1`, id)

	a := &store.ApprovalData{}
	var jobID uuid.NullUUID
	var promptID sql.NullString
	var resolved sql.NullTime
	err := row.Scan(&a.ID, &a.ThreadID, &jobID, &a.ProposalText, &a.Status,
		&promptID, &a.CreatedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if jobID.Valid {
		id := jobID.UUID
		a.JobID = &id
	}
	a.PromptMessageID = fromNullStr(promptID)
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

func (s *PGApprovalStore) PendingForJob(ctx context.Context, jobID uuid.UUID) (*store.ApprovalData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM approvals WHERE job_id = $1 AND status = $2`, jobID, store.ApprovalPending)
	var id uuid.UUID
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pending approval for job: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *PGApprovalStore) Resolve(ctx context.Context, id uuid.UUID, status string) error {
	// Conditional on pending: only the first resolver wins.
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $1, resolved_at = $2 WHERE id = $3 AND status = $4`,
		status, time.Now().UTC(), id, store.ApprovalPending,
	)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *PGApprovalStore) SupersedeForThread(ctx context.Context, threadID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $1, resolved_at = $2 WHERE thread_id = $3 AND status = $4`,
		store.ApprovalSuperseded, time.Now().UTC(), threadID, store.ApprovalPending,
	)
	if err != nil {
		return 0, fmt.Errorf("supersede approvals: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGApprovalStore) SetPromptMessageID(ctx context.Context, id uuid.UUID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET prompt_message_id = $1 WHERE id = $2`, messageID, id)
	return err
}

// isUniqueViolation matches Postgres error 23505 without importing pgconn
// into every store file.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
