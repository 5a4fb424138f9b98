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

// PGJobStore implements store.JobStore.
type PGJobStore struct {
	db dbtx
}

func (s *PGJobStore) Enqueue(ctx context.Context, job *store.JobData) error {
	if job.ID == uuid.Nil {
		job.ID = store.GenNewID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = store.JobQueued
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reactive_jobs (id, thread_id, trigger_message_id, mode, status, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.ThreadID, job.TriggerMessageID, job.Mode, job.Status,
		jsonMap(job.Payload), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *PGJobStore) Get(ctx context.Context, id uuid.UUID) (*store.JobData, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PGJobStore) LeaseNext(ctx context.Context) (*store.JobData, error) {
	// Oldest-first lease; SKIP LOCKED keeps concurrent workers from
	// blocking on the same row.
	row := s.db.QueryRowContext(ctx,
		`UPDATE reactive_jobs SET status = $1, started_at = $2
		 WHERE id = (
			SELECT id FROM reactive_jobs WHERE status = $3
			ORDER BY created_at ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, thread_id, trigger_message_id, mode, status, payload, created_at, started_at, finished_at`,
		store.JobRunning, time.Now().UTC(), store.JobQueued,
	)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return job, nil
}

func (s *PGJobStore) Finish(ctx context.Context, id uuid.UUID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reactive_jobs SET status = $1, finished_at = $2 WHERE id = $3 AND status = $4`,
		status, time.Now().UTC(), id, store.JobRunning,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *PGJobStore) FlipToExecute(ctx context.Context, id uuid.UUID, payload map[string]any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reactive_jobs SET mode = $1, payload = payload || $2
		 WHERE id = $3 AND mode = $4 AND status = $5`,
		store.JobExecute, jsonMap(payload), id, store.JobClassify, store.JobQueued,
	)
	if err != nil {
		return fmt.Errorf("flip job to execute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *PGJobStore) FailStaleRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reactive_jobs SET status = $1, finished_at = $2 WHERE status = $3`,
		store.JobFailed, time.Now().UTC(), store.JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGJobStore) CountByStatusSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM reactive_jobs WHERE created_at >= $1 GROUP BY status`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

const selectJob = `SELECT id, thread_id, trigger_message_id, mode, status, payload, created_at, started_at, finished_at
	 FROM reactive_jobs`

func scanJob(r rowScanner) (*store.JobData, error) {
	job := &store.JobData{}
	var payload jsonMap
	var started, finished sql.NullTime
	if err := r.Scan(&job.ID, &job.ThreadID, &job.TriggerMessageID, &job.Mode,
		&job.Status, &payload, &job.CreatedAt, &started, &finished); err != nil {
		return nil, err
	}
	job.Payload = payload
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return job, nil
}
