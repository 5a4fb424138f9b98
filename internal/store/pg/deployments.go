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

// PGDeploymentStore implements store.DeploymentStore.
type PGDeploymentStore struct {
	db dbtx
}

func (s *PGDeploymentStore) Create(ctx context.Context, d *store.DeploymentData) error {
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = store.DeployBuilding
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, sha, branch, status, started_at, report)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.SHA, d.Branch, d.Status, d.StartedAt, nullStr(d.Report),
	)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (s *PGDeploymentStore) Finish(ctx context.Context, id uuid.UUID, status, report string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = $1, finished_at = $2, report = $3 WHERE id = $4`,
		status, time.Now().UTC(), nullStr(report), id,
	)
	if err != nil {
		return fmt.Errorf("finish deployment: %w", err)
	}
	return nil
}

func (s *PGDeploymentStore) Latest(ctx context.Context) (*store.DeploymentData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sha, branch, status, started_at, finished_at, report
		 FROM deployments ORDER BY started_at DESC LIMIT 1`)

	d := &store.DeploymentData{}
	var finished sql.NullTime
	var report sql.NullString
	err := row.Scan(&d.ID, &d.SHA, &d.Branch, &d.Status, &d.StartedAt, &finished, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest deployment: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		d.FinishedAt = &t
	}
	d.Report = fromNullStr(report)
	return d, nil
}
