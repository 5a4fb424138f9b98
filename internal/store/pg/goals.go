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

// PGGoalStore implements store.GoalStore. total/completed/failed task
// counters are maintained by triggers on agent_tasks (see migrations).
type PGGoalStore struct {
	db dbtx
}

func (s *PGGoalStore) Create(ctx context.Context, g *store.GoalData) error {
	if g.ID == uuid.Nil {
		g.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = store.GoalActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_goals (id, title, description, success_criteria, source, priority, status,
			total_tasks, completed_tasks, failed_tasks, verified_by_master, master_feedback, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		g.ID, g.Title, g.Description, g.SuccessCriteria, g.Source, g.Priority, g.Status,
		g.TotalTasks, g.CompletedTasks, g.FailedTasks, g.VerifiedByMaster,
		nullStr(g.MasterFeedback), g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (s *PGGoalStore) Get(ctx context.Context, id uuid.UUID) (*store.GoalData, error) {
	row := s.db.QueryRowContext(ctx, selectGoal+` WHERE id = $1`, id)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get goal: %w", err)
	}
	return g, nil
}

func (s *PGGoalStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return execMapUpdate(ctx, s.db, "agent_goals", id, updates)
}

func (s *PGGoalStore) ListNeedingAttention(ctx context.Context) ([]store.GoalData, error) {
	rows, err := s.db.QueryContext(ctx,
		selectGoal+`
		 WHERE status = $1 AND total_tasks > 0
		   AND completed_tasks + failed_tasks >= total_tasks
		 ORDER BY updated_at ASC`,
		store.GoalActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list goals needing attention: %w", err)
	}
	defer rows.Close()

	var out []store.GoalData
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

const selectGoal = `SELECT id, title, description, success_criteria, source, priority, status,
	 total_tasks, completed_tasks, failed_tasks, verified_by_master, master_feedback, created_at, updated_at
	 FROM agent_goals`

func scanGoal(r rowScanner) (*store.GoalData, error) {
	g := &store.GoalData{}
	var feedback sql.NullString
	if err := r.Scan(&g.ID, &g.Title, &g.Description, &g.SuccessCriteria, &g.Source,
		&g.Priority, &g.Status, &g.TotalTasks, &g.CompletedTasks, &g.FailedTasks,
		&g.VerifiedByMaster, &feedback, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	g.MasterFeedback = fromNullStr(feedback)
	return g, nil
}
