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

// PGTaskStore implements store.TaskStore.
type PGTaskStore struct {
	db dbtx
}

func (s *PGTaskStore) Create(ctx context.Context, t *store.TaskData) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = store.TaskPending
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = store.DefaultMaxAttempts
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_tasks (id, title, description, priority, status, source, goal_criteria,
			attempts, max_attempts, last_result, parent_id, order_index, depth, goal_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Title, t.Description, t.Priority, t.Status, t.Source,
		nullStr(t.GoalCriteria), t.Attempts, t.MaxAttempts, nullStr(t.LastResult),
		nullUUID(t.ParentID), t.OrderIndex, t.Depth, nullUUID(t.GoalID), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PGTaskStore) Get(ctx context.Context, id uuid.UUID) (*store.TaskData, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// taskOrder ranks master before self, then by priority, then oldest first.
const taskOrder = `
	 ORDER BY (CASE source WHEN 'master' THEN 0 ELSE 1 END),
	          (CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END),
	          created_at ASC`

func (s *PGTaskStore) NextPending(ctx context.Context) (*store.TaskData, error) {
	row := s.db.QueryRowContext(ctx,
		selectTask+` WHERE status = $1 AND depth = 0`+taskOrder+` LIMIT 1`,
		store.TaskPending,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next task: %w", err)
	}

	// Descend into the hierarchy: a parent with pending subtasks yields its
	// lowest-order_index pending child first.
	for {
		row := s.db.QueryRowContext(ctx,
			selectTask+` WHERE parent_id = $1 AND status = $2 ORDER BY order_index ASC LIMIT 1`,
			t.ID, store.TaskPending,
		)
		child, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("next subtask: %w", err)
		}
		t = child
	}
}

func (s *PGTaskStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		store.TaskRunning, time.Now().UTC(), id, store.TaskPending,
	)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *PGTaskStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return execMapUpdate(ctx, s.db, "agent_tasks", id, updates)
}

func (s *PGTaskStore) ResetStaleRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_tasks SET status = $1, started_at = NULL WHERE status = $2`,
		store.TaskPending, store.TaskRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGTaskStore) PendingChildren(ctx context.Context, parentID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_tasks WHERE parent_id = $1 AND status IN ($2, $3)`,
		parentID, store.TaskPending, store.TaskRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending children: %w", err)
	}
	return n, nil
}

func (s *PGTaskStore) Children(ctx context.Context, parentID uuid.UUID) ([]store.TaskData, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE parent_id = $1 ORDER BY order_index ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PGTaskStore) ListPending(ctx context.Context, limit int) ([]store.TaskData, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE status = $1 AND depth = 0`+taskOrder+` LIMIT $2`,
		store.TaskPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

const selectTask = `SELECT id, title, description, priority, status, source, goal_criteria,
	 attempts, max_attempts, last_result, parent_id, order_index, depth, goal_id,
	 created_at, started_at, completed_at
	 FROM agent_tasks`

func scanTask(r rowScanner) (*store.TaskData, error) {
	t := &store.TaskData{}
	var criteria, lastResult sql.NullString
	var parentID, goalID uuid.NullUUID
	var started, completed sql.NullTime
	if err := r.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.Source,
		&criteria, &t.Attempts, &t.MaxAttempts, &lastResult, &parentID,
		&t.OrderIndex, &t.Depth, &goalID, &t.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	t.GoalCriteria = fromNullStr(criteria)
	t.LastResult = fromNullStr(lastResult)
	if parentID.Valid {
		id := parentID.UUID
		t.ParentID = &id
	}
	if goalID.Valid {
		id := goalID.UUID
		t.GoalID = &id
	}
	if started.Valid {
		tm := started.Time
		t.StartedAt = &tm
	}
	if completed.Valid {
		tm := completed.Time
		t.CompletedAt = &tm
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]store.TaskData, error) {
	var out []store.TaskData
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
