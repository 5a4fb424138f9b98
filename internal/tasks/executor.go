// Package tasks runs the hierarchical task executor: selection, LLM-backed
// execution, decomposition, goal verification, and completion semantics.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/store"
)

// maxResultBytes caps the stored last_result (5 kB).
const maxResultBytes = 5 * 1024

const executorPromptTemplate = `You are working on a task for your operator.

Task: %s
Description: %s
Priority: %s
Source: %s
Attempt: %d of %d
%s%s
If this task is large, you may instead respond with a decomposition block:
{"decompose": true, "subtasks": [{"title": "...", "description": "...", "goal_criteria": "..."}, ...]}

Otherwise, do the work and describe the result.`

// Result is what one execution attempt produced.
type Result struct {
	Task      *store.TaskData
	Output    string
	Completed bool
	Decompose bool
}

// Executor pops and runs tasks. The backend is the capable model (or the CLI
// adapter); the verifier is the fast model.
type Executor struct {
	stores   *store.Stores
	backend  providers.Provider
	verifier providers.Provider
	timeout  time.Duration
}

func NewExecutor(stores *store.Stores, backend, verifier providers.Provider, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Executor{stores: stores, backend: backend, verifier: verifier, timeout: timeout}
}

// ExecuteNext runs the next pending task, if any. Returns (nil, nil) when the
// queue is empty.
func (e *Executor) ExecuteNext(ctx context.Context) (*Result, error) {
	task, err := e.stores.Tasks.NextPending(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next task: %w", err)
	}
	return e.Execute(ctx, task)
}

// Execute runs one attempt of the given task through to a durable outcome.
func (e *Executor) Execute(ctx context.Context, task *store.TaskData) (*Result, error) {
	if err := e.stores.Tasks.MarkRunning(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil // someone else took it
		}
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	slog.Info("executing task", "task_id", task.ID, "title", task.Title,
		"priority", task.Priority, "source", task.Source, "attempt", task.Attempts+1)

	output, err := e.callBackend(ctx, task)
	if err != nil {
		var rle *providers.RateLimitError
		if errors.As(err, &rle) {
			// Surface rate limits to the scheduler; put the task back.
			if uerr := e.stores.Tasks.Update(ctx, task.ID, map[string]any{"status": store.TaskPending}); uerr != nil {
				slog.Error("requeue rate-limited task failed", "task_id", task.ID, "error", uerr)
			}
			return nil, err
		}
		if ferr := e.Fail(ctx, task, err.Error()); ferr != nil {
			return nil, ferr
		}
		return &Result{Task: task, Output: err.Error()}, nil
	}

	// Root tasks may split instead of finishing.
	if task.Depth == 0 {
		if dec, ok := ParseDecomposition(output); ok {
			if err := e.decompose(ctx, task, dec); err != nil {
				return nil, err
			}
			return &Result{Task: task, Output: output, Decompose: true}, nil
		}
	}

	if task.GoalCriteria != "" {
		achieved, err := e.verify(ctx, task, output)
		if err != nil {
			slog.Warn("goal verification errored, counting as not achieved", "task_id", task.ID, "error", err)
			achieved = false
		}
		if !achieved {
			if err := e.Fail(ctx, task, "goal criteria not met: "+truncateResult(output)); err != nil {
				return nil, err
			}
			return &Result{Task: task, Output: output}, nil
		}
	}

	if err := e.Complete(ctx, task.ID, output); err != nil {
		return nil, err
	}
	return &Result{Task: task, Output: output, Completed: true}, nil
}

func (e *Executor) callBackend(ctx context.Context, task *store.TaskData) (string, error) {
	var criteria, lastResult string
	if task.GoalCriteria != "" {
		criteria = "Success criteria: " + task.GoalCriteria + "\n"
	}
	if task.LastResult != "" {
		lastResult = "Previous attempt result: " + task.LastResult + "\n"
	}
	prompt := fmt.Sprintf(executorPromptTemplate,
		task.Title, task.Description, task.Priority, task.Source,
		task.Attempts+1, task.MaxAttempts, criteria, lastResult)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.backend.Chat(callCtx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("task backend: %w", err)
	}

	entry := &store.LedgerEntry{
		ID:           store.GenNewID(),
		Scope:        store.ScopeProactive,
		Provider:     e.backend.Name(),
		TokensInput:  int64(resp.Usage.InputTokens),
		TokensOutput: int64(resp.Usage.OutputTokens),
		TokensTotal:  int64(resp.Usage.Total()),
		Meta:         map[string]any{"task_id": task.ID.String(), "stage": "task_execute"},
	}
	if err := e.stores.Ledger.Log(ctx, entry); err != nil {
		return "", fmt.Errorf("log task tokens: %w", err)
	}
	return resp.Content, nil
}

// decompose creates the subtasks and parks the parent back in pending so the
// children run first.
func (e *Executor) decompose(ctx context.Context, parent *store.TaskData, dec *Decomposition) error {
	titles := make([]string, 0, len(dec.Subtasks))
	for i, sub := range dec.Subtasks {
		parentID := parent.ID
		goalID := parent.GoalID
		child := &store.TaskData{
			ID:           store.GenNewID(),
			Title:        sub.Title,
			Description:  sub.Description,
			GoalCriteria: sub.GoalCriteria,
			Priority:     parent.Priority,
			Status:       store.TaskPending,
			Source:       parent.Source,
			MaxAttempts:  parent.MaxAttempts,
			ParentID:     &parentID,
			OrderIndex:   i,
			Depth:        parent.Depth + 1,
			GoalID:       goalID,
		}
		if err := e.stores.Tasks.Create(ctx, child); err != nil {
			return fmt.Errorf("create subtask %d: %w", i, err)
		}
		titles = append(titles, sub.Title)
	}

	summary := fmt.Sprintf("Decomposed into %d subtasks: %s", len(titles), joinTitles(titles))
	err := e.stores.Tasks.Update(ctx, parent.ID, map[string]any{
		"status":      store.TaskPending,
		"last_result": truncateResult(summary),
	})
	if err != nil {
		return fmt.Errorf("park decomposed parent: %w", err)
	}
	slog.Info("task decomposed", "task_id", parent.ID, "subtasks", len(titles))
	return nil
}

// Complete finishes a task and recursively auto-completes parents whose
// children have all settled.
func (e *Executor) Complete(ctx context.Context, taskID uuid.UUID, result string) error {
	task, err := e.stores.Tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	err = e.stores.Tasks.Update(ctx, taskID, map[string]any{
		"status":       store.TaskCompleted,
		"completed_at": time.Now().UTC(),
		"last_result":  truncateResult(result),
	})
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	slog.Info("task completed", "task_id", taskID, "title", task.Title)

	if task.ParentID == nil {
		return nil
	}
	pending, err := e.stores.Tasks.PendingChildren(ctx, *task.ParentID)
	if err != nil {
		return fmt.Errorf("count pending siblings: %w", err)
	}
	if pending > 0 {
		return nil
	}
	children, err := e.stores.Tasks.Children(ctx, *task.ParentID)
	if err != nil {
		return fmt.Errorf("list siblings: %w", err)
	}
	synthetic := fmt.Sprintf("All %d subtasks completed.", len(children))
	return e.Complete(ctx, *task.ParentID, synthetic)
}

// Fail burns one attempt. The task returns to pending until attempts reach
// max_attempts, then fails terminally.
func (e *Executor) Fail(ctx context.Context, task *store.TaskData, errMsg string) error {
	attempts := task.Attempts + 1
	status := store.TaskPending
	if attempts >= task.MaxAttempts {
		status = store.TaskFailed
	}
	err := e.stores.Tasks.Update(ctx, task.ID, map[string]any{
		"status":      status,
		"attempts":    attempts,
		"last_result": truncateResult(errMsg),
	})
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	slog.Warn("task attempt failed", "task_id", task.ID, "attempts", attempts,
		"max_attempts", task.MaxAttempts, "terminal", status == store.TaskFailed)
	return nil
}

func truncateResult(s string) string {
	if len(s) <= maxResultBytes {
		return s
	}
	// Back up off UTF-8 continuation bytes so the cut never splits a rune.
	cut := maxResultBytes
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	if cut == 0 {
		cut = maxResultBytes
	}
	return s[:cut]
}

func joinTitles(titles []string) string {
	out := ""
	for i, t := range titles {
		if i > 0 {
			out += "; "
		}
		out += t
	}
	return out
}
