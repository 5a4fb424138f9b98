// Package store defines the persistence contracts shared by every runtime
// component. Implementations live in subpackages (pg for Postgres, mem for
// tests). Entities cross this boundary by value; rows are owned by the store.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ThreadStore manages chat threads.
type ThreadStore interface {
	// GetOrCreate returns the thread for (platform, externalChatID),
	// creating it if absent.
	GetOrCreate(ctx context.Context, platform, externalChatID string) (*ThreadData, error)
	Get(ctx context.Context, id uuid.UUID) (*ThreadData, error)
	// Touch bumps updated_at.
	Touch(ctx context.Context, id uuid.UUID) error
}

// MessageStore manages conversation turns.
type MessageStore interface {
	Create(ctx context.Context, msg *MessageData) error
	Get(ctx context.Context, id uuid.UUID) (*MessageData, error)
	// ListRecent returns the last limit messages of a thread in
	// chronological order.
	ListRecent(ctx context.Context, threadID uuid.UUID, limit int) ([]MessageData, error)
	Count(ctx context.Context) (int64, error)
}

// ArtifactStore manages media artifacts.
type ArtifactStore interface {
	Create(ctx context.Context, a *ArtifactData) error
	Get(ctx context.Context, id uuid.UUID) (*ArtifactData, error)
	// ListProcessable returns up to limit artifacts with status pending or
	// failed and attempt_count < MaxArtifactAttempts, oldest first.
	ListProcessable(ctx context.Context, limit int) ([]ArtifactData, error)
	// ListForMessages returns all artifacts attached to the given messages.
	ListForMessages(ctx context.Context, messageIDs []uuid.UUID) ([]ArtifactData, error)
	// MarkProcessing conditionally moves the artifact out of pending/failed,
	// incrementing attempt_count and stamping last_attempt_at. Returns
	// ErrConflict if another worker won.
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	// MarkDone merges output into content and finalizes the artifact.
	MarkDone(ctx context.Context, id uuid.UUID, output map[string]any) error
	MarkFailed(ctx context.Context, id uuid.UUID, procErr string) error
}

// JobStore manages the reactive job queue.
type JobStore interface {
	Enqueue(ctx context.Context, job *JobData) error
	Get(ctx context.Context, id uuid.UUID) (*JobData, error)
	// LeaseNext atomically transitions the oldest queued job to running and
	// returns it. ErrNotFound when the queue is empty.
	LeaseNext(ctx context.Context) (*JobData, error)
	// Finish writes the terminal status (done/failed/canceled) with
	// finished_at.
	Finish(ctx context.Context, id uuid.UUID, status string) error
	// FlipToExecute moves a still-queued classify job to execute mode with
	// the given payload. ErrConflict if the job already left that state.
	FlipToExecute(ctx context.Context, id uuid.UUID, payload map[string]any) error
	// FailStaleRunning marks jobs left running by a previous process as
	// failed. Called once on boot.
	FailStaleRunning(ctx context.Context) (int64, error)
	// CountByStatusSince returns job counts grouped by status.
	CountByStatusSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

// ApprovalStore manages the approval gate.
type ApprovalStore interface {
	// Create inserts a pending approval. At most one non-terminal approval
	// may exist per job; a second insert returns ErrConflict.
	Create(ctx context.Context, a *ApprovalData) error
	Get(ctx context.Context, id uuid.UUID) (*ApprovalData, error)
	// PendingForJob finds the live approval gating a job, ErrNotFound when
	// none is pending.
	PendingForJob(ctx context.Context, jobID uuid.UUID) (*ApprovalData, error)
	// Resolve conditionally moves pending → status. ErrConflict when the
	// approval is no longer pending.
	Resolve(ctx context.Context, id uuid.UUID, status string) error
	// SupersedeForThread moves every pending approval in the thread to
	// superseded, returning the number transitioned.
	SupersedeForThread(ctx context.Context, threadID uuid.UUID) (int64, error)
	SetPromptMessageID(ctx context.Context, id uuid.UUID, messageID string) error
}

// LedgerStore records token usage, one row per LLM call.
type LedgerStore interface {
	Log(ctx context.Context, e *LedgerEntry) error
	// DailyUsage sums tokens_total for the scope on the UTC day of at.
	DailyUsage(ctx context.Context, scope string, at time.Time) (int64, error)
	// DailyUsageByScope sums tokens_total per scope on the UTC day of at.
	DailyUsageByScope(ctx context.Context, at time.Time) (map[string]int64, error)
}

// TaskStore manages the task hierarchy.
type TaskStore interface {
	Create(ctx context.Context, t *TaskData) error
	Get(ctx context.Context, id uuid.UUID) (*TaskData, error)
	// NextPending applies the selection rule: master before self, priority
	// rank, oldest first, roots only. When the chosen root has pending
	// subtasks it descends to the lowest order_index one. ErrNotFound when
	// nothing is pending.
	NextPending(ctx context.Context) (*TaskData, error)
	// MarkRunning conditionally transitions pending → running with
	// started_at. ErrConflict if the task is not pending.
	MarkRunning(ctx context.Context, id uuid.UUID) error
	// Update applies a partial column update.
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	// PendingChildren counts children in pending or running state.
	PendingChildren(ctx context.Context, parentID uuid.UUID) (int, error)
	// Children returns direct children ordered by order_index.
	Children(ctx context.Context, parentID uuid.UUID) ([]TaskData, error)
	// ListPending returns up to limit pending root tasks in selection order
	// (for the proactive prompt summary).
	ListPending(ctx context.Context, limit int) ([]TaskData, error)
	// ResetStaleRunning puts tasks left running by a previous process back
	// to pending without burning an attempt. Returns the count.
	ResetStaleRunning(ctx context.Context) (int64, error)
}

// GoalStore manages goals. Task counters are trigger-maintained.
type GoalStore interface {
	Create(ctx context.Context, g *GoalData) error
	Get(ctx context.Context, id uuid.UUID) (*GoalData, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	// ListNeedingAttention returns active goals whose tasks have all
	// settled (completed or failed).
	ListNeedingAttention(ctx context.Context) ([]GoalData, error)
}

// DeploymentStore records releases around self-restart.
type DeploymentStore interface {
	Create(ctx context.Context, d *DeploymentData) error
	Finish(ctx context.Context, id uuid.UUID, status, report string) error
	Latest(ctx context.Context) (*DeploymentData, error)
}

// MemoryStore is the append-only agent memory.
type MemoryStore interface {
	Append(ctx context.Context, e *MemoryEntry) error
	// Recent returns the n newest entries of the kind, newest first.
	Recent(ctx context.Context, kind string, n int) ([]MemoryEntry, error)
}

// TxRunner runs fn against a transaction-scoped view of the stores.
// fn returning an error rolls the transaction back.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *Stores) error) error
}

// Stores bundles every repository. Constructed once at startup by the
// composition root and handed to subsystems by value.
type Stores struct {
	Threads     ThreadStore
	Messages    MessageStore
	Artifacts   ArtifactStore
	Jobs        JobStore
	Approvals   ApprovalStore
	Ledger      LedgerStore
	Tasks       TaskStore
	Goals       GoalStore
	Deployments DeploymentStore
	Memory      MemoryStore

	Tx TxRunner
}

// StoreConfig carries persistence bootstrap settings.
type StoreConfig struct {
	PostgresDSN  string
	PoolMinConns int
	PoolMaxConns int
}
