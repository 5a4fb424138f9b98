package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a new UUIDv7 (time-ordered) identifier.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// ThreadData is one conversation with one counterparty on one platform.
// (platform, external_chat_id) is unique; ingestion uses get-or-create.
type ThreadData struct {
	ID             uuid.UUID
	Platform       string
	ExternalChatID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MessageData is one conversation turn. Immutable once written.
type MessageData struct {
	ID                uuid.UUID
	ThreadID          uuid.UUID
	ExternalMessageID string // platform message id, empty for synthetic turns
	Role              string
	AuthorID          string
	Text              string
	RawPayload        map[string]any
	CreatedAt         time.Time
}

// Artifact kinds.
const (
	ArtifactVoiceTranscript = "voice_transcript"
	ArtifactImageJSON       = "image_json"
	ArtifactOCRText         = "ocr_text"
	ArtifactFileMeta        = "file_meta"
	ArtifactToolResult      = "tool_result"
)

// Artifact processing statuses.
const (
	ArtifactPending    = "pending"
	ArtifactProcessing = "processing"
	ArtifactDone       = "done"
	ArtifactFailed     = "failed"
)

// MaxArtifactAttempts is the retry cap before an artifact is terminally failed.
const MaxArtifactAttempts = 3

// ArtifactData is a non-text attachment bound to a message. Created by
// ingestion with status=pending, mutated only by the media processor.
type ArtifactData struct {
	ID            uuid.UUID
	MessageID     uuid.UUID
	Kind          string
	Content       map[string]any
	URI           string // blob store URI, empty if the upload failed
	Status        string
	AttemptCount  int
	LastError     string
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// Job modes.
const (
	JobClassify = "classify"
	JobPlan     = "plan"
	JobExecute  = "execute"
	JobAnswer   = "answer"
)

// Job statuses.
const (
	JobQueued   = "queued"
	JobRunning  = "running"
	JobDone     = "done"
	JobFailed   = "failed"
	JobCanceled = "canceled"
)

// JobData is one unit of reactive work.
type JobData struct {
	ID               uuid.UUID
	ThreadID         uuid.UUID
	TriggerMessageID uuid.UUID
	Mode             string
	Status           string
	Payload          map[string]any
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// Approval statuses.
const (
	ApprovalPending    = "pending"
	ApprovalApproved   = "approved"
	ApprovalRejected   = "rejected"
	ApprovalSuperseded = "superseded"
)

// ApprovalData gates a classified proposal before execution. JobID is nil for
// ask_master placeholder approvals, which reuse the same table and resolution
// path.
type ApprovalData struct {
	ID              uuid.UUID
	ThreadID        uuid.UUID
	JobID           *uuid.UUID
	ProposalText    string
	Status          string
	PromptMessageID string // outbound prompt message id, kept for later edit
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// Token ledger scopes.
const (
	ScopeProactive = "proactive"
	ScopeReactive  = "reactive"
)

// LedgerEntry is one row per LLM call.
type LedgerEntry struct {
	ID           uuid.UUID
	Scope        string
	Provider     string
	TokensInput  int64
	TokensOutput int64
	TokensTotal  int64
	Meta         map[string]any
	CreatedAt    time.Time
}

// Task priorities, highest first.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Task sources.
const (
	SourceMaster = "master"
	SourceSelf   = "self"
)

// DefaultMaxAttempts is the per-task attempt cap.
const DefaultMaxAttempts = 3

// TaskData is one unit of agent work. Subtasks inherit source and priority
// from the parent and carry depth = parent.depth + 1.
type TaskData struct {
	ID           uuid.UUID
	Title        string
	Description  string
	Priority     string
	Status       string
	Source       string
	GoalCriteria string
	Attempts     int
	MaxAttempts  int
	LastResult   string
	ParentID     *uuid.UUID
	OrderIndex   int
	Depth        int
	GoalID       *uuid.UUID
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Goal statuses.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalFailed    = "failed"
	GoalPaused    = "paused"
)

// GoalData is a persistent objective composed of tasks. Task counters are
// maintained by database triggers on task status transitions.
type GoalData struct {
	ID               uuid.UUID
	Title            string
	Description      string
	SuccessCriteria  string
	Source           string
	Priority         string
	Status           string
	TotalTasks       int
	CompletedTasks   int
	FailedTasks      int
	VerifiedByMaster bool
	MasterFeedback   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReadyForVerification reports whether every task under the goal completed.
func (g *GoalData) ReadyForVerification() bool {
	return g.TotalTasks > 0 && g.CompletedTasks == g.TotalTasks
}

// NeedsAttention reports whether the goal is active with no work left in
// flight (every task either completed or failed).
func (g *GoalData) NeedsAttention() bool {
	return g.Status == GoalActive && g.TotalTasks > 0 &&
		g.CompletedTasks+g.FailedTasks >= g.TotalTasks
}

// Deployment statuses.
const (
	DeployBuilding   = "building"
	DeployTesting    = "testing"
	DeployDeploying  = "deploying"
	DeployHealthy    = "healthy"
	DeployRolledBack = "rolled_back"
	DeployFailed     = "failed"
)

// DeploymentData is a release record written around self-restart.
type DeploymentData struct {
	ID         uuid.UUID
	SHA        string
	Branch     string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Report     string
}

// Memory entry kinds.
const (
	MemoryCycleSummary = "cycle_summary"
	MemoryPromptAroma  = "prompt_aroma"
)

// MemoryEntry is one append-only agent memory row.
type MemoryEntry struct {
	ID        uuid.UUID
	Kind      string
	Content   map[string]any
	CreatedAt time.Time
}
