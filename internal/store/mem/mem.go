// Package mem is an in-memory implementation of the store contracts, used by
// component tests. Semantics (conditional transitions, ordering, goal
// counters) mirror the Postgres implementation.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// NewStores returns a fully wired in-memory Stores.
func NewStores() *store.Stores {
	db := &memDB{
		threads:   make(map[uuid.UUID]store.ThreadData),
		messages:  make(map[uuid.UUID]store.MessageData),
		artifacts: make(map[uuid.UUID]store.ArtifactData),
		jobs:      make(map[uuid.UUID]store.JobData),
		approvals: make(map[uuid.UUID]store.ApprovalData),
		tasks:     make(map[uuid.UUID]store.TaskData),
		goals:     make(map[uuid.UUID]store.GoalData),
	}
	s := &store.Stores{
		Threads:     &threadStore{db},
		Messages:    &messageStore{db},
		Artifacts:   &artifactStore{db},
		Jobs:        &jobStore{db},
		Approvals:   &approvalStore{db},
		Ledger:      &ledgerStore{db},
		Tasks:       &taskStore{db},
		Goals:       &goalStore{db},
		Deployments: &deploymentStore{db},
		Memory:      &memoryStore{db},
	}
	s.Tx = passthroughTx{s}
	return s
}

// passthroughTx runs fn against the same stores; the in-memory backend has no
// transactions.
type passthroughTx struct {
	stores *store.Stores
}

func (t passthroughTx) WithTx(_ context.Context, fn func(tx *store.Stores) error) error {
	return fn(t.stores)
}

type memDB struct {
	mu sync.Mutex

	threads     map[uuid.UUID]store.ThreadData
	messages    map[uuid.UUID]store.MessageData
	artifacts   map[uuid.UUID]store.ArtifactData
	jobs        map[uuid.UUID]store.JobData
	approvals   map[uuid.UUID]store.ApprovalData
	ledger      []store.LedgerEntry
	tasks       map[uuid.UUID]store.TaskData
	goals       map[uuid.UUID]store.GoalData
	deployments []store.DeploymentData
	memory      []store.MemoryEntry

	// seq breaks created_at ties so FIFO ordering holds even when the clock
	// does not advance between inserts.
	seq   map[uuid.UUID]int64
	seqNo int64
}

func (db *memDB) nextSeq(id uuid.UUID) {
	if db.seq == nil {
		db.seq = make(map[uuid.UUID]int64)
	}
	db.seqNo++
	db.seq[id] = db.seqNo
}

func (db *memDB) before(a, b uuid.UUID, ta, tb time.Time) bool {
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return db.seq[a] < db.seq[b]
}

// --- threads ---

type threadStore struct{ db *memDB }

func (s *threadStore) GetOrCreate(_ context.Context, platform, externalChatID string) (*store.ThreadData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	for _, t := range s.db.threads {
		if t.Platform == platform && t.ExternalChatID == externalChatID {
			t.UpdatedAt = time.Now().UTC()
			s.db.threads[t.ID] = t
			out := t
			return &out, nil
		}
	}

	now := time.Now().UTC()
	t := store.ThreadData{
		ID:             store.GenNewID(),
		Platform:       platform,
		ExternalChatID: externalChatID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.db.threads[t.ID] = t
	out := t
	return &out, nil
}

func (s *threadStore) Get(_ context.Context, id uuid.UUID) (*store.ThreadData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := t
	return &out, nil
}

func (s *threadStore) Touch(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if t, ok := s.db.threads[id]; ok {
		t.UpdatedAt = time.Now().UTC()
		s.db.threads[id] = t
	}
	return nil
}

// --- messages ---

type messageStore struct{ db *memDB }

func (s *messageStore) Create(_ context.Context, msg *store.MessageData) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = store.GenNewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.db.messages[msg.ID] = *msg
	s.db.nextSeq(msg.ID)
	return nil
}

func (s *messageStore) Get(_ context.Context, id uuid.UUID) (*store.MessageData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := m
	return &out, nil
}

func (s *messageStore) ListRecent(_ context.Context, threadID uuid.UUID, limit int) ([]store.MessageData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if limit <= 0 {
		limit = 30
	}

	var all []store.MessageData
	for _, m := range s.db.messages {
		if m.ThreadID == threadID {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return s.db.before(all[i].ID, all[j].ID, all[i].CreatedAt, all[j].CreatedAt)
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *messageStore) Count(_ context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return int64(len(s.db.messages)), nil
}

// --- artifacts ---

type artifactStore struct{ db *memDB }

func (s *artifactStore) Create(_ context.Context, a *store.ArtifactData) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = store.ArtifactPending
	}
	s.db.artifacts[a.ID] = *a
	s.db.nextSeq(a.ID)
	return nil
}

func (s *artifactStore) Get(_ context.Context, id uuid.UUID) (*store.ArtifactData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.artifacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := a
	return &out, nil
}

func (s *artifactStore) ListProcessable(_ context.Context, limit int) ([]store.ArtifactData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}

	var out []store.ArtifactData
	for _, a := range s.db.artifacts {
		if (a.Status == store.ArtifactPending || a.Status == store.ArtifactFailed) &&
			a.AttemptCount < store.MaxArtifactAttempts {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.db.before(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *artifactStore) ListForMessages(_ context.Context, messageIDs []uuid.UUID) ([]store.ArtifactData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	wanted := make(map[uuid.UUID]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	var out []store.ArtifactData
	for _, a := range s.db.artifacts {
		if wanted[a.MessageID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.db.before(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	return out, nil
}

func (s *artifactStore) MarkProcessing(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.artifacts[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status != store.ArtifactPending && a.Status != store.ArtifactFailed {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	a.Status = store.ArtifactProcessing
	a.AttemptCount++
	a.LastAttemptAt = &now
	s.db.artifacts[id] = a
	return nil
}

func (s *artifactStore) MarkDone(_ context.Context, id uuid.UUID, output map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.artifacts[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.Content == nil {
		a.Content = make(map[string]any)
	} else {
		merged := make(map[string]any, len(a.Content)+len(output))
		for k, v := range a.Content {
			merged[k] = v
		}
		a.Content = merged
	}
	for k, v := range output {
		a.Content[k] = v
	}
	now := time.Now().UTC()
	a.Status = store.ArtifactDone
	a.CompletedAt = &now
	a.LastError = ""
	s.db.artifacts[id] = a
	return nil
}

func (s *artifactStore) MarkFailed(_ context.Context, id uuid.UUID, procErr string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.artifacts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = store.ArtifactFailed
	a.LastError = procErr
	s.db.artifacts[id] = a
	return nil
}

// --- jobs ---

type jobStore struct{ db *memDB }

func (s *jobStore) Enqueue(_ context.Context, job *store.JobData) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = store.GenNewID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = store.JobQueued
	}
	s.db.jobs[job.ID] = *job
	s.db.nextSeq(job.ID)
	return nil
}

func (s *jobStore) Get(_ context.Context, id uuid.UUID) (*store.JobData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := j
	return &out, nil
}

func (s *jobStore) LeaseNext(_ context.Context) (*store.JobData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var oldest *store.JobData
	for id := range s.db.jobs {
		j := s.db.jobs[id]
		if j.Status != store.JobQueued {
			continue
		}
		if oldest == nil || s.db.before(j.ID, oldest.ID, j.CreatedAt, oldest.CreatedAt) {
			copy := j
			oldest = &copy
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	oldest.Status = store.JobRunning
	oldest.StartedAt = &now
	s.db.jobs[oldest.ID] = *oldest
	out := *oldest
	return &out, nil
}

func (s *jobStore) Finish(_ context.Context, id uuid.UUID, status string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != store.JobRunning {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	j.Status = status
	j.FinishedAt = &now
	s.db.jobs[id] = j
	return nil
}

func (s *jobStore) FlipToExecute(_ context.Context, id uuid.UUID, payload map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Mode != store.JobClassify || j.Status != store.JobQueued {
		return store.ErrConflict
	}
	j.Mode = store.JobExecute
	if j.Payload == nil {
		j.Payload = make(map[string]any)
	} else {
		merged := make(map[string]any, len(j.Payload)+len(payload))
		for k, v := range j.Payload {
			merged[k] = v
		}
		j.Payload = merged
	}
	for k, v := range payload {
		j.Payload[k] = v
	}
	s.db.jobs[id] = j
	return nil
}

func (s *jobStore) FailStaleRunning(_ context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, j := range s.db.jobs {
		if j.Status == store.JobRunning {
			j.Status = store.JobFailed
			j.FinishedAt = &now
			s.db.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *jobStore) CountByStatusSince(_ context.Context, since time.Time) (map[string]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make(map[string]int64)
	for _, j := range s.db.jobs {
		if !j.CreatedAt.Before(since) {
			out[j.Status]++
		}
	}
	return out, nil
}

// --- approvals ---

type approvalStore struct{ db *memDB }

func (s *approvalStore) Create(_ context.Context, a *store.ApprovalData) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if a.JobID != nil {
		for _, other := range s.db.approvals {
			if other.JobID != nil && *other.JobID == *a.JobID && other.Status == store.ApprovalPending {
				return store.ErrConflict
			}
		}
	}
	if a.ID == uuid.Nil {
		a.ID = store.GenNewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = store.ApprovalPending
	}
	s.db.approvals[a.ID] = *a
	return nil
}

func (s *approvalStore) Get(_ context.Context, id uuid.UUID) (*store.ApprovalData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.approvals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := a
	return &out, nil
}

func (s *approvalStore) PendingForJob(_ context.Context, jobID uuid.UUID) (*store.ApprovalData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, a := range s.db.approvals {
		if a.JobID != nil && *a.JobID == jobID && a.Status == store.ApprovalPending {
			out := a
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *approvalStore) Resolve(_ context.Context, id uuid.UUID, status string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.approvals[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status != store.ApprovalPending {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	a.Status = status
	a.ResolvedAt = &now
	s.db.approvals[id] = a
	return nil
}

func (s *approvalStore) SupersedeForThread(_ context.Context, threadID uuid.UUID) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, a := range s.db.approvals {
		if a.ThreadID == threadID && a.Status == store.ApprovalPending {
			a.Status = store.ApprovalSuperseded
			a.ResolvedAt = &now
			s.db.approvals[id] = a
			n++
		}
	}
	return n, nil
}

func (s *approvalStore) SetPromptMessageID(_ context.Context, id uuid.UUID, messageID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.approvals[id]
	if !ok {
		return store.ErrNotFound
	}
	a.PromptMessageID = messageID
	s.db.approvals[id] = a
	return nil
}

// --- ledger ---

type ledgerStore struct{ db *memDB }

func (s *ledgerStore) Log(_ context.Context, e *store.LedgerEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.TokensTotal = e.TokensInput + e.TokensOutput
	s.db.ledger = append(s.db.ledger, *e)
	return nil
}

func (s *ledgerStore) DailyUsage(_ context.Context, scope string, at time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var total int64
	for _, e := range s.db.ledger {
		if e.Scope == scope && sameUTCDay(e.CreatedAt, at) {
			total += e.TokensTotal
		}
	}
	return total, nil
}

func (s *ledgerStore) DailyUsageByScope(_ context.Context, at time.Time) (map[string]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make(map[string]int64)
	for _, e := range s.db.ledger {
		if sameUTCDay(e.CreatedAt, at) {
			out[e.Scope] += e.TokensTotal
		}
	}
	return out, nil
}

func sameUTCDay(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// --- tasks ---

type taskStore struct{ db *memDB }

func priorityRank(p string) int {
	switch p {
	case store.PriorityCritical:
		return 0
	case store.PriorityHigh:
		return 1
	case store.PriorityMedium:
		return 2
	default:
		return 3
	}
}

func sourceRank(s string) int {
	if s == store.SourceMaster {
		return 0
	}
	return 1
}

func (s *taskStore) Create(_ context.Context, t *store.TaskData) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
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
	s.db.tasks[t.ID] = *t
	s.db.nextSeq(t.ID)
	if t.GoalID != nil {
		if g, ok := s.db.goals[*t.GoalID]; ok {
			g.TotalTasks++
			g.UpdatedAt = time.Now().UTC()
			s.db.goals[*t.GoalID] = g
		}
	}
	return nil
}

func (s *taskStore) Get(_ context.Context, id uuid.UUID) (*store.TaskData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := t
	return &out, nil
}

func (s *taskStore) NextPending(_ context.Context) (*store.TaskData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	roots := s.pendingRootsLocked()
	if len(roots) == 0 {
		return nil, store.ErrNotFound
	}
	t := roots[0]

	for {
		child, ok := s.firstPendingChildLocked(t.ID)
		if !ok {
			out := t
			return &out, nil
		}
		t = child
	}
}

func (s *taskStore) pendingRootsLocked() []store.TaskData {
	var roots []store.TaskData
	for _, t := range s.db.tasks {
		if t.Status == store.TaskPending && t.Depth == 0 {
			roots = append(roots, t)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		a, b := roots[i], roots[j]
		if sourceRank(a.Source) != sourceRank(b.Source) {
			return sourceRank(a.Source) < sourceRank(b.Source)
		}
		if priorityRank(a.Priority) != priorityRank(b.Priority) {
			return priorityRank(a.Priority) < priorityRank(b.Priority)
		}
		return s.db.before(a.ID, b.ID, a.CreatedAt, b.CreatedAt)
	})
	return roots
}

func (s *taskStore) firstPendingChildLocked(parentID uuid.UUID) (store.TaskData, bool) {
	var best store.TaskData
	found := false
	for _, t := range s.db.tasks {
		if t.ParentID != nil && *t.ParentID == parentID && t.Status == store.TaskPending {
			if !found || t.OrderIndex < best.OrderIndex {
				best = t
				found = true
			}
		}
	}
	return best, found
}

func (s *taskStore) MarkRunning(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != store.TaskPending {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	s.applyStatusLocked(&t, store.TaskRunning)
	t.StartedAt = &now
	s.db.tasks[id] = t
	return nil
}

func (s *taskStore) ResetStaleRunning(_ context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for id, t := range s.db.tasks {
		if t.Status == store.TaskRunning {
			s.applyStatusLocked(&t, store.TaskPending)
			t.StartedAt = nil
			s.db.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (s *taskStore) Update(_ context.Context, id uuid.UUID, updates map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	for col, v := range updates {
		switch col {
		case "status":
			s.applyStatusLocked(&t, v.(string))
		case "attempts":
			t.Attempts = toInt(v)
		case "last_result":
			t.LastResult = v.(string)
		case "completed_at":
			tm := v.(time.Time)
			t.CompletedAt = &tm
		case "started_at":
			tm := v.(time.Time)
			t.StartedAt = &tm
		case "priority":
			t.Priority = v.(string)
		}
	}
	s.db.tasks[id] = t
	return nil
}

// applyStatusLocked changes the status and keeps goal counters in sync, the
// way the Postgres trigger does.
func (s *taskStore) applyStatusLocked(t *store.TaskData, status string) {
	old := t.Status
	t.Status = status
	if t.GoalID == nil || old == status {
		return
	}
	g, ok := s.db.goals[*t.GoalID]
	if !ok {
		return
	}
	if status == store.TaskCompleted {
		g.CompletedTasks++
	}
	if old == store.TaskCompleted {
		g.CompletedTasks--
	}
	if status == store.TaskFailed {
		g.FailedTasks++
	}
	if old == store.TaskFailed {
		g.FailedTasks--
	}
	g.UpdatedAt = time.Now().UTC()
	s.db.goals[*t.GoalID] = g
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func (s *taskStore) PendingChildren(_ context.Context, parentID uuid.UUID) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, t := range s.db.tasks {
		if t.ParentID != nil && *t.ParentID == parentID &&
			(t.Status == store.TaskPending || t.Status == store.TaskRunning) {
			n++
		}
	}
	return n, nil
}

func (s *taskStore) Children(_ context.Context, parentID uuid.UUID) ([]store.TaskData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []store.TaskData
	for _, t := range s.db.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (s *taskStore) ListPending(_ context.Context, limit int) ([]store.TaskData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if limit <= 0 {
		limit = 10
	}
	roots := s.pendingRootsLocked()
	if len(roots) > limit {
		roots = roots[:limit]
	}
	return roots, nil
}

// --- goals ---

type goalStore struct{ db *memDB }

func (s *goalStore) Create(_ context.Context, g *store.GoalData) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
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
	s.db.goals[g.ID] = *g
	return nil
}

func (s *goalStore) Get(_ context.Context, id uuid.UUID) (*store.GoalData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.goals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := g
	return &out, nil
}

func (s *goalStore) Update(_ context.Context, id uuid.UUID, updates map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.goals[id]
	if !ok {
		return store.ErrNotFound
	}
	for col, v := range updates {
		switch col {
		case "status":
			g.Status = v.(string)
		case "verified_by_master":
			g.VerifiedByMaster = v.(bool)
		case "master_feedback":
			g.MasterFeedback = v.(string)
		}
	}
	g.UpdatedAt = time.Now().UTC()
	s.db.goals[id] = g
	return nil
}

func (s *goalStore) ListNeedingAttention(_ context.Context) ([]store.GoalData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []store.GoalData
	for _, g := range s.db.goals {
		if g.NeedsAttention() {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- deployments ---

type deploymentStore struct{ db *memDB }

func (s *deploymentStore) Create(_ context.Context, d *store.DeploymentData) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = store.DeployBuilding
	}
	s.db.deployments = append(s.db.deployments, *d)
	return nil
}

func (s *deploymentStore) Finish(_ context.Context, id uuid.UUID, status, report string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for i := range s.db.deployments {
		if s.db.deployments[i].ID == id {
			now := time.Now().UTC()
			s.db.deployments[i].Status = status
			s.db.deployments[i].FinishedAt = &now
			s.db.deployments[i].Report = report
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *deploymentStore) Latest(_ context.Context) (*store.DeploymentData, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if len(s.db.deployments) == 0 {
		return nil, store.ErrNotFound
	}
	out := s.db.deployments[len(s.db.deployments)-1]
	return &out, nil
}

// --- memory ---

type memoryStore struct{ db *memDB }

func (s *memoryStore) Append(_ context.Context, e *store.MemoryEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = store.GenNewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.db.memory = append(s.db.memory, *e)
	return nil
}

func (s *memoryStore) Recent(_ context.Context, kind string, n int) ([]store.MemoryEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if n <= 0 {
		n = 10
	}
	var out []store.MemoryEntry
	for i := len(s.db.memory) - 1; i >= 0 && len(out) < n; i-- {
		if s.db.memory[i].Kind == kind {
			out = append(out, s.db.memory[i])
		}
	}
	return out, nil
}

// Dump helpers used by tests to assert on raw state.

// AllJobs returns every job sorted by creation order.
func AllJobs(s *store.Stores) []store.JobData {
	db := s.Jobs.(*jobStore).db
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []store.JobData
	for _, j := range db.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		return db.before(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	return out
}

// AllApprovals returns every approval sorted by creation time.
func AllApprovals(s *store.Stores) []store.ApprovalData {
	db := s.Approvals.(*approvalStore).db
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []store.ApprovalData
	for _, a := range db.approvals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AllLedger returns every ledger row, optionally filtered by scope.
func AllLedger(s *store.Stores, scope string) []store.LedgerEntry {
	db := s.Ledger.(*ledgerStore).db
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []store.LedgerEntry
	for _, e := range db.ledger {
		if scope == "" || e.Scope == scope {
			out = append(out, e)
		}
	}
	return out
}

// AllArtifacts returns every artifact sorted by creation time.
func AllArtifacts(s *store.Stores) []store.ArtifactData {
	db := s.Artifacts.(*artifactStore).db
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []store.ArtifactData
	for _, a := range db.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return db.before(out[i].ID, out[j].ID, out[i].CreatedAt, out[j].CreatedAt)
	})
	return out
}

// ThreadByExternal finds a thread by its platform key.
func ThreadByExternal(s *store.Stores, platform, externalChatID string) (*store.ThreadData, bool) {
	db := s.Threads.(*threadStore).db
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, t := range db.threads {
		if t.Platform == platform && strings.EqualFold(t.ExternalChatID, externalChatID) {
			out := t
			return &out, true
		}
	}
	return nil, false
}
