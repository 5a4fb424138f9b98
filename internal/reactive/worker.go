// Package reactive hosts the job-queue worker driving the per-message state
// machine: classify, optional approval, execute, respond.
package reactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/telegram"
)

// Worker drains the reactive job queue. One job is in flight per Worker;
// run several Workers for parallelism.
type Worker struct {
	stores     *store.Stores
	bot        telegram.Transport
	classifier providers.Provider
	executor   providers.Provider
	cfg        *config.Config
	wake       chan struct{}
}

func NewWorker(stores *store.Stores, bot telegram.Transport, classifier, executor providers.Provider, cfg *config.Config) *Worker {
	return &Worker{
		stores:     stores,
		bot:        bot,
		classifier: classifier,
		executor:   executor,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}
}

// Wake short-circuits the idle sleep. Non-blocking; safe from any goroutine.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run leases and handles jobs until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("reactive worker started")
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("reactive worker stopped")
			return err
		}

		job, err := w.stores.Jobs.LeaseNext(ctx)
		if errors.Is(err, store.ErrNotFound) {
			w.idle(ctx)
			continue
		}
		if err != nil {
			slog.Error("lease job failed", "error", err)
			w.idle(ctx)
			continue
		}

		w.Handle(ctx, job)
	}
}

// idle sleeps between the configured poll bounds, or less if woken.
func (w *Worker) idle(ctx context.Context) {
	min, max := w.cfg.Reactive.IdlePollMin, w.cfg.Reactive.IdlePollMax
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max <= min {
		max = min + 150*time.Millisecond
	}
	d := min + time.Duration(rand.Int63n(int64(max-min)))
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-time.After(d):
	}
}

// Handle runs one leased job to its terminal state.
func (w *Worker) Handle(ctx context.Context, job *store.JobData) {
	slog.Debug("handling job", "job_id", job.ID, "mode", job.Mode, "thread_id", job.ThreadID)

	var err error
	switch job.Mode {
	case store.JobClassify:
		err = w.handleClassify(ctx, job)
	case store.JobExecute, store.JobPlan:
		err = w.handleExecute(ctx, job)
	case store.JobAnswer:
		err = w.handleAnswer(ctx, job)
	default:
		err = fmt.Errorf("unknown job mode %q", job.Mode)
	}

	if err != nil {
		slog.Error("job failed", "job_id", job.ID, "mode", job.Mode, "error", err)
		if ferr := w.stores.Jobs.Finish(ctx, job.ID, store.JobFailed); ferr != nil {
			slog.Error("finish job failed", "job_id", job.ID, "error", ferr)
		}
		w.sendErrorNotice(ctx, job)
		return
	}

	if err := w.stores.Jobs.Finish(ctx, job.ID, store.JobDone); err != nil {
		slog.Error("finish job failed", "job_id", job.ID, "error", err)
	}
}

// handleClassify runs the fast classifier and enqueues the execute job.
func (w *Worker) handleClassify(ctx context.Context, job *store.JobData) error {
	window, err := w.buildWindow(ctx, job.ThreadID, w.cfg.Reactive.HistoryLimit)
	if err != nil {
		return err
	}

	resp, err := w.callProvider(ctx, w.classifier, classifierSystemPrompt, window,
		w.cfg.Providers.ClassifierTimeout,
		map[string]any{"job_id": job.ID.String(), "stage": "classify", "model": w.classifier.DefaultModel()})
	if err != nil {
		return fmt.Errorf("classifier call: %w", err)
	}

	cls, err := ParseClassification(resp.Content)
	if err != nil {
		return err
	}
	slog.Info("message classified", "job_id", job.ID, "intent", cls.Intent,
		"needs_confirmation", cls.NeedsConfirmation, "confidence", cls.Confidence)

	// Task-intent messages from the operator become durable tasks on top of
	// the normal reply flow.
	if cls.Intent == IntentTask && cls.Task != nil {
		if err := w.maybeCreateTask(ctx, job, cls.Task); err != nil {
			return err
		}
	}

	next := &store.JobData{
		ID:               store.GenNewID(),
		ThreadID:         job.ThreadID,
		TriggerMessageID: job.TriggerMessageID,
		Mode:             store.JobExecute,
		Status:           store.JobQueued,
		Payload:          payloadFromClassification(cls),
	}
	if err := w.stores.Jobs.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("enqueue execute job: %w", err)
	}
	w.Wake()
	return nil
}

// maybeCreateTask persists a classified task when the counterparty is the
// operator. Non-operator chats converse but cannot assign work.
func (w *Worker) maybeCreateTask(ctx context.Context, job *store.JobData, spec *TaskSpec) error {
	thread, err := w.stores.Threads.Get(ctx, job.ThreadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if !w.cfg.IsMaster(thread.ExternalChatID) {
		slog.Debug("task intent from non-master chat ignored", "thread_id", thread.ID)
		return nil
	}
	task := &store.TaskData{
		ID:           store.GenNewID(),
		Title:        spec.Title,
		Description:  spec.Description,
		GoalCriteria: spec.GoalCriteria,
		Priority:     store.PriorityHigh,
		Status:       store.TaskPending,
		Source:       store.SourceMaster,
		MaxAttempts:  store.DefaultMaxAttempts,
	}
	if err := w.stores.Tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("create classified task: %w", err)
	}
	slog.Info("task created from chat", "task_id", task.ID, "title", task.Title)
	return nil
}

// sendErrorNotice tells the user their message hit an internal error.
func (w *Worker) sendErrorNotice(ctx context.Context, job *store.JobData) {
	chatID, err := w.threadChatID(ctx, job.ThreadID)
	if err != nil {
		slog.Warn("cannot send error notice", "job_id", job.ID, "error", err)
		return
	}
	if _, err := w.bot.Send(ctx, chatID, "⚠️ Something went wrong handling your message. Please try again."); err != nil {
		slog.Warn("error notice send failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) threadChatID(ctx context.Context, threadID uuid.UUID) (int64, error) {
	thread, err := w.stores.Threads.Get(ctx, threadID)
	if err != nil {
		return 0, err
	}
	chatID, err := strconv.ParseInt(thread.ExternalChatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("thread %s has non-numeric chat id %q", threadID, thread.ExternalChatID)
	}
	return chatID, nil
}
