package reactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/telegram"
)

const executorSystemPrompt = `You are a capable personal assistant agent talking to your user over chat.
Use the conversation context and the intake notes to produce the best response.
Be direct and concise. If the intake plan describes an action, carry it out and report what you did.`

// approvalOutcome is the terminal result of the wait loop.
type approvalOutcome int

const (
	outcomeApproved approvalOutcome = iota
	outcomeRejected
	outcomeSuperseded
	outcomeTimeout
)

// handleExecute runs the capable model, gated by the approval sub-protocol
// when the classification asked for confirmation.
func (w *Worker) handleExecute(ctx context.Context, job *store.JobData) error {
	cls := classificationFromPayload(job.Payload)

	chatID, err := w.threadChatID(ctx, job.ThreadID)
	if err != nil {
		return err
	}

	if cls.NeedsConfirmation {
		outcome, err := w.runApproval(ctx, job, chatID, cls)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeApproved:
			// fall through to execution
		case outcomeRejected:
			_, err := w.bot.Send(ctx, chatID, "Okay, I won't do that.")
			return err
		case outcomeSuperseded:
			// A newer message took over; finish quietly.
			slog.Info("approval superseded, skipping execution", "job_id", job.ID)
			return nil
		case outcomeTimeout:
			_, err := w.bot.Send(ctx, chatID, "⏰ Approval timed out, so I didn't proceed.")
			return err
		}
	}

	window, err := w.buildWindow(ctx, job.ThreadID, w.cfg.Reactive.HistoryLimit)
	if err != nil {
		return err
	}
	prompt := window + "\nIntake notes:\n" +
		"Intent: " + cls.Intent + "\n" +
		"Summary: " + cls.Summary + "\n" +
		"Plan: " + cls.Plan + "\n"

	resp, err := w.callProvider(ctx, w.executor, executorSystemPrompt, prompt,
		w.cfg.Providers.ExecutorTimeout,
		map[string]any{"job_id": job.ID.String(), "stage": "execute", "model": w.executor.DefaultModel()})
	if err != nil {
		return fmt.Errorf("executor call: %w", err)
	}
	if resp.Content == "" {
		return fmt.Errorf("executor returned empty response")
	}

	return w.respond(ctx, job, chatID, resp.Content)
}

// handleAnswer sends the payload text verbatim. Used for trivial flows that
// skip classification.
func (w *Worker) handleAnswer(ctx context.Context, job *store.JobData) error {
	text, _ := job.Payload["text"].(string)
	if text == "" {
		return fmt.Errorf("answer job without text payload")
	}
	chatID, err := w.threadChatID(ctx, job.ThreadID)
	if err != nil {
		return err
	}
	return w.respond(ctx, job, chatID, text)
}

// respond persists the assistant turn and delivers it, splitting long text.
func (w *Worker) respond(ctx context.Context, job *store.JobData, chatID int64, text string) error {
	msgID, err := telegram.SendSplit(ctx, w.bot, chatID, text)
	if err != nil {
		return fmt.Errorf("send response: %w", err)
	}

	assistant := &store.MessageData{
		ID:                store.GenNewID(),
		ThreadID:          job.ThreadID,
		ExternalMessageID: strconv.Itoa(msgID),
		Role:              store.RoleAssistant,
		Text:              text,
		RawPayload:        map[string]any{"job_id": job.ID.String()},
	}
	if err := w.stores.Messages.Create(ctx, assistant); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return w.stores.Threads.Touch(ctx, job.ThreadID)
}

// runApproval creates the pending approval, sends the button prompt, and
// polls until a terminal outcome.
func (w *Worker) runApproval(ctx context.Context, job *store.JobData, chatID int64, cls *Classification) (approvalOutcome, error) {
	proposal := cls.Plan
	if proposal == "" {
		proposal = cls.Summary
	}

	jobID := job.ID
	approval := &store.ApprovalData{
		ID:           store.GenNewID(),
		ThreadID:     job.ThreadID,
		JobID:        &jobID,
		ProposalText: proposal,
		Status:       store.ApprovalPending,
	}
	if err := w.stores.Approvals.Create(ctx, approval); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A pending approval for this job already exists (worker restart
			// mid-protocol); wait on it instead.
			existing, lookupErr := w.stores.Approvals.PendingForJob(ctx, job.ID)
			if lookupErr != nil {
				return 0, fmt.Errorf("find existing approval: %w", lookupErr)
			}
			return w.waitForApproval(ctx, chatID, existing.ID)
		}
		return 0, fmt.Errorf("create approval: %w", err)
	}

	promptText := "I'd like to:\n\n" + proposal + "\n\nShould I proceed?"
	msgID, err := w.bot.SendWithKeyboard(ctx, chatID, promptText, telegram.ApprovalKeyboard(approval.ID.String()))
	if err != nil {
		return 0, fmt.Errorf("send approval prompt: %w", err)
	}
	if err := w.stores.Approvals.SetPromptMessageID(ctx, approval.ID, strconv.Itoa(msgID)); err != nil {
		slog.Warn("store prompt message id failed", "approval_id", approval.ID, "error", err)
	}

	return w.waitForApproval(ctx, chatID, approval.ID)
}

// waitForApproval polls the approval row until resolution or timeout. On
// timeout the prompt keyboard is removed so a dead button cannot be pressed.
func (w *Worker) waitForApproval(ctx context.Context, chatID int64, approvalID uuid.UUID) (approvalOutcome, error) {
	poll := w.cfg.Reactive.ApprovalPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	deadline := time.Now().Add(w.cfg.Reactive.ApprovalTimeout)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		a, err := w.stores.Approvals.Get(ctx, approvalID)
		if err != nil {
			return 0, fmt.Errorf("poll approval: %w", err)
		}
		switch a.Status {
		case store.ApprovalApproved:
			return outcomeApproved, nil
		case store.ApprovalRejected:
			return outcomeRejected, nil
		case store.ApprovalSuperseded:
			return outcomeSuperseded, nil
		}

		if time.Now().After(deadline) {
			if a.PromptMessageID != "" {
				if msgID, convErr := strconv.Atoi(a.PromptMessageID); convErr == nil {
					if err := w.bot.RemoveKeyboard(ctx, chatID, msgID); err != nil {
						slog.Warn("remove stale approval keyboard failed", "error", err)
					}
				}
			}
			return outcomeTimeout, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
