package proactive

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

// maxMeditation caps a meditate action at ten minutes.
const maxMeditation = 600

// priorityMarkers prefix outbound communicate messages.
var priorityMarkers = map[string]string{
	"low":    "",
	"medium": "",
	"high":   "❗ ",
	"urgent": "‼️ ",
}

// dispatch runs the chosen action handler. Every handler returns a result
// map that feeds the cycle summary.
func (s *Scheduler) dispatch(ctx context.Context, d *Decision) (map[string]any, error) {
	switch d.Action {
	case ActionDevelopSkill:
		return s.actDevelopSkill(ctx, d)
	case ActionWorkOnTask:
		return s.actWorkOnTask(ctx, d)
	case ActionMeditate:
		return s.actMeditate(ctx, d)
	case ActionCommunicate:
		return s.actCommunicate(ctx, d)
	case ActionAskMaster:
		return s.actAskMaster(ctx, d)
	case ActionProactiveOutreach:
		return s.actProactiveOutreach(ctx, d)
	default:
		return nil, fmt.Errorf("no handler for action %q", d.Action)
	}
}

func (s *Scheduler) actDevelopSkill(ctx context.Context, d *Decision) (map[string]any, error) {
	name := detailString(d.Details, "skill_name")
	approach := detailString(d.Details, "approach")
	slog.Info("skill development initiated", "skill", name, "approach", approach)

	// The intent is durable; actual practice happens through self-sourced
	// tasks the agent creates for itself.
	task := &store.TaskData{
		ID:          store.GenNewID(),
		Title:       "Develop skill: " + name,
		Description: approach,
		Priority:    store.PriorityLow,
		Status:      store.TaskPending,
		Source:      store.SourceSelf,
		MaxAttempts: store.DefaultMaxAttempts,
	}
	if err := s.stores.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create skill task: %w", err)
	}
	return map[string]any{
		"skill_name": name,
		"status":     "initiated",
		"task_id":    task.ID.String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// actWorkOnTask validates the target; real execution belongs to the
// scheduler's task path, which picks pending work ahead of LLM decisions.
func (s *Scheduler) actWorkOnTask(ctx context.Context, d *Decision) (map[string]any, error) {
	idStr := detailString(d.Details, "task_id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("work_on_task: bad task id %q", idStr)
	}
	task, err := s.stores.Tasks.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("work_on_task: task %s does not exist", idStr)
	}
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskPending {
		return map[string]any{"task_id": idStr, "status": task.Status, "note": "not pending"}, nil
	}
	return map[string]any{"task_id": idStr, "status": "scheduled"}, nil
}

func (s *Scheduler) actMeditate(ctx context.Context, d *Decision) (map[string]any, error) {
	duration := detailSeconds(d.Details, "duration")
	if duration > maxMeditation {
		duration = maxMeditation
	}
	if duration < 0 {
		duration = 0
	}
	topic := detailString(d.Details, "reflection_topic")
	slog.Info("meditating", "duration_s", duration, "topic", topic)

	start := time.Now()
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(duration) * time.Second):
	}
	elapsed := int(time.Since(start).Seconds())
	return map[string]any{"requested_s": duration, "elapsed_s": elapsed, "topic": topic}, nil
}

func (s *Scheduler) actCommunicate(ctx context.Context, d *Decision) (map[string]any, error) {
	recipient := detailString(d.Details, "recipient")
	message := detailString(d.Details, "message")
	marker := priorityMarkers[detailString(d.Details, "priority")]
	text := marker + message

	if recipient == "master" || recipient == "" {
		if err := s.notifyMaster(ctx, text); err != nil {
			return nil, err
		}
		return map[string]any{"recipient": "master", "delivered": true}, nil
	}

	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("communicate: bad recipient %q", recipient)
	}
	if _, err := telegram.SendSplit(ctx, s.bot, chatID, text); err != nil {
		return nil, fmt.Errorf("communicate send: %w", err)
	}
	return map[string]any{"recipient": recipient, "delivered": true}, nil
}

// actAskMaster sends the question with approve/deny buttons backed by a
// placeholder approval row, then waits for the operator.
func (s *Scheduler) actAskMaster(ctx context.Context, d *Decision) (map[string]any, error) {
	question := detailString(d.Details, "question")
	context_ := detailString(d.Details, "context")

	masterChat, err := s.masterChatID()
	if err != nil {
		return nil, err
	}
	thread, err := s.stores.Threads.GetOrCreate(ctx, "telegram", strconv.FormatInt(masterChat, 10))
	if err != nil {
		return nil, fmt.Errorf("ask_master thread: %w", err)
	}

	approval := &store.ApprovalData{
		ID:           store.GenNewID(),
		ThreadID:     thread.ID,
		JobID:        nil, // placeholder approval, no reactive job behind it
		ProposalText: question,
		Status:       store.ApprovalPending,
	}
	if err := s.stores.Approvals.Create(ctx, approval); err != nil {
		return nil, fmt.Errorf("create placeholder approval: %w", err)
	}

	text := "🤔 " + question
	if context_ != "" {
		text += "\n\nContext: " + context_
	}
	msgID, err := s.bot.SendWithKeyboard(ctx, masterChat, text, telegram.ApprovalKeyboard(approval.ID.String()))
	if err != nil {
		return nil, fmt.Errorf("send ask_master prompt: %w", err)
	}
	if err := s.stores.Approvals.SetPromptMessageID(ctx, approval.ID, strconv.Itoa(msgID)); err != nil {
		slog.Warn("store ask_master prompt id failed", "error", err)
	}

	status, answer := s.waitForResolution(ctx, masterChat, approval.ID)
	return map[string]any{"status": status, "answer": answer, "question": question}, nil
}

// promptLowCertainty records a placeholder approval for a decision under the
// certainty gate and sends the operator a keyboard prompt describing the
// intended action. The caller does not wait on the answer.
func (s *Scheduler) promptLowCertainty(ctx context.Context, d *Decision) error {
	masterChat, err := s.masterChatID()
	if err != nil {
		return err
	}
	thread, err := s.stores.Threads.GetOrCreate(ctx, "telegram", strconv.FormatInt(masterChat, 10))
	if err != nil {
		return fmt.Errorf("low-certainty thread: %w", err)
	}

	proposal := fmt.Sprintf("Low-certainty action (%.2f): %s\n%s", d.Certainty, d.Action, d.Reasoning)
	approval := &store.ApprovalData{
		ID:           store.GenNewID(),
		ThreadID:     thread.ID,
		JobID:        nil,
		ProposalText: proposal,
		Status:       store.ApprovalPending,
	}
	if err := s.stores.Approvals.Create(ctx, approval); err != nil {
		return fmt.Errorf("create low-certainty approval: %w", err)
	}

	msgID, err := s.bot.SendWithKeyboard(ctx, masterChat, "🤖 "+proposal, telegram.ApprovalKeyboard(approval.ID.String()))
	if err != nil {
		return fmt.Errorf("send low-certainty prompt: %w", err)
	}
	if err := s.stores.Approvals.SetPromptMessageID(ctx, approval.ID, strconv.Itoa(msgID)); err != nil {
		slog.Warn("store low-certainty prompt id failed", "error", err)
	}
	return nil
}

// waitForResolution polls a placeholder approval until resolved or timeout.
// A timed-out prompt loses its buttons so it cannot be answered later.
func (s *Scheduler) waitForResolution(ctx context.Context, chatID int64, approvalID uuid.UUID) (status, answer string) {
	poll := s.cfg.Reactive.ApprovalPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	deadline := time.Now().Add(s.cfg.Reactive.ApprovalTimeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		a, err := s.stores.Approvals.Get(ctx, approvalID)
		if err != nil {
			slog.Error("poll placeholder approval failed", "error", err)
			return "error", ""
		}
		switch a.Status {
		case store.ApprovalApproved:
			return "answered", "approved"
		case store.ApprovalRejected:
			return "answered", "rejected"
		case store.ApprovalSuperseded:
			return "superseded", ""
		}
		if time.Now().After(deadline) {
			if a.PromptMessageID != "" {
				if msgID, convErr := strconv.Atoi(a.PromptMessageID); convErr == nil {
					if err := s.bot.RemoveKeyboard(ctx, chatID, msgID); err != nil {
						slog.Warn("remove ask_master keyboard failed", "error", err)
					}
				}
			}
			return "timeout", ""
		}
		select {
		case <-ctx.Done():
			return "canceled", ""
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) actProactiveOutreach(ctx context.Context, d *Decision) (map[string]any, error) {
	chatStr := detailString(d.Details, "chat_id")
	message := detailString(d.Details, "message")
	purpose := detailString(d.Details, "purpose")

	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("proactive_outreach: bad chat id %q", chatStr)
	}
	if _, err := telegram.SendSplit(ctx, s.bot, chatID, message); err != nil {
		return nil, fmt.Errorf("proactive_outreach send: %w", err)
	}
	return map[string]any{"chat_id": chatStr, "purpose": purpose, "delivered": true}, nil
}
