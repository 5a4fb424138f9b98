// Package proactive hosts the idle-time scheduler: dynamic-interval cycles
// that execute pending tasks or ask the LLM what to do next, under a daily
// token budget.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/restart"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/tasks"
	"github.com/nextlevelbuilder/vigil/internal/telegram"
)

const decisionSystemPrompt = `You are the autonomous core of a personal agent deciding what to do with idle time.
Choose exactly one action and respond with ONLY a JSON object:
{
  "action": "develop_skill" | "work_on_task" | "communicate" | "meditate" | "ask_master" | "proactive_outreach",
  "certainty": <0.0-1.0, how sure you are this is the right move>,
  "significance": <0.0-1.0, how much the outcome matters to the operator>,
  "type": "internal" | "external",
  "reasoning": "<one sentence>",
  "details": { ...action-specific fields... }
}
Detail fields: develop_skill {skill_name, approach}; work_on_task {task_id, approach};
communicate {recipient, message, priority}; meditate {duration, reflection_topic};
ask_master {question, context}; proactive_outreach {chat_id, message, purpose}.`

// Scheduler is the proactive loop. Strictly sequential; one cycle at a time.
type Scheduler struct {
	stores   *store.Stores
	bot      telegram.Transport
	brain    providers.Provider // decision LLM
	taskExec *tasks.Executor
	budget   *Budget
	cfg      *config.Config
	restart  *restart.Restarter // nil disables self-restart

	cycle          int64
	rateLimitUntil time.Time
	lastDigestDay  string
	exhaustedDay   string // last UTC day a budget-exhausted notice went out
}

func NewScheduler(stores *store.Stores, bot telegram.Transport, brain providers.Provider, taskExec *tasks.Executor, cfg *config.Config, restarter *restart.Restarter) *Scheduler {
	return &Scheduler{
		stores:   stores,
		bot:      bot,
		brain:    brain,
		taskExec: taskExec,
		budget:   NewBudget(stores.Ledger, cfg.Budget),
		cfg:      cfg,
		restart:  restarter,
	}
}

// Run cycles until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("proactive scheduler started",
		"min_interval", s.cfg.Proactive.MinInterval, "max_interval", s.cfg.Proactive.MaxInterval,
		"daily_limit", s.budget.Limit())

	for {
		interval := s.Cycle(ctx)
		select {
		case <-ctx.Done():
			slog.Info("proactive scheduler stopped")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Cycle runs one iteration and returns the sleep before the next.
func (s *Scheduler) Cycle(ctx context.Context) time.Duration {
	s.cycle++
	now := time.Now().UTC()

	// 1. Rate-limit cooldown.
	if now.Before(s.rateLimitUntil) {
		wait := time.Until(s.rateLimitUntil)
		slog.Info("rate limit cooldown", "until", s.rateLimitUntil, "wait", wait)
		select {
		case <-ctx.Done():
			return time.Second
		case <-time.After(wait):
		}
		s.rateLimitUntil = time.Time{}
		s.notifyMasterBestEffort(ctx, "✅ Rate limit lifted, resuming proactive work.")
	}

	s.maybeSendDigest(ctx, now)

	// 2. Budget hard floor.
	below, used, err := s.budget.BelowFloor(ctx)
	if err != nil {
		slog.Error("budget check failed", "error", err)
		return s.interval(used)
	}
	if below {
		day := now.Format("2006-01-02")
		if s.exhaustedDay != day {
			s.exhaustedDay = day
			s.notifyMasterBestEffort(ctx, fmt.Sprintf(
				"🛑 Budget Exhausted\nProactive tokens used today: %d / %d. Meditating until tomorrow.",
				used, s.budget.Limit()))
		}
		slog.Info("proactive budget below hard floor, meditating", "used", used)
		return s.interval(used)
	}

	// 3. Pending task path.
	res, err := s.taskExec.ExecuteNext(ctx)
	if err != nil {
		s.handleCycleError(ctx, err)
		return s.currentInterval(ctx)
	}
	if res != nil {
		s.afterTask(ctx, res)
		return s.currentInterval(ctx)
	}

	// 4. Goals needing attention.
	handled, err := s.checkGoals(ctx)
	if err != nil {
		slog.Error("goal attention pass failed", "error", err)
	}
	if handled {
		return s.currentInterval(ctx)
	}

	// 5. Decision path.
	s.decideAndAct(ctx, used)
	return s.currentInterval(ctx)
}

// afterTask handles goal bookkeeping, the self-modification signal, and the
// cycle summary after a task ran.
func (s *Scheduler) afterTask(ctx context.Context, res *tasks.Result) {
	task := res.Task
	slog.Info("proactive cycle executed task", "task_id", task.ID,
		"completed", res.Completed, "decomposed", res.Decompose)

	if task.GoalID != nil {
		if goal, err := s.stores.Goals.Get(ctx, *task.GoalID); err == nil {
			if goal.ReadyForVerification() && goal.Status == store.GoalActive {
				s.notifyMasterBestEffort(ctx, fmt.Sprintf(
					"🎯 Goal ready for verification: %s\nAll %d tasks completed.", goal.Title, goal.TotalTasks))
			} else if goal.FailedTasks > 0 {
				s.notifyMasterBestEffort(ctx, fmt.Sprintf(
					"⚠️ Goal %q has %d failed task(s).", goal.Title, goal.FailedTasks))
			}
		}
	}

	if res.Completed && s.restart != nil && restart.LooksLikeSelfModification(res.Output) {
		s.notifyMasterBestEffort(ctx, "🔄 Runtime code was modified by task \""+task.Title+"\". Restarting shortly.")
		s.restart.Schedule(ctx, "self-modification detected in task output")
	}

	s.writeCycleSummary(ctx, "execute_task", map[string]any{
		"task_id":   task.ID.String(),
		"title":     task.Title,
		"completed": res.Completed,
		"decompose": res.Decompose,
	})
}

// checkGoals settles goals whose tasks have all finished. Returns true when
// a goal consumed this cycle.
func (s *Scheduler) checkGoals(ctx context.Context) (bool, error) {
	goals, err := s.stores.Goals.ListNeedingAttention(ctx)
	if err != nil {
		return false, err
	}
	if len(goals) == 0 {
		return false, nil
	}

	g := goals[0]
	if g.ReadyForVerification() {
		if err := s.stores.Goals.Update(ctx, g.ID, map[string]any{"status": store.GoalCompleted}); err != nil {
			return false, fmt.Errorf("complete goal: %w", err)
		}
		s.notifyMasterBestEffort(ctx, fmt.Sprintf(
			"🎯 Goal completed: %s\n%d/%d tasks done. Reply /status for details.",
			g.Title, g.CompletedTasks, g.TotalTasks))
	} else {
		if err := s.stores.Goals.Update(ctx, g.ID, map[string]any{"status": store.GoalFailed}); err != nil {
			return false, fmt.Errorf("fail goal: %w", err)
		}
		s.notifyMasterBestEffort(ctx, fmt.Sprintf(
			"❌ Goal failed: %s\ncompleted=%d failed=%d of %d tasks.",
			g.Title, g.CompletedTasks, g.FailedTasks, g.TotalTasks))
	}

	s.writeCycleSummary(ctx, "goal_attention", map[string]any{
		"goal_id": g.ID.String(), "title": g.Title,
	})
	return true, nil
}

// decideAndAct asks the LLM for the next action and dispatches it.
func (s *Scheduler) decideAndAct(ctx context.Context, used int64) {
	prompt, err := s.buildDecisionPrompt(ctx, used)
	if err != nil {
		slog.Error("build decision prompt failed", "error", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Providers.ExecutorTimeout)
	resp, err := s.brain.Chat(callCtx, providers.ChatRequest{
		System:   decisionSystemPrompt,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	cancel()
	if err != nil {
		s.handleCycleError(ctx, err)
		return
	}

	entry := &store.LedgerEntry{
		ID:           store.GenNewID(),
		Scope:        store.ScopeProactive,
		Provider:     s.brain.Name(),
		TokensInput:  int64(resp.Usage.InputTokens),
		TokensOutput: int64(resp.Usage.OutputTokens),
		TokensTotal:  int64(resp.Usage.Total()),
		Meta:         map[string]any{"cycle": s.cycle, "model": s.brain.DefaultModel(), "stage": "decision"},
	}
	if err := s.stores.Ledger.Log(ctx, entry); err != nil {
		slog.Error("log decision tokens failed", "error", err)
		return
	}

	decision, err := ParseDecision(resp.Content)
	if err != nil {
		slog.Warn("invalid decision, skipping cycle", "error", err,
			"output", firstN(resp.Content, 300))
		return
	}
	slog.Info("proactive decision", "action", decision.Action,
		"certainty", decision.Certainty, "significance", decision.Significance)

	// Low certainty: the operator gets an approval prompt but the cycle
	// proceeds without waiting for an answer.
	approvalStatus := ""
	if !decision.Autonomous() {
		approvalStatus = "approval_pending"
		if err := s.promptLowCertainty(ctx, decision); err != nil {
			slog.Warn("low-certainty approval prompt failed", "error", err)
		}
	}

	result, err := s.dispatch(ctx, decision)
	status := "ok"
	summary := ""
	if err != nil {
		status = "error"
		summary = err.Error()
		slog.Error("action failed", "action", decision.Action, "error", err)
	} else {
		summary = fmt.Sprintf("%v", result)
	}

	if decision.Autonomous() && decision.Significant() && err == nil {
		s.notifyMasterBestEffort(ctx, fmt.Sprintf(
			"📣 Action taken: %s\n%s\nResult: %s", decision.Action, decision.Reasoning, firstN(summary, 500)))
	}

	extra := map[string]any{
		"certainty":      decision.Certainty,
		"significance":   decision.Significance,
		"result_status":  status,
		"result_summary": firstN(summary, 1000),
	}
	if approvalStatus != "" {
		extra["approval_status"] = approvalStatus
	}
	s.writeCycleSummary(ctx, decision.Action, extra)
	s.writeAroma(ctx, decision)
}

// buildDecisionPrompt assembles recent memory, pending work, and budget
// stats into the cycle prompt.
func (s *Scheduler) buildDecisionPrompt(ctx context.Context, used int64) (string, error) {
	var b strings.Builder

	recent, err := s.stores.Memory.Recent(ctx, store.MemoryCycleSummary, 10)
	if err != nil {
		return "", fmt.Errorf("recall cycle summaries: %w", err)
	}
	b.WriteString("Recent actions (newest first):\n")
	if len(recent) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range recent {
		action, _ := m.Content["action"].(string)
		status, _ := m.Content["result_status"].(string)
		fmt.Fprintf(&b, "- %s %s (%s)\n", m.CreatedAt.Format("15:04"), action, status)
	}

	aromas, err := s.stores.Memory.Recent(ctx, store.MemoryPromptAroma, 1)
	if err == nil && len(aromas) > 0 {
		if focus, ok := aromas[0].Content["current_focus"].(string); ok && focus != "" {
			b.WriteString("\nCurrent focus: " + focus + "\n")
		}
	}

	pending, err := s.stores.Tasks.ListPending(ctx, 5)
	if err != nil {
		return "", fmt.Errorf("list pending tasks: %w", err)
	}
	b.WriteString("\nPending tasks:\n")
	if len(pending) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range pending {
		fmt.Fprintf(&b, "- [%s/%s] %s (id %s)\n", t.Source, t.Priority, t.Title, t.ID)
	}

	fmt.Fprintf(&b, "\nBudget: %d of %d proactive tokens used today (%s).\n",
		used, s.budget.Limit(), s.budget.Level(used))
	b.WriteString("\nWhat should you do next?")
	return b.String(), nil
}

// handleCycleError enters cooldown on rate limits; other errors just log.
func (s *Scheduler) handleCycleError(ctx context.Context, err error) {
	var rle *providers.RateLimitError
	if errors.As(err, &rle) {
		until := time.Now().UTC().Add(time.Hour)
		if !rle.ResetAt.IsZero() {
			until = rle.ResetAt
		}
		s.rateLimitUntil = until
		slog.Warn("provider rate limited", "provider", rle.Provider, "until", until)
		s.notifyMasterBestEffort(ctx, fmt.Sprintf(
			"⏳ Rate limited by %s. Pausing proactive work until %s.",
			rle.Provider, until.Format("15:04 MST")))
		return
	}
	slog.Error("proactive cycle error", "error", err)
}

func (s *Scheduler) writeCycleSummary(ctx context.Context, action string, extra map[string]any) {
	content := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"action":    action,
		"cycle":     s.cycle,
	}
	for k, v := range extra {
		content[k] = v
	}
	err := s.stores.Memory.Append(ctx, &store.MemoryEntry{
		ID:      store.GenNewID(),
		Kind:    store.MemoryCycleSummary,
		Content: content,
	})
	if err != nil {
		slog.Error("write cycle summary failed", "error", err)
	}
}

func (s *Scheduler) writeAroma(ctx context.Context, d *Decision) {
	focus := d.Reasoning
	if focus == "" {
		focus = d.Action
	}
	err := s.stores.Memory.Append(ctx, &store.MemoryEntry{
		ID:   store.GenNewID(),
		Kind: store.MemoryPromptAroma,
		Content: map[string]any{
			"last_action":   d.Action,
			"current_focus": focus,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		slog.Error("write aroma failed", "error", err)
	}
}

// maybeSendDigest delivers the daily digest when the cron expression is due.
func (s *Scheduler) maybeSendDigest(ctx context.Context, now time.Time) {
	expr := s.cfg.Proactive.DigestCron
	if expr == "" {
		return
	}
	day := now.Format("2006-01-02")
	if s.lastDigestDay == day {
		return
	}
	// Cycles are spaced irregularly, so instead of matching the exact cron
	// minute we fire once the day's scheduled time has passed.
	fireAt, err := gronx.NextTickAfter(expr, now.Truncate(24*time.Hour), true)
	if err != nil {
		slog.Warn("bad digest cron expression", "expr", expr, "error", err)
		return
	}
	if now.Before(fireAt) || fireAt.Format("2006-01-02") != day {
		return
	}
	s.lastDigestDay = day

	usage, err := s.stores.Ledger.DailyUsageByScope(ctx, now)
	if err != nil {
		slog.Error("digest usage query failed", "error", err)
		return
	}
	jobCounts, err := s.stores.Jobs.CountByStatusSince(ctx, now.Truncate(24*time.Hour))
	if err != nil {
		slog.Error("digest job query failed", "error", err)
		return
	}
	pending, _ := s.stores.Tasks.ListPending(ctx, 5)

	var b strings.Builder
	b.WriteString("📋 Daily digest\n")
	fmt.Fprintf(&b, "Tokens: proactive %d / %d, reactive %d\n",
		usage[store.ScopeProactive], s.budget.Limit(), usage[store.ScopeReactive])
	fmt.Fprintf(&b, "Jobs today: done=%d failed=%d\n", jobCounts[store.JobDone], jobCounts[store.JobFailed])
	fmt.Fprintf(&b, "Pending tasks: %d", len(pending))
	for _, t := range pending {
		fmt.Fprintf(&b, "\n- [%s] %s", t.Priority, t.Title)
	}
	s.notifyMasterBestEffort(ctx, b.String())
}

// interval computes the next sleep from the given usage figure.
func (s *Scheduler) interval(used int64) time.Duration {
	return NextInterval(used, s.budget.Limit(), s.cfg.Proactive.MinInterval, s.cfg.Proactive.MaxInterval)
}

// currentInterval re-reads usage so spend during this cycle counts.
func (s *Scheduler) currentInterval(ctx context.Context) time.Duration {
	used, err := s.budget.UsedToday(ctx)
	if err != nil {
		slog.Error("usage read failed", "error", err)
		return s.cfg.Proactive.MaxInterval
	}
	return s.interval(used)
}

// notifyMaster sends to every configured operator chat.
func (s *Scheduler) notifyMaster(ctx context.Context, text string) error {
	if len(s.cfg.Telegram.MasterChatIDs) == 0 {
		return fmt.Errorf("no master chat configured")
	}
	var firstErr error
	for _, idStr := range s.cfg.Telegram.MasterChatIDs {
		chatID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		if _, err := telegram.SendSplit(ctx, s.bot, chatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) notifyMasterBestEffort(ctx context.Context, text string) {
	if err := s.notifyMaster(ctx, text); err != nil {
		slog.Warn("master notification failed", "error", err)
	}
}

func (s *Scheduler) masterChatID() (int64, error) {
	if len(s.cfg.Telegram.MasterChatIDs) == 0 {
		return 0, fmt.Errorf("no master chat configured")
	}
	return strconv.ParseInt(s.cfg.Telegram.MasterChatIDs[0], 10, 64)
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up off UTF-8 continuation bytes so the cut never splits a rune.
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	if cut == 0 {
		cut = n
	}
	return s[:cut] + "..."
}
