package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// handleCommand processes operator slash commands. Returns handled=false for
// unknown commands so they flow into the normal classify pipeline.
func (in *Ingestor) handleCommand(ctx context.Context, chatID int64, text string) (bool, error) {
	cmd, rest := splitCommand(text)
	switch cmd {
	case "/task":
		return true, in.commandTask(ctx, chatID, rest)
	case "/status":
		return true, in.commandStatus(ctx, chatID)
	default:
		return false, nil
	}
}

// commandTask creates a master-sourced task from the command remainder.
func (in *Ingestor) commandTask(ctx context.Context, chatID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		_, err := in.bot.Send(ctx, chatID, "Usage: /task <title>")
		return err
	}

	task := &store.TaskData{
		ID:          store.GenNewID(),
		Title:       title,
		Priority:    store.PriorityHigh,
		Status:      store.TaskPending,
		Source:      store.SourceMaster,
		MaxAttempts: store.DefaultMaxAttempts,
	}
	if err := in.stores.Tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	_, err := in.bot.Send(ctx, chatID, fmt.Sprintf("Task created: %s\nID: %s", title, task.ID))
	return err
}

// commandStatus replies with today's budget and queue stats.
func (in *Ingestor) commandStatus(ctx context.Context, chatID int64) error {
	now := time.Now().UTC()

	usage, err := in.stores.Ledger.DailyUsageByScope(ctx, now)
	if err != nil {
		return fmt.Errorf("daily usage: %w", err)
	}
	jobs, err := in.stores.Jobs.CountByStatusSince(ctx, now.Truncate(24*time.Hour))
	if err != nil {
		return fmt.Errorf("job counts: %w", err)
	}

	limit := in.cfg.Budget.DailyProactiveLimit
	proactive := usage[store.ScopeProactive]
	var b strings.Builder
	fmt.Fprintf(&b, "Today (UTC):\n")
	fmt.Fprintf(&b, "Proactive tokens: %d / %d (%.0f%%)\n", proactive, limit, pct(proactive, limit))
	fmt.Fprintf(&b, "Reactive tokens: %d\n", usage[store.ScopeReactive])
	fmt.Fprintf(&b, "Jobs: queued=%d running=%d done=%d failed=%d",
		jobs[store.JobQueued], jobs[store.JobRunning], jobs[store.JobDone], jobs[store.JobFailed])

	_, err = in.bot.Send(ctx, chatID, b.String())
	return err
}

func pct(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, ' '); i > 0 {
		return text[:i], text[i+1:]
	}
	return text, ""
}
