package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/store"
)

const verifierSystemPrompt = `You are a strict verifier. Given a task's success criteria and the work output,
decide whether the criteria are met. Answer with YES or NO on the first line,
followed by one sentence of reasoning.`

// verifierTimeout bounds the cheap verification call.
const verifierTimeout = 30 * time.Second

// verify asks the fast model whether the output meets the task's goal
// criteria.
func (e *Executor) verify(ctx context.Context, task *store.TaskData, output string) (bool, error) {
	if e.verifier == nil {
		return true, nil
	}

	prompt := fmt.Sprintf("Success criteria:\n%s\n\nWork output:\n%s\n\nAre the criteria met?",
		task.GoalCriteria, truncateResult(output))

	callCtx, cancel := context.WithTimeout(ctx, verifierTimeout)
	defer cancel()

	resp, err := e.verifier.Chat(callCtx, providers.ChatRequest{
		System:   verifierSystemPrompt,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return false, fmt.Errorf("verifier call: %w", err)
	}

	entry := &store.LedgerEntry{
		ID:           store.GenNewID(),
		Scope:        store.ScopeProactive,
		Provider:     e.verifier.Name(),
		TokensInput:  int64(resp.Usage.InputTokens),
		TokensOutput: int64(resp.Usage.OutputTokens),
		TokensTotal:  int64(resp.Usage.Total()),
		Meta:         map[string]any{"task_id": task.ID.String(), "stage": "verify"},
	}
	if err := e.stores.Ledger.Log(ctx, entry); err != nil {
		return false, fmt.Errorf("log verifier tokens: %w", err)
	}

	return ParseVerdict(resp.Content), nil
}

// ParseVerdict reads a YES/NO answer. First line wins; if it starts with
// neither, fall back to whichever token appears more often in the whole
// reply.
func ParseVerdict(text string) bool {
	trimmed := strings.TrimSpace(text)
	firstLine := trimmed
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		firstLine = trimmed[:i]
	}
	upper := strings.ToUpper(strings.TrimSpace(firstLine))
	switch {
	case strings.HasPrefix(upper, "YES"):
		return true
	case strings.HasPrefix(upper, "NO"):
		return false
	}

	yes, no := 0, 0
	for _, tok := range strings.Fields(strings.ToUpper(trimmed)) {
		tok = strings.Trim(tok, ".,:;!?")
		switch tok {
		case "YES":
			yes++
		case "NO":
			no++
		}
	}
	return yes > no
}
