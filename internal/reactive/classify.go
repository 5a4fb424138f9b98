package reactive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/vigil/internal/media"
	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/store"
)

const classifierSystemPrompt = `You are the intake classifier for a personal assistant agent.
Given the recent conversation, classify the newest user message.
Respond with ONLY a JSON object, no prose:
{
  "intent": "question" | "command" | "task" | "other",
  "summary": "<one sentence summary of what the user wants>",
  "plan": "<short plan for how to respond or act>",
  "needs_confirmation": <true if the action has side effects that should be confirmed first>,
  "confidence": <0.0-1.0>,
  "task": {"title": "...", "description": "...", "goal_criteria": "..."} // only when intent is "task"
}`

// Valid classification intents.
const (
	IntentQuestion = "question"
	IntentCommand  = "command"
	IntentTask     = "task"
	IntentOther    = "other"
)

// Classification is the parsed classifier verdict.
type Classification struct {
	Intent            string    `json:"intent"`
	Summary           string    `json:"summary"`
	Plan              string    `json:"plan"`
	NeedsConfirmation bool      `json:"needs_confirmation"`
	Confidence        float64   `json:"confidence"`
	Task              *TaskSpec `json:"task,omitempty"`
}

// TaskSpec is the optional task block on a task-intent classification.
type TaskSpec struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	GoalCriteria string `json:"goal_criteria,omitempty"`
}

// ParseClassification decodes the classifier output. Markdown fences are
// stripped, but anything else non-JSON is a hard error; there is no fallback
// classification.
func ParseClassification(raw string) (*Classification, error) {
	cleaned := stripFences(raw)

	var c Classification
	if err := json.Unmarshal([]byte(cleaned), &c); err != nil {
		return nil, fmt.Errorf("classifier returned invalid JSON: %w", err)
	}

	switch c.Intent {
	case IntentQuestion, IntentCommand, IntentTask, IntentOther:
	default:
		c.Intent = IntentOther
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	if c.Task != nil && strings.TrimSpace(c.Task.Title) == "" {
		c.Task = nil
	}
	return &c, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// payloadFromClassification flattens the verdict into a job payload.
func payloadFromClassification(c *Classification) map[string]any {
	p := map[string]any{
		"intent":             c.Intent,
		"summary":            c.Summary,
		"plan":               c.Plan,
		"needs_confirmation": c.NeedsConfirmation,
		"confidence":         c.Confidence,
	}
	if c.Task != nil {
		p["task"] = map[string]any{
			"title":         c.Task.Title,
			"description":   c.Task.Description,
			"goal_criteria": c.Task.GoalCriteria,
		}
	}
	return p
}

// classificationFromPayload is the inverse, used by the execute handler.
func classificationFromPayload(p map[string]any) *Classification {
	c := &Classification{Intent: IntentOther}
	if v, ok := p["intent"].(string); ok {
		c.Intent = v
	}
	if v, ok := p["summary"].(string); ok {
		c.Summary = v
	}
	if v, ok := p["plan"].(string); ok {
		c.Plan = v
	}
	if v, ok := p["needs_confirmation"].(bool); ok {
		c.NeedsConfirmation = v
	}
	if v, ok := p["confidence"].(float64); ok {
		c.Confidence = v
	}
	if tm, ok := p["task"].(map[string]any); ok {
		spec := &TaskSpec{}
		spec.Title, _ = tm["title"].(string)
		spec.Description, _ = tm["description"].(string)
		spec.GoalCriteria, _ = tm["goal_criteria"].(string)
		if spec.Title != "" {
			c.Task = spec
		}
	}
	return c
}

// buildWindow renders the last limit messages of a thread, enriched with
// artifact summaries, as the conversation context for LLM calls.
func (w *Worker) buildWindow(ctx context.Context, threadID uuid.UUID, limit int) (string, error) {
	msgs, err := w.stores.Messages.ListRecent(ctx, threadID, limit)
	if err != nil {
		return "", fmt.Errorf("load conversation window: %w", err)
	}

	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	artifacts, err := w.stores.Artifacts.ListForMessages(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("load artifacts: %w", err)
	}
	byMessage := make(map[uuid.UUID][]store.ArtifactData)
	for _, a := range artifacts {
		byMessage[a.MessageID] = append(byMessage[a.MessageID], a)
	}

	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case store.RoleAssistant:
			b.WriteString("Assistant: ")
		case store.RoleSystem:
			b.WriteString("System: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Text)
		for _, a := range byMessage[m.ID] {
			if m.Text != "" || b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(media.Summarize(&a))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// callProvider runs one LLM call under a timeout and logs its usage.
func (w *Worker) callProvider(ctx context.Context, p providers.Provider, system, prompt string, timeout time.Duration, meta map[string]any) (*providers.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.Chat(callCtx, providers.ChatRequest{
		System:   system,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	entry := &store.LedgerEntry{
		ID:           store.GenNewID(),
		Scope:        store.ScopeReactive,
		Provider:     p.Name(),
		TokensInput:  int64(resp.Usage.InputTokens),
		TokensOutput: int64(resp.Usage.OutputTokens),
		TokensTotal:  int64(resp.Usage.Total()),
		Meta:         meta,
	}
	if err := w.stores.Ledger.Log(ctx, entry); err != nil {
		return nil, fmt.Errorf("log token usage: %w", err)
	}
	return resp, nil
}
