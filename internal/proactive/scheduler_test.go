package proactive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/store/mem"
	"github.com/nextlevelbuilder/vigil/internal/tasks"
)

type scriptBrain struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptBrain) Name() string         { return "script" }
func (p *scriptBrain) DefaultModel() string { return "script-model" }

func (p *scriptBrain) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("script exhausted after %d calls", p.calls)
	}
	resp := p.responses[p.calls]
	p.calls++
	return &providers.ChatResponse{
		Content: resp,
		Usage:   providers.Usage{InputTokens: 200, OutputTokens: 100},
	}, nil
}

type sentNote struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentNote
	msgID int
}

func (b *fakeNotifier) Send(_ context.Context, chatID int64, text string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgID++
	b.sent = append(b.sent, sentNote{chatID, text})
	return b.msgID, nil
}

func (b *fakeNotifier) SendWithKeyboard(ctx context.Context, chatID int64, text string, _ *telego.InlineKeyboardMarkup) (int, error) {
	return b.Send(ctx, chatID, text)
}
func (b *fakeNotifier) EditText(context.Context, int64, int, string) error       { return nil }
func (b *fakeNotifier) RemoveKeyboard(context.Context, int64, int) error         { return nil }
func (b *fakeNotifier) AnswerCallback(context.Context, string, string) error     { return nil }
func (b *fakeNotifier) SetReaction(context.Context, int64, int, string) error    { return nil }
func (b *fakeNotifier) DownloadFile(context.Context, string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("not implemented")
}

func (b *fakeNotifier) all() []sentNote {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sentNote, len(b.sent))
	copy(out, b.sent)
	return out
}

func schedConfig() *config.Config {
	cfg := config.Default()
	cfg.Telegram.MasterChatIDs = []string{"500"}
	cfg.Budget.DailyProactiveLimit = 1_000_000
	cfg.Proactive.MinInterval = time.Minute
	cfg.Proactive.MaxInterval = time.Hour
	cfg.Proactive.DigestCron = "" // digest off unless a test enables it
	return cfg
}

func seedProactiveUsage(t *testing.T, stores *store.Stores, total int64) {
	t.Helper()
	// Totals derive from input+output; seeding only the total would vanish.
	input := total * 2 / 3
	err := stores.Ledger.Log(context.Background(), &store.LedgerEntry{
		ID:           store.GenNewID(),
		Scope:        store.ScopeProactive,
		Provider:     "script",
		TokensInput:  input,
		TokensOutput: total - input,
		TokensTotal:  total,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newTestScheduler(stores *store.Stores, bot *fakeNotifier, brain providers.Provider, cfg *config.Config) *Scheduler {
	exec := tasks.NewExecutor(stores, brain, nil, time.Minute)
	return NewScheduler(stores, bot, brain, exec, cfg, nil)
}

// At 95% usage the cycle takes the meditation branch: no LLM call, one
// exhaustion notice, no new proactive ledger rows.
func TestBudgetExhaustedMeditates(t *testing.T) {
	stores := mem.NewStores()
	bot := &fakeNotifier{}
	brain := &scriptBrain{} // any call would error the cycle
	cfg := schedConfig()

	seedProactiveUsage(t, stores, 950_000)
	before := len(mem.AllLedger(stores, ""))

	s := newTestScheduler(stores, bot, brain, cfg)
	interval := s.Cycle(context.Background())

	if brain.calls != 0 {
		t.Errorf("LLM called %d times during exhausted budget", brain.calls)
	}
	sent := bot.all()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "Budget Exhausted") {
		t.Fatalf("expected one exhaustion notice, got %v", sent)
	}
	if sent[0].chatID != 500 {
		t.Errorf("notice went to chat %d, want 500", sent[0].chatID)
	}
	if got := len(mem.AllLedger(stores, "")); got != before {
		t.Errorf("ledger grew from %d to %d rows during meditation", before, got)
	}
	// 95% usage sits on the top interval segment.
	if interval < 30*time.Minute {
		t.Errorf("interval %v too short for exhausted budget", interval)
	}

	// Second cycle the same day stays quiet.
	s.Cycle(context.Background())
	if len(bot.all()) != 1 {
		t.Errorf("exhaustion notice repeated: %v", bot.all())
	}
}

// A pending task preempts the decision LLM entirely.
func TestPendingTaskPreemptsDecision(t *testing.T) {
	stores := mem.NewStores()
	bot := &fakeNotifier{}
	brain := &scriptBrain{responses: []string{"Renamed the draft and saved it to notes."}}
	cfg := schedConfig()

	task := &store.TaskData{
		ID:          store.GenNewID(),
		Title:       "Tidy the draft notes",
		Priority:    store.PriorityMedium,
		Status:      store.TaskPending,
		Source:      store.SourceSelf,
		MaxAttempts: store.DefaultMaxAttempts,
	}
	if err := stores.Tasks.Create(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(stores, bot, brain, cfg)
	s.Cycle(context.Background())

	if brain.calls != 1 {
		t.Fatalf("brain calls = %d, want 1 (task execution only)", brain.calls)
	}
	got, err := stores.Tasks.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.TaskCompleted {
		t.Errorf("task status = %q, want completed", got.Status)
	}

	summaries, err := stores.Memory.Recent(context.Background(), store.MemoryCycleSummary, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 {
		t.Fatalf("cycle summaries = %d, want 1", len(summaries))
	}
	if action, _ := summaries[0].Content["action"].(string); action != "execute_task" {
		t.Errorf("summary action = %q", action)
	}
}

// An idle cycle asks the decision LLM, logs proactive tokens, dispatches the
// action, and records a cycle summary plus an aroma entry.
func TestIdleCycleDecisionPath(t *testing.T) {
	stores := mem.NewStores()
	bot := &fakeNotifier{}
	brain := &scriptBrain{responses: []string{
		`{"action": "meditate", "certainty": 0.95, "significance": 0.1, "type": "internal",
		  "reasoning": "nothing pending, resting", "details": {"duration": 0}}`,
	}}
	cfg := schedConfig()

	s := newTestScheduler(stores, bot, brain, cfg)
	s.Cycle(context.Background())

	if brain.calls != 1 {
		t.Fatalf("brain calls = %d, want 1", brain.calls)
	}

	rows := mem.AllLedger(stores, store.ScopeProactive)
	if len(rows) != 1 {
		t.Fatalf("proactive ledger rows = %d, want 1", len(rows))
	}
	if rows[0].TokensTotal != 300 {
		t.Errorf("tokens_total = %d, want 300", rows[0].TokensTotal)
	}
	if stage, _ := rows[0].Meta["stage"].(string); stage != "decision" {
		t.Errorf("ledger stage = %q", stage)
	}

	// High certainty, low significance: silent.
	if len(bot.all()) != 0 {
		t.Errorf("unexpected notifications: %v", bot.all())
	}

	summaries, _ := stores.Memory.Recent(context.Background(), store.MemoryCycleSummary, 5)
	if len(summaries) != 1 {
		t.Fatalf("cycle summaries = %d, want 1", len(summaries))
	}
	if status, _ := summaries[0].Content["result_status"].(string); status != "ok" {
		t.Errorf("result_status = %q", status)
	}
	aromas, _ := stores.Memory.Recent(context.Background(), store.MemoryPromptAroma, 5)
	if len(aromas) != 1 {
		t.Fatalf("aroma entries = %d, want 1", len(aromas))
	}
	if focus, _ := aromas[0].Content["current_focus"].(string); focus != "nothing pending, resting" {
		t.Errorf("current_focus = %q", focus)
	}
}

// Invalid decision JSON skips the cycle after logging tokens; no dispatch,
// no crash.
func TestInvalidDecisionSkipsCycle(t *testing.T) {
	stores := mem.NewStores()
	bot := &fakeNotifier{}
	brain := &scriptBrain{responses: []string{"I think I will just ponder for a while."}}
	cfg := schedConfig()

	s := newTestScheduler(stores, bot, brain, cfg)
	s.Cycle(context.Background())

	if len(mem.AllLedger(stores, store.ScopeProactive)) != 1 {
		t.Error("decision tokens must be logged even when output is unusable")
	}
	summaries, _ := stores.Memory.Recent(context.Background(), store.MemoryCycleSummary, 5)
	if len(summaries) != 0 {
		t.Errorf("skipped cycle wrote %d summaries", len(summaries))
	}
}

// A rate-limited provider puts the scheduler into cooldown and notifies once.
func TestRateLimitEntersCooldown(t *testing.T) {
	stores := mem.NewStores()
	bot := &fakeNotifier{}
	cfg := schedConfig()

	reset := time.Now().UTC().Add(2 * time.Hour)
	brain := &rateLimitedBrain{resetAt: reset}

	s := newTestScheduler(stores, bot, brain, cfg)
	s.Cycle(context.Background())

	if !s.rateLimitUntil.Equal(reset) {
		t.Errorf("rateLimitUntil = %v, want %v", s.rateLimitUntil, reset)
	}
	sent := bot.all()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "Rate limited") {
		t.Fatalf("expected rate limit notice, got %v", sent)
	}
}

type rateLimitedBrain struct {
	resetAt time.Time
}

func (p *rateLimitedBrain) Name() string         { return "limited" }
func (p *rateLimitedBrain) DefaultModel() string { return "limited-model" }
func (p *rateLimitedBrain) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, &providers.RateLimitError{Provider: "limited", Message: "quota", ResetAt: p.resetAt}
}

// A decision under the certainty gate records a placeholder approval, sends
// the operator a keyboard prompt, marks the cycle summary approval_pending,
// and still dispatches the action.
func TestLowCertaintyDecisionPromptsOperator(t *testing.T) {
	stores := mem.NewStores()
	bot := &fakeNotifier{}
	brain := &scriptBrain{responses: []string{
		`{"action": "meditate", "certainty": 0.4, "significance": 0.2, "type": "internal",
		  "reasoning": "not sure what matters right now", "details": {"duration": 0}}`,
	}}
	cfg := schedConfig()

	s := newTestScheduler(stores, bot, brain, cfg)
	s.Cycle(context.Background())

	approvals := mem.AllApprovals(stores)
	if len(approvals) != 1 {
		t.Fatalf("approvals = %d, want 1", len(approvals))
	}
	if approvals[0].JobID != nil || approvals[0].Status != store.ApprovalPending {
		t.Errorf("want a pending placeholder approval, got %+v", approvals[0])
	}

	sent := bot.all()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "Low-certainty action (0.40): meditate") {
		t.Fatalf("expected a low-certainty prompt, got %v", sent)
	}
	if sent[0].chatID != 500 {
		t.Errorf("prompt went to chat %d, want 500", sent[0].chatID)
	}

	summaries, _ := stores.Memory.Recent(context.Background(), store.MemoryCycleSummary, 5)
	if len(summaries) != 1 {
		t.Fatalf("cycle summaries = %d, want 1", len(summaries))
	}
	if as, _ := summaries[0].Content["approval_status"].(string); as != "approval_pending" {
		t.Errorf("approval_status = %q, want approval_pending", as)
	}
	if status, _ := summaries[0].Content["result_status"].(string); status != "ok" {
		t.Errorf("result_status = %q, want ok (the action still runs)", status)
	}
}

func TestFirstNKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("日", 100) // 3 bytes per rune; 100 is not a multiple of 3
	got := firstN(long, 100)
	if !utf8.ValidString(got) {
		t.Errorf("truncation produced invalid UTF-8: %q", got)
	}
	if len(got) > 100+len("...") {
		t.Errorf("len = %d, want at most %d", len(got), 100+len("..."))
	}
	if firstN("short", 100) != "short" {
		t.Error("short strings must pass through unchanged")
	}
}

// A goal whose tasks all completed gets settled and announced.
func TestGoalAttentionCompletesGoal(t *testing.T) {
	stores := mem.NewStores()
	bot := &fakeNotifier{}
	brain := &scriptBrain{}
	cfg := schedConfig()
	ctx := context.Background()

	goal := &store.GoalData{ID: store.GenNewID(), Title: "Ship the weekly report", Status: store.GoalActive}
	if err := stores.Goals.Create(ctx, goal); err != nil {
		t.Fatal(err)
	}
	task := &store.TaskData{
		ID: store.GenNewID(), Title: "Draft report", Priority: store.PriorityMedium,
		Status: store.TaskPending, Source: store.SourceMaster, GoalID: &goal.ID,
		MaxAttempts: store.DefaultMaxAttempts,
	}
	if err := stores.Tasks.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := stores.Tasks.Update(ctx, task.ID, map[string]any{"status": store.TaskCompleted}); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(stores, bot, brain, cfg)
	s.Cycle(ctx)

	if brain.calls != 0 {
		t.Errorf("goal attention cycle must not call the LLM, calls = %d", brain.calls)
	}
	got, err := stores.Goals.Get(ctx, goal.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.GoalCompleted {
		t.Errorf("goal status = %q, want completed", got.Status)
	}
	sent := bot.all()
	if len(sent) != 1 || !strings.Contains(sent[0].text, "Goal completed") {
		t.Fatalf("expected goal completion notice, got %v", sent)
	}
}
