package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/vigil/internal/providers"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/store/mem"
)

type scriptBackend struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

func (b *scriptBackend) Name() string         { return "test-backend" }
func (b *scriptBackend) DefaultModel() string { return "test-model" }

func (b *scriptBackend) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	if i < len(b.errs) && b.errs[i] != nil {
		return nil, b.errs[i]
	}
	if i >= len(b.responses) {
		return nil, errors.New("script exhausted")
	}
	return &providers.ChatResponse{
		Content: b.responses[i],
		Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func newRootTask(t *testing.T, stores *store.Stores, title string) *store.TaskData {
	t.Helper()
	task := &store.TaskData{
		ID:          store.GenNewID(),
		Title:       title,
		Priority:    store.PriorityHigh,
		Status:      store.TaskPending,
		Source:      store.SourceMaster,
		MaxAttempts: store.DefaultMaxAttempts,
	}
	if err := stores.Tasks.Create(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestDecompositionFlow(t *testing.T) {
	stores := mem.NewStores()
	ctx := context.Background()
	t0 := newRootTask(t, stores, "Build the report pipeline")

	decomposition := `I'll split this up.
{"decompose": true, "subtasks": [
  {"title": "Collect the data", "description": "pull source numbers"},
  {"title": "Write the summary", "description": "draft the report"}
]}`
	backend := &scriptBackend{responses: []string{
		decomposition,
		"data collected",
		"summary written",
	}}
	e := NewExecutor(stores, backend, nil, time.Minute)

	// Attempt 1: decomposes, parent stays pending.
	res, err := e.ExecuteNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Decompose {
		t.Fatal("expected a decomposition result")
	}

	parent, _ := stores.Tasks.Get(ctx, t0.ID)
	if parent.Status != store.TaskPending {
		t.Errorf("parent status = %s, want pending", parent.Status)
	}
	if !strings.HasPrefix(parent.LastResult, "Decomposed into 2 subtasks:") {
		t.Errorf("parent last_result = %q", parent.LastResult)
	}

	children, _ := stores.Tasks.Children(ctx, t0.ID)
	if len(children) != 2 {
		t.Fatalf("children = %d, want 2", len(children))
	}
	for i, c := range children {
		if c.OrderIndex != i || c.Depth != 1 {
			t.Errorf("child %d: order_index=%d depth=%d", i, c.OrderIndex, c.Depth)
		}
		if c.Source != t0.Source || c.Priority != t0.Priority {
			t.Errorf("child %d did not inherit source/priority: %+v", i, c)
		}
	}

	// Selection now returns the first subtask.
	next, err := stores.Tasks.NextPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.Title != "Collect the data" {
		t.Errorf("next task = %q, want first subtask", next.Title)
	}

	// Run both subtasks; the parent auto-completes.
	if _, err := e.ExecuteNext(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ExecuteNext(ctx); err != nil {
		t.Fatal(err)
	}

	parent, _ = stores.Tasks.Get(ctx, t0.ID)
	if parent.Status != store.TaskCompleted {
		t.Fatalf("parent status = %s, want completed", parent.Status)
	}
	if !strings.HasPrefix(parent.LastResult, "All 2 subtasks completed.") {
		t.Errorf("parent last_result = %q", parent.LastResult)
	}
}

func TestFailRetriesUntilMaxAttempts(t *testing.T) {
	stores := mem.NewStores()
	ctx := context.Background()
	task := newRootTask(t, stores, "Flaky work")

	backend := &scriptBackend{errs: []error{
		errors.New("boom 1"), errors.New("boom 2"), errors.New("boom 3"),
	}}
	e := NewExecutor(stores, backend, nil, time.Minute)

	for i := 0; i < store.DefaultMaxAttempts; i++ {
		if _, err := e.ExecuteNext(ctx); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := stores.Tasks.Get(ctx, task.ID)
	if got.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempts != store.DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", got.Attempts, store.DefaultMaxAttempts)
	}

	// Terminally failed tasks leave the queue.
	if _, err := stores.Tasks.NextPending(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected empty queue, got %v", err)
	}
}

func TestGoalVerificationGatesCompletion(t *testing.T) {
	stores := mem.NewStores()
	ctx := context.Background()

	task := &store.TaskData{
		ID:           store.GenNewID(),
		Title:        "Ship the fix",
		GoalCriteria: "tests pass",
		Priority:     store.PriorityMedium,
		Status:       store.TaskPending,
		Source:       store.SourceSelf,
		MaxAttempts:  2,
	}
	if err := stores.Tasks.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	backend := &scriptBackend{responses: []string{"did the work", "did it properly"}}
	verifier := &scriptBackend{responses: []string{
		"NO. The tests were not run.",
		"YES. All criteria satisfied.",
	}}
	e := NewExecutor(stores, backend, verifier, time.Minute)

	// First attempt: verifier says no, attempt burns.
	if _, err := e.ExecuteNext(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := stores.Tasks.Get(ctx, task.ID)
	if got.Status != store.TaskPending || got.Attempts != 1 {
		t.Fatalf("after failed verification: status=%s attempts=%d", got.Status, got.Attempts)
	}

	// Second attempt: verifier approves.
	res, err := e.ExecuteNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Completed {
		t.Fatal("expected completion")
	}
	got, _ = stores.Tasks.Get(ctx, task.ID)
	if got.Status != store.TaskCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestResultTruncatedToFiveKB(t *testing.T) {
	stores := mem.NewStores()
	ctx := context.Background()
	task := newRootTask(t, stores, "Verbose work")

	backend := &scriptBackend{responses: []string{strings.Repeat("x", 20_000)}}
	e := NewExecutor(stores, backend, nil, time.Minute)

	if _, err := e.ExecuteNext(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := stores.Tasks.Get(ctx, task.ID)
	if len(got.LastResult) != maxResultBytes {
		t.Errorf("last_result length = %d, want %d", len(got.LastResult), maxResultBytes)
	}
}

func TestTruncateResultKeepsRunesIntact(t *testing.T) {
	// 3-byte runes; maxResultBytes is not a multiple of 3, so a naive byte
	// cut would land mid-rune.
	long := strings.Repeat("界", maxResultBytes)
	got := truncateResult(long)
	if !utf8.ValidString(got) {
		t.Errorf("truncation produced invalid UTF-8 at the cut point")
	}
	if len(got) > maxResultBytes {
		t.Errorf("len = %d, want at most %d", len(got), maxResultBytes)
	}
	if truncateResult("short") != "short" {
		t.Error("short results must pass through unchanged")
	}
}

func TestMasterBeforeSelfSelection(t *testing.T) {
	stores := mem.NewStores()
	ctx := context.Background()

	selfTask := &store.TaskData{
		ID: store.GenNewID(), Title: "self critical", Priority: store.PriorityCritical,
		Status: store.TaskPending, Source: store.SourceSelf, MaxAttempts: 3,
	}
	masterTask := &store.TaskData{
		ID: store.GenNewID(), Title: "master low", Priority: store.PriorityLow,
		Status: store.TaskPending, Source: store.SourceMaster, MaxAttempts: 3,
	}
	if err := stores.Tasks.Create(ctx, selfTask); err != nil {
		t.Fatal(err)
	}
	if err := stores.Tasks.Create(ctx, masterTask); err != nil {
		t.Fatal(err)
	}

	next, err := stores.Tasks.NextPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if next.Title != "master low" {
		t.Errorf("selection = %q, master tasks must come first", next.Title)
	}
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"YES", true},
		{"yes, the criteria are met", true},
		{"NO. The output is incomplete.", false},
		{"No", false},
		{"  YES\nbecause everything checks out", true},
		{"The answer is yes. Definitely yes. Not no.", true},
		{"Hard to say. no, no, and no again. maybe yes.", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ParseVerdict(c.in); got != c.want {
			t.Errorf("ParseVerdict(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseDecomposition(t *testing.T) {
	valid := `{"decompose": true, "subtasks": [{"title": "a"}, {"title": "b"}]}`
	if _, ok := ParseDecomposition("prefix text " + valid + " suffix"); !ok {
		t.Error("valid block not detected")
	}

	for name, in := range map[string]string{
		"no block":        "just plain output",
		"decompose false": `{"decompose": false, "subtasks": [{"title":"a"},{"title":"b"}]}`,
		"one subtask":     `{"decompose": true, "subtasks": [{"title":"a"}]}`,
		"untitled":        `{"decompose": true, "subtasks": [{"title":""},{"title":"  "}]}`,
		"broken json":     `{"decompose": true, "subtasks": [`,
	} {
		if _, ok := ParseDecomposition(in); ok {
			t.Errorf("%s: should not parse", name)
		}
	}
}
