package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/store/mem"
)

type fakeBot struct {
	mu     sync.Mutex
	sent   []string
	edits  []string
	acks   []string
	msgID  int
	files  map[string][]byte // file_id -> bytes; missing id errors
}

func (b *fakeBot) Send(_ context.Context, _ int64, text string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgID++
	b.sent = append(b.sent, text)
	return b.msgID, nil
}

func (b *fakeBot) SendWithKeyboard(ctx context.Context, chatID int64, text string, _ *telego.InlineKeyboardMarkup) (int, error) {
	return b.Send(ctx, chatID, text)
}

func (b *fakeBot) EditText(_ context.Context, _ int64, _ int, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits = append(b.edits, text)
	return nil
}

func (b *fakeBot) RemoveKeyboard(context.Context, int64, int) error { return nil }

func (b *fakeBot) AnswerCallback(_ context.Context, _, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, text)
	return nil
}

func (b *fakeBot) SetReaction(context.Context, int64, int, string) error { return nil }

func (b *fakeBot) DownloadFile(_ context.Context, fileID string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.files[fileID]; ok {
		return data, "voice.ogg", nil
	}
	return nil, "", fmt.Errorf("file %s not found", fileID)
}

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string][]byte)} }

func (m *memBlobs) Upload(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return "mem://" + key, nil
}

func (m *memBlobs) Download(_ context.Context, uri string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[strings.TrimPrefix(uri, "mem://")]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", uri)
	}
	return data, nil
}

func (m *memBlobs) Delete(context.Context, string) error { return nil }
func (m *memBlobs) PresignedURL(_ context.Context, uri string, _ time.Duration) (string, error) {
	return uri, nil
}

func testIngestor(woken *int) (*Ingestor, *store.Stores, *fakeBot) {
	cfg := config.Default()
	cfg.Telegram.MasterChatIDs = []string{"500"}
	stores := mem.NewStores()
	bot := &fakeBot{files: map[string][]byte{"voice-1": []byte("oggdata")}}
	wake := func() {
		if woken != nil {
			*woken++
		}
	}
	return New(stores, bot, newMemBlobs(), cfg, wake), stores, bot
}

func textUpdate(chatID int64, msgID int, text string) telego.Update {
	return telego.Update{
		UpdateID: msgID,
		Message: &telego.Message{
			MessageID: msgID,
			Chat:      telego.Chat{ID: chatID},
			From:      &telego.User{ID: chatID},
			Text:      text,
		},
	}
}

func TestTextMessageCreatesThreadMessageAndJob(t *testing.T) {
	var woken int
	in, stores, _ := testIngestor(&woken)
	ctx := context.Background()

	in.HandleUpdate(ctx, textUpdate(77, 1, "hello there"))

	thread, ok := mem.ThreadByExternal(stores, Platform, "77")
	if !ok {
		t.Fatal("thread not created")
	}
	msgs, err := stores.Messages.ListRecent(ctx, thread.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello there" || msgs[0].Role != store.RoleUser {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].ExternalMessageID != "1" {
		t.Errorf("external message id = %q", msgs[0].ExternalMessageID)
	}
	if len(msgs[0].RawPayload) == 0 {
		t.Error("raw payload not stored")
	}

	jobs := mem.AllJobs(stores)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Mode != store.JobClassify || jobs[0].Status != store.JobQueued {
		t.Errorf("job = %+v", jobs[0])
	}
	if jobs[0].TriggerMessageID != msgs[0].ID {
		t.Error("job not linked to trigger message")
	}
	if woken != 1 {
		t.Errorf("worker woken %d times, want 1", woken)
	}
}

func TestVoiceMessageUploadsBlobAndCreatesArtifact(t *testing.T) {
	in, stores, _ := testIngestor(nil)
	ctx := context.Background()

	update := telego.Update{
		UpdateID: 2,
		Message: &telego.Message{
			MessageID: 2,
			Chat:      telego.Chat{ID: 77},
			From:      &telego.User{ID: 77},
			Voice: &telego.Voice{
				FileID:   "voice-1",
				Duration: 14,
				MimeType: "audio/ogg",
			},
		},
	}
	in.HandleUpdate(ctx, update)

	arts := mem.AllArtifacts(stores)
	if len(arts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(arts))
	}
	a := arts[0]
	if a.Kind != store.ArtifactVoiceTranscript || a.Status != store.ArtifactPending {
		t.Errorf("artifact = %+v", a)
	}
	if !strings.HasPrefix(a.URI, "mem://") {
		t.Errorf("blob not uploaded, uri = %q", a.URI)
	}
	if d, _ := a.Content["duration"].(int); d != 14 {
		t.Errorf("duration = %v", a.Content["duration"])
	}
}

func TestFailedDownloadDegradesToMetadataOnly(t *testing.T) {
	in, stores, _ := testIngestor(nil)
	ctx := context.Background()

	update := telego.Update{
		UpdateID: 3,
		Message: &telego.Message{
			MessageID: 3,
			Chat:      telego.Chat{ID: 77},
			Voice:     &telego.Voice{FileID: "missing-file", Duration: 5},
		},
	}
	in.HandleUpdate(ctx, update)

	arts := mem.AllArtifacts(stores)
	if len(arts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(arts))
	}
	if arts[0].URI != "" {
		t.Errorf("uri = %q, want empty after failed download", arts[0].URI)
	}
	// Message and job still land.
	if len(mem.AllJobs(stores)) != 1 {
		t.Error("classify job missing after degraded intake")
	}
}

func TestNewMessageSupersedesPendingApprovals(t *testing.T) {
	in, stores, _ := testIngestor(nil)
	ctx := context.Background()

	in.HandleUpdate(ctx, textUpdate(77, 1, "first"))
	thread, _ := mem.ThreadByExternal(stores, Platform, "77")
	approval := &store.ApprovalData{
		ID:           store.GenNewID(),
		ThreadID:     thread.ID,
		ProposalText: "Send the draft?",
		Status:       store.ApprovalPending,
	}
	if err := stores.Approvals.Create(ctx, approval); err != nil {
		t.Fatal(err)
	}

	in.HandleUpdate(ctx, textUpdate(77, 2, "actually wait"))

	got, err := stores.Approvals.Get(ctx, approval.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ApprovalSuperseded {
		t.Errorf("approval status = %q, want superseded", got.Status)
	}
}

func TestCallbackResolvesApproval(t *testing.T) {
	in, stores, bot := testIngestor(nil)
	ctx := context.Background()

	in.HandleUpdate(ctx, textUpdate(77, 1, "context"))
	thread, _ := mem.ThreadByExternal(stores, Platform, "77")
	jobID := mem.AllJobs(stores)[0].ID
	approval := &store.ApprovalData{
		ID:           store.GenNewID(),
		ThreadID:     thread.ID,
		JobID:        &jobID,
		ProposalText: "Send the draft?",
		Status:       store.ApprovalPending,
	}
	if err := stores.Approvals.Create(ctx, approval); err != nil {
		t.Fatal(err)
	}
	if err := stores.Approvals.SetPromptMessageID(ctx, approval.ID, "42"); err != nil {
		t.Fatal(err)
	}

	cb := &telego.CallbackQuery{
		ID:   "cbq-1",
		Data: "approval:" + approval.ID.String() + ":no",
		From: telego.User{ID: 77},
		Message: &telego.Message{
			MessageID: 42,
			Chat:      telego.Chat{ID: 77},
		},
	}
	in.HandleUpdate(ctx, telego.Update{UpdateID: 9, CallbackQuery: cb})

	got, err := stores.Approvals.Get(ctx, approval.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ApprovalRejected {
		t.Errorf("status = %q, want rejected", got.Status)
	}
	if len(bot.edits) != 1 || !strings.Contains(bot.edits[0], "Denied") {
		t.Errorf("prompt edits = %v", bot.edits)
	}
	if len(bot.acks) != 1 || bot.acks[0] != "Denied" {
		t.Errorf("acks = %v", bot.acks)
	}

	// Second press on the same button: already resolved.
	in.HandleUpdate(ctx, telego.Update{UpdateID: 10, CallbackQuery: cb})
	if len(bot.acks) != 2 || bot.acks[1] != "Already resolved" {
		t.Errorf("acks after repeat = %v", bot.acks)
	}
}

func TestPlaceholderApprovalRequiresMaster(t *testing.T) {
	in, stores, bot := testIngestor(nil)
	ctx := context.Background()

	in.HandleUpdate(ctx, textUpdate(500, 1, "context"))
	thread, _ := mem.ThreadByExternal(stores, Platform, "500")
	approval := &store.ApprovalData{
		ID:           store.GenNewID(),
		ThreadID:     thread.ID,
		ProposalText: "Should I refactor the notes?",
		Status:       store.ApprovalPending,
	}
	if err := stores.Approvals.Create(ctx, approval); err != nil {
		t.Fatal(err)
	}

	press := func(userID int64) {
		in.HandleUpdate(ctx, telego.Update{CallbackQuery: &telego.CallbackQuery{
			ID:   "cbq",
			Data: "approval:" + approval.ID.String() + ":yes",
			From: telego.User{ID: userID},
			Message: &telego.Message{
				MessageID: 1,
				Chat:      telego.Chat{ID: 500},
			},
		}})
	}

	press(77) // not a master
	got, _ := stores.Approvals.Get(ctx, approval.ID)
	if got.Status != store.ApprovalPending {
		t.Fatalf("non-master resolved a placeholder approval: %q", got.Status)
	}
	if len(bot.acks) == 0 || bot.acks[len(bot.acks)-1] != "Not allowed" {
		t.Errorf("acks = %v", bot.acks)
	}

	press(500)
	got, _ = stores.Approvals.Get(ctx, approval.ID)
	if got.Status != store.ApprovalApproved {
		t.Errorf("master press left status %q", got.Status)
	}
}

func TestMasterTaskCommand(t *testing.T) {
	in, stores, bot := testIngestor(nil)
	ctx := context.Background()

	in.HandleUpdate(ctx, textUpdate(500, 1, "/task Water the plants"))

	tasks, err := stores.Tasks.ListPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	tk := tasks[0]
	if tk.Title != "Water the plants" || tk.Source != store.SourceMaster || tk.Priority != store.PriorityHigh {
		t.Errorf("task = %+v", tk)
	}
	if len(bot.sent) != 1 || !strings.Contains(bot.sent[0], "Task created") {
		t.Errorf("replies = %v", bot.sent)
	}
	// Commands bypass the classify pipeline entirely.
	if len(mem.AllJobs(stores)) != 0 {
		t.Error("command enqueued a classify job")
	}
}

func TestTaskCommandFromNonMasterIsClassified(t *testing.T) {
	in, stores, _ := testIngestor(nil)
	ctx := context.Background()

	in.HandleUpdate(ctx, textUpdate(77, 1, "/task sneaky"))

	if n, _ := stores.Tasks.ListPending(ctx, 10); len(n) != 0 {
		t.Error("non-master created a task")
	}
	if len(mem.AllJobs(stores)) != 1 {
		t.Error("non-master command skipped the classify pipeline")
	}
}

func TestParseApprovalData(t *testing.T) {
	id := store.GenNewID()
	cases := []struct {
		data    string
		wantOK  bool
		approve bool
	}{
		{"approval:" + id.String(), true, true},
		{"approval:" + id.String() + ":yes", true, true},
		{"approval:" + id.String() + ":no", true, false},
		{"approval:not-a-uuid", false, false},
		{"other:" + id.String(), false, false},
		{"", false, false},
	}
	for _, c := range cases {
		gotID, approve, ok := parseApprovalData(c.data)
		if ok != c.wantOK {
			t.Errorf("%q: ok = %v, want %v", c.data, ok, c.wantOK)
			continue
		}
		if ok && (gotID != id || approve != c.approve) {
			t.Errorf("%q: id=%v approve=%v", c.data, gotID, approve)
		}
	}
}
