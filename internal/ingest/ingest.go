// Package ingest normalizes inbound Telegram updates into persisted state:
// message rows, media artifacts, and queued classify jobs for the reactive
// worker.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/store"
	"github.com/nextlevelbuilder/vigil/internal/storage"
	"github.com/nextlevelbuilder/vigil/internal/telegram"
)

// Platform is the transport identifier recorded on threads.
const Platform = "telegram"

// Ingestor turns updates into durable state and wakes the reactive worker.
type Ingestor struct {
	stores *store.Stores
	bot    telegram.Transport
	blobs  storage.Storage
	cfg    *config.Config
	wake   func()
}

// New creates an Ingestor. wake may be nil when no worker is listening.
func New(stores *store.Stores, bot telegram.Transport, blobs storage.Storage, cfg *config.Config, wake func()) *Ingestor {
	return &Ingestor{stores: stores, bot: bot, blobs: blobs, cfg: cfg, wake: wake}
}

// HandleUpdate dispatches one update. Malformed updates are logged and
// dropped; the webhook already returned 200.
func (in *Ingestor) HandleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		if err := in.handleMessage(ctx, update); err != nil {
			slog.Error("ingest message failed", "update_id", update.UpdateID, "error", err)
		}
	case update.CallbackQuery != nil:
		if err := in.handleCallback(ctx, update.CallbackQuery); err != nil {
			slog.Error("ingest callback failed", "update_id", update.UpdateID, "error", err)
		}
	default:
		slog.Debug("update skipped (no message or callback)", "update_id", update.UpdateID)
	}
}

func (in *Ingestor) handleMessage(ctx context.Context, update telego.Update) error {
	msg := update.Message
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	// Operator commands short-circuit the classify pipeline.
	if in.cfg.IsMaster(chatID) && strings.HasPrefix(text, "/") {
		if handled, err := in.handleCommand(ctx, msg.Chat.ID, text); handled {
			return err
		}
	}

	// Blob writes happen outside the transaction; a failed upload degrades
	// the artifact to a metadata-only row that the media processor retries.
	intakes := in.collectArtifacts(ctx, msg)

	rawPayload := toMap(update)

	err := in.stores.Tx.WithTx(ctx, func(tx *store.Stores) error {
		thread, err := tx.Threads.GetOrCreate(ctx, Platform, chatID)
		if err != nil {
			return fmt.Errorf("get or create thread: %w", err)
		}

		message := &store.MessageData{
			ID:                store.GenNewID(),
			ThreadID:          thread.ID,
			ExternalMessageID: strconv.Itoa(msg.MessageID),
			Role:              store.RoleUser,
			AuthorID:          authorID(msg),
			Text:              text,
			RawPayload:        rawPayload,
		}
		if err := tx.Messages.Create(ctx, message); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		for i := range intakes {
			intakes[i].artifact.MessageID = message.ID
			if err := tx.Artifacts.Create(ctx, &intakes[i].artifact); err != nil {
				return fmt.Errorf("insert artifact: %w", err)
			}
		}

		// A fresh message invalidates every pending interaction in the
		// thread before its classify job exists.
		if n, err := tx.Approvals.SupersedeForThread(ctx, thread.ID); err != nil {
			return fmt.Errorf("supersede approvals: %w", err)
		} else if n > 0 {
			slog.Info("superseded pending approvals", "thread_id", thread.ID, "count", n)
		}

		job := &store.JobData{
			ID:               store.GenNewID(),
			ThreadID:         thread.ID,
			TriggerMessageID: message.ID,
			Mode:             store.JobClassify,
			Status:           store.JobQueued,
		}
		if err := tx.Jobs.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue classify job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if in.wake != nil {
		in.wake()
	}

	// Media takes a while to process; the reaction tells the sender the
	// attachment was received. Best effort.
	if len(intakes) > 0 {
		if err := in.bot.SetReaction(ctx, msg.Chat.ID, msg.MessageID, "👀"); err != nil {
			slog.Debug("set reaction failed", "error", err)
		}
	}
	return nil
}

// handleCallback resolves approval button presses. Payloads are
// "approval:<uuid>" (approve) or "approval:<uuid>:yes|no".
func (in *Ingestor) handleCallback(ctx context.Context, cb *telego.CallbackQuery) error {
	approvalID, approve, ok := parseApprovalData(cb.Data)
	if !ok {
		slog.Debug("callback ignored", "data", cb.Data)
		return in.bot.AnswerCallback(ctx, cb.ID, "")
	}

	status := store.ApprovalApproved
	ack := "Approved"
	if !approve {
		status = store.ApprovalRejected
		ack = "Denied"
	}

	approval, err := in.stores.Approvals.Get(ctx, approvalID)
	if errors.Is(err, store.ErrNotFound) {
		return in.bot.AnswerCallback(ctx, cb.ID, "Unknown approval")
	}
	if err != nil {
		return fmt.Errorf("load approval %s: %w", approvalID, err)
	}

	// Placeholder approvals (no job behind them) are the agent asking its
	// operator; only master ids may answer those.
	if approval.JobID == nil && !in.cfg.IsMaster(strconv.FormatInt(cb.From.ID, 10)) {
		return in.bot.AnswerCallback(ctx, cb.ID, "Not allowed")
	}

	err = in.stores.Approvals.Resolve(ctx, approvalID, status)
	switch {
	case err == nil:
	case isConflict(err):
		// Someone else resolved it first, or it was superseded.
		return in.bot.AnswerCallback(ctx, cb.ID, "Already resolved")
	default:
		return fmt.Errorf("resolve approval %s: %w", approvalID, err)
	}

	if approve && approval.JobID != nil {
		job, err := in.stores.Jobs.Get(ctx, *approval.JobID)
		if err != nil {
			return fmt.Errorf("load job for approval: %w", err)
		}
		if job.Mode == store.JobClassify && job.Status == store.JobQueued {
			if err := in.stores.Jobs.FlipToExecute(ctx, job.ID, job.Payload); err != nil && !isConflict(err) {
				return fmt.Errorf("flip job to execute: %w", err)
			}
		}
	}

	// Rewrite the prompt so the buttons disappear and the outcome is
	// visible in the chat history.
	if approval.PromptMessageID != "" && cb.Message != nil {
		if msgID, err := strconv.Atoi(approval.PromptMessageID); err == nil {
			chatID := cb.Message.GetChat().ID
			newText := approval.ProposalText + "\n\n" + ack
			if err := in.bot.EditText(ctx, chatID, msgID, newText); err != nil {
				slog.Warn("failed to edit approval prompt", "error", err)
			}
		}
	}

	return in.bot.AnswerCallback(ctx, cb.ID, ack)
}

// parseApprovalData splits "approval:<uuid>[:yes|no]".
func parseApprovalData(data string) (id uuid.UUID, approve, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 || parts[0] != "approval" {
		return uuid.Nil, false, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, false, false
	}
	approve = true
	if len(parts) >= 3 && parts[2] == "no" {
		approve = false
	}
	return id, approve, true
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// artifactIntake pairs an artifact row with its source file id.
type artifactIntake struct {
	artifact store.ArtifactData
	fileID   string
}

// collectArtifacts detects attachments, uploads their bytes, and builds the
// pending artifact rows. Upload errors are logged; the row is still created
// without a URI.
func (in *Ingestor) collectArtifacts(ctx context.Context, msg *telego.Message) []artifactIntake {
	var intakes []artifactIntake

	add := func(kind, fileID string, content map[string]any) {
		a := artifactIntake{
			artifact: store.ArtifactData{
				ID:      store.GenNewID(),
				Kind:    kind,
				Content: content,
				Status:  store.ArtifactPending,
			},
			fileID: fileID,
		}
		if fileID != "" && in.blobs != nil {
			data, name, err := in.bot.DownloadFile(ctx, fileID)
			if err != nil {
				slog.Warn("media download failed", "file_id", fileID, "error", err)
			} else {
				key := a.artifact.ID.String() + strings.ToLower(filepath.Ext(name))
				uri, err := in.blobs.Upload(ctx, key, data, contentTypeFor(content))
				if err != nil {
					slog.Warn("media upload failed", "key", key, "error", err)
				} else {
					a.artifact.URI = uri
				}
			}
		}
		intakes = append(intakes, a)
	}

	if msg.Voice != nil {
		add(store.ArtifactVoiceTranscript, msg.Voice.FileID, map[string]any{
			"duration":  msg.Voice.Duration,
			"mime_type": msg.Voice.MimeType,
			"file_size": msg.Voice.FileSize,
		})
	}
	if msg.Audio != nil {
		add(store.ArtifactVoiceTranscript, msg.Audio.FileID, map[string]any{
			"duration":  msg.Audio.Duration,
			"mime_type": msg.Audio.MimeType,
			"file_name": msg.Audio.FileName,
			"file_size": msg.Audio.FileSize,
		})
	}
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1] // highest resolution
		add(store.ArtifactImageJSON, photo.FileID, map[string]any{
			"width":     photo.Width,
			"height":    photo.Height,
			"file_size": photo.FileSize,
			"mime_type": "image/jpeg",
		})
	}
	if msg.Document != nil {
		kind := store.ArtifactFileMeta
		switch strings.ToLower(filepath.Ext(msg.Document.FileName)) {
		case ".pdf", ".docx", ".txt":
			kind = store.ArtifactOCRText
		}
		add(kind, msg.Document.FileID, map[string]any{
			"file_name": msg.Document.FileName,
			"mime_type": msg.Document.MimeType,
			"file_size": msg.Document.FileSize,
		})
	}
	if msg.VideoNote != nil {
		add(store.ArtifactFileMeta, msg.VideoNote.FileID, map[string]any{
			"duration":  msg.VideoNote.Duration,
			"mime_type": "video/mp4",
			"file_size": msg.VideoNote.FileSize,
		})
	}
	if msg.Video != nil {
		add(store.ArtifactFileMeta, msg.Video.FileID, map[string]any{
			"duration":  msg.Video.Duration,
			"mime_type": msg.Video.MimeType,
			"file_name": msg.Video.FileName,
			"file_size": msg.Video.FileSize,
		})
	}

	return intakes
}

func contentTypeFor(content map[string]any) string {
	if mt, ok := content["mime_type"].(string); ok && mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func authorID(msg *telego.Message) string {
	if msg.From == nil {
		return ""
	}
	return strconv.FormatInt(msg.From.ID, 10)
}

// toMap round-trips a value through JSON into a generic map for raw_payload.
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
