// Package telegram wraps the Bot API behind a small transport interface so
// the rest of the runtime can send, edit, and download without knowing telego.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

// maxDownloadBytes is the Bot API file download ceiling (20MB).
const maxDownloadBytes int64 = 20 * 1024 * 1024

// Transport is the outbound surface the workers and scheduler use.
type Transport interface {
	// Send delivers text to a chat and returns the platform message id.
	Send(ctx context.Context, chatID int64, text string) (int, error)
	// SendWithKeyboard delivers text with an inline keyboard attached.
	SendWithKeyboard(ctx context.Context, chatID int64, text string, kb *telego.InlineKeyboardMarkup) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	RemoveKeyboard(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SetReaction(ctx context.Context, chatID int64, messageID int, emoji string) error
	// DownloadFile fetches a file by Telegram file_id. The returned name is
	// the server-side path basename, useful for extension sniffing.
	DownloadFile(ctx context.Context, fileID string) (data []byte, name string, err error)
}

// Bot implements Transport over telego with outbound rate pacing. Telegram
// throttles bots around one message per second per chat; the limiter keeps
// bursts from tripping 429s.
type Bot struct {
	bot     *telego.Bot
	token   string
	limiter *rate.Limiter
	client  *http.Client
}

// NewBot creates the transport. sendRPS <= 0 defaults to 1 message/second.
func NewBot(token string, sendRPS float64) (*Bot, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if sendRPS <= 0 {
		sendRPS = 1
	}
	return &Bot{
		bot:     bot,
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(sendRPS), 3),
		client:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Raw exposes the underlying bot for webhook registration at bootstrap.
func (b *Bot) Raw() *telego.Bot { return b.bot }

func (b *Bot) Send(ctx context.Context, chatID int64, text string) (int, error) {
	return b.SendWithKeyboard(ctx, chatID, text, nil)
}

func (b *Bot) SendWithKeyboard(ctx context.Context, chatID int64, text string, kb *telego.InlineKeyboardMarkup) (int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := tu.Message(tu.ID(chatID), text)
	if kb != nil {
		params.ReplyMarkup = kb
	}
	msg, err := b.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return msg.MessageID, nil
}

func (b *Bot) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}

func (b *Bot) RemoveKeyboard(ctx context.Context, chatID int64, messageID int) error {
	_, err := b.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	})
	if err != nil {
		return fmt.Errorf("remove keyboard from %d: %w", messageID, err)
	}
	return nil
}

func (b *Bot) AnswerCallback(ctx context.Context, callbackID, text string) error {
	err := b.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

func (b *Bot) SetReaction(ctx context.Context, chatID int64, messageID int, emoji string) error {
	err := b.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		},
	})
	if err != nil {
		// Reactions are cosmetic; callers treat this as advisory.
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

func (b *Bot) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		file, err = b.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < 3 {
			slog.Debug("retrying file info fetch", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxDownloadBytes {
		return nil, "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxDownloadBytes)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	if int64(len(data)) > maxDownloadBytes {
		return nil, "", fmt.Errorf("file exceeds %d bytes", maxDownloadBytes)
	}
	return data, path.Base(file.FilePath), nil
}

// ApprovalKeyboard builds the two-button approve/deny markup attached to
// approval prompts. Callback data carries the approval id.
func ApprovalKeyboard(approvalID string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("✅ Approve").WithCallbackData("approval:"+approvalID+":yes"),
			tu.InlineKeyboardButton("❌ Deny").WithCallbackData("approval:"+approvalID+":no"),
		),
	)
}
