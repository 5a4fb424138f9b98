package telegram

import (
	"context"
	"strings"
)

// MessageLimit is Telegram's hard cap on message text length.
const MessageLimit = 4096

// SplitMessage breaks text into chunks that fit within limit. Break points
// are tried in order of preference: paragraph boundary, sentence end,
// whitespace, then a hard cut. Chunks are trimmed of leading/trailing
// whitespace and empty chunks are dropped.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > limit {
		cut := findBreak(text, limit)
		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// findBreak returns the index to cut at, at most limit.
func findBreak(text string, limit int) int {
	window := text[:limit]

	// Paragraph boundary. Only accept breaks in the back half so a stray
	// leading newline does not produce a tiny fragment.
	if idx := strings.LastIndex(window, "\n\n"); idx > limit/2 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n"); idx > limit/2 {
		return idx
	}

	// Sentence end.
	best := -1
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, sep); idx > best {
			best = idx
		}
	}
	if best > limit/2 {
		return best + 1 // keep the punctuation with the first chunk
	}

	// Any whitespace.
	if idx := strings.LastIndexByte(window, ' '); idx > limit/4 {
		return idx
	}

	// Hard cut, avoiding splitting a UTF-8 sequence mid-rune.
	cut := limit
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// SendSplit delivers text to a chat, splitting into multiple sequential
// messages when it exceeds the platform limit. Returns the id of the first
// message sent.
func SendSplit(ctx context.Context, t Transport, chatID int64, text string) (int, error) {
	chunks := SplitMessage(text, MessageLimit)
	firstID := 0
	for i, chunk := range chunks {
		id, err := t.Send(ctx, chatID, chunk)
		if err != nil {
			return firstID, err
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID, nil
}
