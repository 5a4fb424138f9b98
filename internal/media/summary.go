package media

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/vigil/internal/store"
)

// summarySnippet caps how much extracted text a summary carries.
const summarySnippet = 200

// Summarize renders an artifact as a short human-readable line for the
// conversation window fed to the LLM. Output is deterministic for identical
// inputs.
func Summarize(a *store.ArtifactData) string {
	if a.Status != store.ArtifactDone {
		return pendingSummary(a)
	}

	switch a.Kind {
	case store.ArtifactVoiceTranscript:
		text, _ := a.Content["text"].(string)
		return fmt.Sprintf("[Voice message, %ds]: %s", contentInt(a.Content, "duration"), snippet(text))

	case store.ArtifactImageJSON:
		desc, _ := a.Content["description"].(string)
		s := fmt.Sprintf("[Image: %s]", snippet(desc))
		if text, _ := a.Content["text"].(string); text != "" {
			s += fmt.Sprintf(" [Text in image: %s]", snippet(text))
		}
		return s

	case store.ArtifactOCRText:
		text, _ := a.Content["text"].(string)
		name, _ := a.Content["file_name"].(string)
		if name == "" {
			name = "document"
		}
		return fmt.Sprintf("[Document %s, %d words]: %s", name, contentInt(a.Content, "word_count"), snippet(text))

	case store.ArtifactFileMeta:
		name, _ := a.Content["file_name"].(string)
		if name == "" {
			name = "attachment"
		}
		mime, _ := a.Content["mime_type"].(string)
		if mime != "" {
			return fmt.Sprintf("[File: %s (%s)]", name, mime)
		}
		return fmt.Sprintf("[File: %s]", name)

	case store.ArtifactToolResult:
		text, _ := a.Content["text"].(string)
		return fmt.Sprintf("[Tool result]: %s", snippet(text))

	default:
		return fmt.Sprintf("[Attachment: %s]", a.Kind)
	}
}

func pendingSummary(a *store.ArtifactData) string {
	switch a.Kind {
	case store.ArtifactVoiceTranscript:
		return fmt.Sprintf("[Voice message, %ds, not yet transcribed]", contentInt(a.Content, "duration"))
	case store.ArtifactImageJSON:
		return "[Image, not yet analyzed]"
	case store.ArtifactOCRText:
		name, _ := a.Content["file_name"].(string)
		if name == "" {
			name = "document"
		}
		return fmt.Sprintf("[Document %s, not yet extracted]", name)
	default:
		return fmt.Sprintf("[Attachment: %s]", a.Kind)
	}
}

func snippet(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= summarySnippet {
		return s
	}
	return s[:summarySnippet] + "..."
}

// contentInt reads a numeric content field regardless of how the JSON codec
// decoded it.
func contentInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
