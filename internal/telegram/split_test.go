package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShortTextUnchanged(t *testing.T) {
	chunks := SplitMessage("hello world", 4096)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("expected single unchanged chunk, got %v", chunks)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if chunks := SplitMessage("   ", 4096); chunks != nil {
		t.Fatalf("expected nil for whitespace-only input, got %v", chunks)
	}
}

func TestSplitMessagePrefersParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("a", 60)
	para2 := strings.Repeat("b", 60)
	text := para1 + "\n\n" + para2

	chunks := SplitMessage(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != para1 {
		t.Errorf("first chunk should be first paragraph, got %q", chunks[0])
	}
	if chunks[1] != para2 {
		t.Errorf("second chunk should be second paragraph, got %q", chunks[1])
	}
}

func TestSplitMessageFallsBackToSentence(t *testing.T) {
	text := "This is sentence one, fairly long as sentences go. Short tail here extends"
	chunks := SplitMessage(text, 70)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if !strings.HasSuffix(chunks[0], ".") {
		t.Errorf("first chunk should end at sentence boundary, got %q", chunks[0])
	}
}

func TestSplitMessageHardCutWithoutSpaces(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := SplitMessage(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
		}
	}
	if joined := strings.Join(chunks, ""); joined != text {
		t.Error("hard-cut chunks should reassemble to the original")
	}
}

func TestSplitMessageNeverExceedsLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("Some words of moderate length forming prose. ")
		if i%20 == 0 {
			b.WriteString("\n\n")
		}
	}
	chunks := SplitMessage(b.String(), MessageLimit)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for %d chars", b.Len())
	}
	for i, c := range chunks {
		if len(c) > MessageLimit {
			t.Errorf("chunk %d exceeds limit: %d", i, len(c))
		}
		if strings.TrimSpace(c) == "" {
			t.Errorf("chunk %d is blank", i)
		}
	}
}

func TestSplitMessageDoesNotSplitRunes(t *testing.T) {
	text := strings.Repeat("é", 120) // 2 bytes each
	chunks := SplitMessage(text, 101)
	for i, c := range chunks {
		for _, r := range c {
			if r == '�' {
				t.Fatalf("chunk %d contains a broken rune", i)
			}
		}
	}
}
