package reactive

import (
	"strings"
	"testing"
)

func TestParseClassificationValid(t *testing.T) {
	raw := `{"intent":"question","summary":"math question","plan":"answer directly","needs_confirmation":false,"confidence":0.95}`
	c, err := ParseClassification(raw)
	if err != nil {
		t.Fatalf("ParseClassification: %v", err)
	}
	if c.Intent != IntentQuestion || c.Confidence != 0.95 || c.NeedsConfirmation {
		t.Errorf("unexpected classification: %+v", c)
	}
}

func TestParseClassificationStripsFences(t *testing.T) {
	raw := "```json\n{\"intent\":\"command\",\"summary\":\"s\",\"plan\":\"p\",\"needs_confirmation\":true,\"confidence\":0.8}\n```"
	c, err := ParseClassification(raw)
	if err != nil {
		t.Fatalf("ParseClassification: %v", err)
	}
	if c.Intent != IntentCommand || !c.NeedsConfirmation {
		t.Errorf("unexpected classification: %+v", c)
	}
}

func TestParseClassificationCoercesUnknownIntent(t *testing.T) {
	raw := `{"intent":"greeting","summary":"s","plan":"p","needs_confirmation":false,"confidence":0.5}`
	c, err := ParseClassification(raw)
	if err != nil {
		t.Fatalf("ParseClassification: %v", err)
	}
	if c.Intent != IntentOther {
		t.Errorf("intent = %q, want other", c.Intent)
	}
}

func TestParseClassificationClampsConfidence(t *testing.T) {
	for raw, want := range map[string]float64{
		`{"intent":"question","confidence":1.7}`:  1,
		`{"intent":"question","confidence":-0.3}`: 0,
	} {
		c, err := ParseClassification(raw)
		if err != nil {
			t.Fatalf("ParseClassification(%s): %v", raw, err)
		}
		if c.Confidence != want {
			t.Errorf("confidence = %v, want %v", c.Confidence, want)
		}
	}
}

func TestParseClassificationBadJSONIsFatal(t *testing.T) {
	for _, raw := range []string{
		"I think this is a question about math.",
		`{"intent": "question"`,
		"",
	} {
		if _, err := ParseClassification(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestParseClassificationDropsUntitledTask(t *testing.T) {
	raw := `{"intent":"task","summary":"s","plan":"p","confidence":0.9,"task":{"title":"  "}}`
	c, err := ParseClassification(raw)
	if err != nil {
		t.Fatalf("ParseClassification: %v", err)
	}
	if c.Task != nil {
		t.Error("blank-title task block should be dropped")
	}
}

func TestClassificationPayloadRoundTrip(t *testing.T) {
	c := &Classification{
		Intent:            IntentTask,
		Summary:           "do the thing",
		Plan:              "steps",
		NeedsConfirmation: true,
		Confidence:        0.7,
		Task:              &TaskSpec{Title: "thing", Description: "d", GoalCriteria: "g"},
	}
	got := classificationFromPayload(payloadFromClassification(c))
	if got.Intent != c.Intent || got.Summary != c.Summary || got.Plan != c.Plan ||
		got.NeedsConfirmation != c.NeedsConfirmation || got.Confidence != c.Confidence {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Task == nil || got.Task.Title != "thing" || got.Task.GoalCriteria != "g" {
		t.Errorf("task block lost: %+v", got.Task)
	}
}

func TestStripFencesPassthrough(t *testing.T) {
	if got := stripFences(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
	if got := stripFences("```json\n{}\n```"); got != "{}" {
		t.Errorf("got %q", got)
	}
	if !strings.HasPrefix(stripFences("  {\"x\":2} "), "{") {
		t.Error("whitespace should be trimmed")
	}
}
