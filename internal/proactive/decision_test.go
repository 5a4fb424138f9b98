package proactive

import (
	"strings"
	"testing"
)

func TestParseDecisionValid(t *testing.T) {
	text := `After reflection, here is my choice:
{"action": "meditate", "certainty": 0.9, "significance": 0.1, "type": "internal",
 "details": {"duration": 120, "reflection_topic": "recent failures"}}`
	d, err := ParseDecision(text)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if d.Action != ActionMeditate || !d.Autonomous() || d.Significant() {
		t.Errorf("unexpected decision: %+v", d)
	}
	if detailSeconds(d.Details, "duration") != 120 {
		t.Errorf("duration detail lost")
	}
}

func TestParseDecisionBalancedExtraction(t *testing.T) {
	// Nested braces and braces inside strings must not break extraction.
	text := `{"action": "communicate", "certainty": 0.85, "significance": 0.2, "type": "external",
 "details": {"recipient": "master", "message": "status: {ok}", "priority": "low"}} trailing {garbage`
	d, err := ParseDecision(text)
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if detailString(d.Details, "message") != "status: {ok}" {
		t.Errorf("message detail = %q", detailString(d.Details, "message"))
	}
}

func TestParseDecisionRejects(t *testing.T) {
	cases := map[string]string{
		"no json":          "I think I should meditate for a while.",
		"unknown action":   `{"action":"dance","certainty":0.9,"significance":0.1,"type":"internal","details":{}}`,
		"bad certainty":    `{"action":"meditate","certainty":1.5,"significance":0.1,"type":"internal","details":{"duration":60}}`,
		"bad type":         `{"action":"meditate","certainty":0.9,"significance":0.1,"type":"sideways","details":{"duration":60}}`,
		"missing details":  `{"action":"meditate","certainty":0.9,"significance":0.1,"type":"internal"}`,
		"missing required": `{"action":"ask_master","certainty":0.9,"significance":0.1,"type":"external","details":{"context":"x"}}`,
	}
	for name, in := range cases {
		if _, err := ParseDecision(in); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseDecisionGating(t *testing.T) {
	low := `{"action":"communicate","certainty":0.5,"significance":0.9,"type":"external",
 "details":{"recipient":"master","message":"m"}}`
	d, err := ParseDecision(low)
	if err != nil {
		t.Fatal(err)
	}
	if d.Autonomous() {
		t.Error("certainty 0.5 must not be autonomous")
	}
	if !d.Significant() {
		t.Error("significance 0.9 should notify")
	}
}

func TestFirstJSONObjectEscapes(t *testing.T) {
	in := `noise {"a": "quote \" and brace }", "b": 2} tail`
	got, ok := firstJSONObject(in)
	if !ok {
		t.Fatal("object not found")
	}
	if !strings.HasSuffix(got, `"b": 2}`) {
		t.Errorf("wrong extraction: %q", got)
	}
}
