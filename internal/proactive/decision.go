package proactive

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Proactive actions the decision engine may choose.
const (
	ActionDevelopSkill      = "develop_skill"
	ActionWorkOnTask        = "work_on_task"
	ActionCommunicate       = "communicate"
	ActionMeditate          = "meditate"
	ActionAskMaster         = "ask_master"
	ActionProactiveOutreach = "proactive_outreach"
)

// Gating thresholds for autonomous execution and operator notification.
const (
	certaintyThreshold    = 0.8
	significanceThreshold = 0.8
)

// Decision is a validated LLM choice of next action.
type Decision struct {
	Action       string         `json:"action"`
	Certainty    float64        `json:"certainty"`
	Significance float64        `json:"significance"`
	Type         string         `json:"type"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Details      map[string]any `json:"details"`
}

// Autonomous reports whether the decision clears the certainty gate.
func (d *Decision) Autonomous() bool { return d.Certainty >= certaintyThreshold }

// Significant reports whether the outcome warrants an operator notification.
func (d *Decision) Significant() bool { return d.Significance >= significanceThreshold }

// requiredDetails lists the mandatory detail keys per action.
var requiredDetails = map[string][]string{
	ActionDevelopSkill:      {"skill_name", "approach"},
	ActionWorkOnTask:        {"task_id", "approach"},
	ActionCommunicate:       {"recipient", "message"},
	ActionMeditate:          {"duration"},
	ActionAskMaster:         {"question"},
	ActionProactiveOutreach: {"chat_id", "message"},
}

// ParseDecision extracts the first balanced JSON object from the LLM text
// and validates it. Any validation failure skips the cycle; there is no
// repair pass.
func ParseDecision(text string) (*Decision, error) {
	block, ok := firstJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object in decision output")
	}

	var d Decision
	if err := json.Unmarshal([]byte(block), &d); err != nil {
		return nil, fmt.Errorf("decision JSON invalid: %w", err)
	}

	keys, ok := requiredDetails[d.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.Certainty < 0 || d.Certainty > 1 {
		return nil, fmt.Errorf("certainty %v out of range", d.Certainty)
	}
	if d.Significance < 0 || d.Significance > 1 {
		return nil, fmt.Errorf("significance %v out of range", d.Significance)
	}
	switch d.Type {
	case "internal", "external":
	default:
		return nil, fmt.Errorf("type %q must be internal or external", d.Type)
	}
	if d.Details == nil {
		return nil, fmt.Errorf("decision has no details")
	}
	for _, k := range keys {
		if _, present := d.Details[k]; !present {
			return nil, fmt.Errorf("action %s missing detail %q", d.Action, k)
		}
	}
	return &d, nil
}

// firstJSONObject returns the first balanced {...} in s, respecting string
// literals and escapes.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// detailString reads a string detail, accepting numbers for ids.
func detailString(details map[string]any, key string) string {
	switch v := details[key].(type) {
	case string:
		return v
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
	default:
		return ""
	}
}

// detailSeconds reads a numeric duration detail in seconds.
func detailSeconds(details map[string]any, key string) int {
	switch v := details[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
