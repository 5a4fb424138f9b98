package tasks

import (
	"encoding/json"
	"strings"
)

// Decomposition is the structured split a backend may return for a root task.
type Decomposition struct {
	Decompose bool      `json:"decompose"`
	Subtasks  []Subtask `json:"subtasks"`
}

// Subtask is one planned child task.
type Subtask struct {
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	GoalCriteria string `json:"goal_criteria,omitempty"`
}

// ParseDecomposition scans the backend output for a decomposition block.
// Valid means decompose=true with at least two titled subtasks; anything else
// is treated as plain output.
func ParseDecomposition(output string) (*Decomposition, bool) {
	idx := strings.Index(output, `"decompose"`)
	if idx < 0 {
		return nil, false
	}
	// Walk back to the opening brace of the containing object.
	start := strings.LastIndexByte(output[:idx], '{')
	if start < 0 {
		return nil, false
	}
	block, ok := balancedObject(output[start:])
	if !ok {
		return nil, false
	}

	var dec Decomposition
	if err := json.Unmarshal([]byte(block), &dec); err != nil {
		return nil, false
	}
	if !dec.Decompose {
		return nil, false
	}

	valid := dec.Subtasks[:0]
	for _, s := range dec.Subtasks {
		if strings.TrimSpace(s.Title) != "" {
			valid = append(valid, s)
		}
	}
	dec.Subtasks = valid
	if len(dec.Subtasks) < 2 {
		return nil, false
	}
	return &dec, true
}

// balancedObject returns the first balanced {...} prefix of s, tracking
// string literals and escapes.
func balancedObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
					return s[:i+1], true
				}
			}
		}
	}
	return "", false
}
