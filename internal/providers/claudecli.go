package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ClaudeCLIProvider runs the Claude Code CLI as a subprocess: prompt on
// stdin, JSON result on stdout. A weighted semaphore bounds concurrent
// subprocesses so bursts cannot fork-storm the host.
type ClaudeCLIProvider struct {
	binary       string
	defaultModel string
	workdir      string
	sem          *semaphore.Weighted
}

// NewClaudeCLIProvider creates the subprocess adapter. maxConcurrent <= 0
// defaults to 2.
func NewClaudeCLIProvider(binary, model, workdir string, maxConcurrent int) *ClaudeCLIProvider {
	if binary == "" {
		binary = "claude"
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &ClaudeCLIProvider{
		binary:       binary,
		defaultModel: model,
		workdir:      workdir,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (p *ClaudeCLIProvider) Name() string         { return "claude-cli" }
func (p *ClaudeCLIProvider) DefaultModel() string { return p.defaultModel }

func (p *ClaudeCLIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("claude-cli: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	args := []string{"-p", "--output-format", "json"}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	if p.workdir != "" {
		cmd.Dir = p.workdir
	}
	cmd.Stdin = strings.NewReader(renderPrompt(req.Messages))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		combined := stdout.String() + "\n" + stderr.String()
		if rle := detectCLILimit(combined); rle != nil {
			return nil, rle
		}
		return nil, fmt.Errorf("claude-cli: %w: %s", err, truncate(stderr.String(), 500))
	}

	var out cliResult
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("claude-cli: decode output: %w", err)
	}
	if out.IsError {
		if rle := detectCLILimit(out.Result); rle != nil {
			return nil, rle
		}
		return nil, fmt.Errorf("claude-cli: %s", truncate(out.Result, 500))
	}

	return &ChatResponse{
		Content:      out.Result,
		FinishReason: "stop",
		Usage: Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		},
	}, nil
}

// renderPrompt flattens the conversation for a single-shot CLI call.
func renderPrompt(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if len(msgs) > 1 {
			b.WriteString(strings.ToUpper(m.Role))
			b.WriteString(": ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func detectCLILimit(output string) *RateLimitError {
	lower := strings.ToLower(output)
	if !strings.Contains(lower, "limit reached") && !strings.Contains(lower, "usage limit") {
		return nil
	}
	return &RateLimitError{
		Provider: "claude-cli",
		Message:  truncate(strings.TrimSpace(output), 300),
		ResetAt:  ParseResetTime(output, time.Now()),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type cliResult struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
