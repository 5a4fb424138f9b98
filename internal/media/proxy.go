package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	transcribeEndpoint = "/transcribe_audio"
	analyzeEndpoint    = "/analyze_image"
	extractEndpoint    = "/extract_document"

	// maxProxyResponse caps how much of an upstream reply we read (1 MB).
	maxProxyResponse = 1 << 20
)

// ProxyClient implements all three backends against one HTTP processing
// service: multipart file upload in, JSON out.
type ProxyClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProxyClient(baseURL, apiKey string, timeout time.Duration) *ProxyClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProxyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *ProxyClient) Transcribe(ctx context.Context, data []byte, name string) (*TranscriptResult, error) {
	var out TranscriptResult
	if err := p.post(ctx, transcribeEndpoint, data, name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *ProxyClient) Analyze(ctx context.Context, data []byte, name string) (*VisionResult, error) {
	var out VisionResult
	if err := p.post(ctx, analyzeEndpoint, data, name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *ProxyClient) Extract(ctx context.Context, data []byte, name string) (*DocResult, error) {
	// Plain text never needs the proxy.
	if strings.ToLower(filepath.Ext(name)) == ".txt" {
		return extractPlainText(data), nil
	}
	var out DocResult
	if err := p.post(ctx, extractEndpoint, data, name, &out); err != nil {
		return nil, err
	}
	if out.WordCount == 0 && out.Text != "" {
		out.WordCount = len(strings.Fields(out.Text))
	}
	return &out, nil
}

func (p *ProxyClient) post(ctx context.Context, endpoint string, data []byte, name string, out any) error {
	if p.baseURL == "" {
		return fmt.Errorf("media proxy not configured")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return fmt.Errorf("media proxy: create form field: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("media proxy: write file bytes: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("media proxy: close multipart writer: %w", err)
	}

	url := p.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("media proxy: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("media proxy: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyResponse))
	if err != nil {
		return fmt.Errorf("media proxy: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media proxy: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("media proxy: parse response JSON: %w", err)
	}
	return nil
}

// extractPlainText handles .txt documents locally.
func extractPlainText(data []byte) *DocResult {
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return &DocResult{
		Text:      text,
		WordCount: len(strings.Fields(text)),
	}
}
