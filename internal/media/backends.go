// Package media runs the background artifact processor: pending attachments
// are pushed through speech-to-text, vision, or document extraction and their
// results merged back into the artifact row.
package media

import "context"

// TranscriptResult is the speech-to-text output.
type TranscriptResult struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// VisionResult is the image analysis output.
type VisionResult struct {
	Description string   `json:"description"`
	Objects     []string `json:"objects,omitempty"`
	Text        string   `json:"text,omitempty"`
}

// DocResult is the document extraction output.
type DocResult struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count,omitempty"`
	WordCount int    `json:"word_count"`
}

// SpeechToText transcribes audio blobs.
type SpeechToText interface {
	Transcribe(ctx context.Context, data []byte, name string) (*TranscriptResult, error)
}

// Vision analyzes image blobs.
type Vision interface {
	Analyze(ctx context.Context, data []byte, name string) (*VisionResult, error)
}

// DocExtractor extracts text from documents, dispatching on extension.
type DocExtractor interface {
	Extract(ctx context.Context, data []byte, name string) (*DocResult, error)
}

// Backends bundles the three processing capabilities.
type Backends struct {
	STT  SpeechToText
	Eyes Vision
	Docs DocExtractor
}
