// Package ai defines the interfaces for the vision/LLM and embedding
// backends the pipeline depends on. Implementations live in subpackages
// (bedrock for production, mock for tests); the core treats every call
// as fallible and always attaches a deadline.
package ai

import (
	"context"
	"time"
)

// Provider is the vision/LLM/embedding backend.
type Provider interface {
	// ExtractText performs OCR on raw document bytes. The implementation
	// branches on MIME type (PDF vs image).
	ExtractText(ctx context.Context, req *OCRRequest) (*OCRResponse, error)

	// ExtractStructured classifies the document and extracts structured
	// fields from OCR text. The prompt forbids guessing: low-confidence
	// values must be emitted as {{UNKNOWN:<type>:<partial-hint>}}
	// placeholders with matching entries in the unknowns array. The raw
	// model output is returned; schema parsing and validation belong to
	// the extract package.
	ExtractStructured(ctx context.Context, req *ExtractionRequest) (*ExtractionResponse, error)

	// GenerateEmbedding creates a vector embedding for text.
	GenerateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// Name returns the provider name (e.g. "bedrock", "mock").
	Name() string
}

// OCRRequest contains the document bytes to transcribe.
type OCRRequest struct {
	Content  []byte // Raw document bytes
	MimeType string // e.g. "application/pdf", "image/png"
	Filename string // Original filename, for format hints
}

// OCRResponse contains the transcribed text.
type OCRResponse struct {
	Text       string
	PageCount  int
	Model      string
	TokensUsed int
}

// ExtractionRequest contains OCR text to classify and extract.
type ExtractionRequest struct {
	OCRText  string
	Filename string
	MimeType string
}

// ExtractionResponse contains the raw structured output from the model.
type ExtractionResponse struct {
	RawJSON    string // Model output; expected to be a single JSON object
	Model      string
	TokensUsed int
}

// EmbeddingRequest contains text to embed.
type EmbeddingRequest struct {
	Text       string
	Dimensions int // 0 = provider default
}

// EmbeddingResponse contains the generated embedding.
type EmbeddingResponse struct {
	Embedding   []float32
	Model       string
	Dimensions  int
	GeneratedAt time.Time
}
