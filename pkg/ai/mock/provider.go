// Package mock provides a scriptable ai.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/chittyos/evidence-core/pkg/ai"
)

// Provider is a test double. Responses can be scripted per call; when no
// script is set, deterministic defaults are produced so pipeline tests can
// run end to end without a backend.
type Provider struct {
	mu sync.Mutex

	OCRFunc       func(req *ai.OCRRequest) (*ai.OCRResponse, error)
	ExtractFunc   func(req *ai.ExtractionRequest) (*ai.ExtractionResponse, error)
	EmbeddingFunc func(req *ai.EmbeddingRequest) (*ai.EmbeddingResponse, error)

	OCRCalls       int
	ExtractCalls   int
	EmbeddingCalls int
}

// New creates a mock provider.
func New() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "mock"
}

// ExtractText returns the scripted OCR response, or echoes the content as
// text.
func (p *Provider) ExtractText(ctx context.Context, req *ai.OCRRequest) (*ai.OCRResponse, error) {
	p.mu.Lock()
	p.OCRCalls++
	fn := p.OCRFunc
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req)
	}
	return &ai.OCRResponse{Text: string(req.Content), Model: "mock-ocr"}, nil
}

// ExtractStructured returns the scripted extraction response, or a
// minimal valid document.
func (p *Provider) ExtractStructured(ctx context.Context, req *ai.ExtractionRequest) (*ai.ExtractionResponse, error) {
	p.mu.Lock()
	p.ExtractCalls++
	fn := p.ExtractFunc
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req)
	}
	return &ai.ExtractionResponse{
		RawJSON: `{"documentType":"other","title":"Untitled","parties":[],"authorityGrants":[],"keyTerms":[],"fields":{},"unknowns":[]}`,
		Model:   "mock-llm",
	}, nil
}

// GenerateEmbedding returns the scripted embedding, or a deterministic
// unit vector derived from the text so identical texts embed identically.
func (p *Provider) GenerateEmbedding(ctx context.Context, req *ai.EmbeddingRequest) (*ai.EmbeddingResponse, error) {
	p.mu.Lock()
	p.EmbeddingCalls++
	fn := p.EmbeddingFunc
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req)
	}

	dims := req.Dimensions
	if dims == 0 {
		dims = 16
	}
	vec := deterministicVector(req.Text, dims)
	return &ai.EmbeddingResponse{
		Embedding:   vec,
		Model:       "mock-embed",
		Dimensions:  dims,
		GeneratedAt: time.Now(),
	}, nil
}

// FailNext makes the next n calls of every kind fail with the given error.
func (p *Provider) FailNext(n int, err error) {
	remaining := n
	var mu sync.Mutex
	take := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			return true
		}
		return false
	}
	p.OCRFunc = func(req *ai.OCRRequest) (*ai.OCRResponse, error) {
		if take() {
			return nil, err
		}
		return &ai.OCRResponse{Text: string(req.Content), Model: "mock-ocr"}, nil
	}
	p.ExtractFunc = func(req *ai.ExtractionRequest) (*ai.ExtractionResponse, error) {
		if take() {
			return nil, err
		}
		return nil, fmt.Errorf("no extraction scripted")
	}
}

// deterministicVector produces a stable pseudo-random unit vector.
func deterministicVector(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
