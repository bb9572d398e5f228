package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/chittyos/evidence-core/pkg/ai"
	"github.com/chittyos/evidence-core/pkg/extract"
	"github.com/chittyos/evidence-core/pkg/pipeline"
	"github.com/chittyos/evidence-core/pkg/vector"
)

// Embed generates the document embedding and upserts it into the vector
// index keyed by document id.
type Embed struct {
	Provider   ai.Provider
	Index      vector.Index
	Dimensions int
}

// Name returns the step name.
func (s *Embed) Name() string { return "embed" }

// Policy returns the step's retry policy.
func (s *Embed) Policy() pipeline.Policy {
	return pipeline.Policy{
		Timeout:        3 * time.Minute,
		MaxRetries:     3,
		InitialBackoff: time.Second,
	}
}

// Execute embeds and upserts. The vector upsert is idempotent by
// document id, so reruns replace rather than duplicate.
func (s *Embed) Execute(ctx context.Context, run *pipeline.Run) error {
	data, err := run.Extraction()
	if err != nil {
		return pipeline.Permanent(s.Name(), err)
	}

	text := extract.EmbeddingText(data, run.Document.OCRText)
	resp, err := s.Provider.GenerateEmbedding(ctx, &ai.EmbeddingRequest{
		Text:       text,
		Dimensions: s.Dimensions,
	})
	if err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("%w: %v", pipeline.ErrEmbeddingFailed, err))
	}
	if len(resp.Embedding) == 0 {
		return pipeline.Permanent(s.Name(),
			fmt.Errorf("%w: backend returned empty vector", pipeline.ErrEmbeddingFailed))
	}

	rec := &vector.Record{
		DocumentID:   run.Document.ID,
		DocumentType: run.Document.DocumentType,
		Embedding:    resp.Embedding,
	}
	if err := s.Index.Upsert(ctx, rec); err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("%w: %v", pipeline.ErrVectorUpsert, err))
	}
	return nil
}
