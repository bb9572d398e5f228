package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chittyos/evidence-core/pkg/ai"
	"github.com/chittyos/evidence-core/pkg/extract"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// ClassifyExtract invokes the LLM to classify the document type and
// extract structured fields, with unknowns emitted as placeholders.
type ClassifyExtract struct {
	Provider ai.Provider
	Store    *graph.Store
}

// Name returns the step name.
func (s *ClassifyExtract) Name() string { return "classify_extract" }

// Policy returns the step's retry policy.
func (s *ClassifyExtract) Policy() pipeline.Policy {
	return pipeline.Policy{
		Timeout:        3 * time.Minute,
		MaxRetries:     3,
		InitialBackoff: time.Second,
	}
}

// Execute classifies and extracts. A schema violation in the model
// output is permanent; transport failures are retried.
func (s *ClassifyExtract) Execute(ctx context.Context, run *pipeline.Run) error {
	doc := run.Document
	if doc.OCRText == "" {
		return pipeline.Permanent(s.Name(),
			fmt.Errorf("%w: document has no ocr text", pipeline.ErrExtractionFailed))
	}

	resp, err := s.Provider.ExtractStructured(ctx, &ai.ExtractionRequest{
		OCRText:  doc.OCRText,
		Filename: doc.Filename,
		MimeType: doc.MimeType,
	})
	if err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("%w: %v", pipeline.ErrExtractionFailed, err))
	}

	result, err := extract.Parse(resp.RawJSON)
	if err != nil {
		if errors.Is(err, extract.ErrSchemaViolation) {
			return pipeline.Permanent(s.Name(), fmt.Errorf("%w: %v", pipeline.ErrSchemaViolation, err))
		}
		return pipeline.Permanent(s.Name(), fmt.Errorf("%w: %v", pipeline.ErrExtractionFailed, err))
	}

	doc.DocumentType = result.Data.DocumentType
	doc.Metadata = result.Blob
	err = s.Store.DB().WithContext(ctx).Model(doc).Updates(map[string]interface{}{
		"document_type": doc.DocumentType,
		"metadata":      doc.Metadata,
	}).Error
	if err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("failed to persist extraction: %w", err))
	}

	run.SetExtraction(result.Data)
	return nil
}
