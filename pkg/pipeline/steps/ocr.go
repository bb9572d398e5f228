// Package steps contains the eight pipeline steps, in order: ocr,
// classify_extract, register_gaps, resolve_entities, update_authority,
// embed, duplicate_check, finalize. Each step is idempotent against its
// persisted outcome so crash recovery can repeat it safely.
package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chittyos/evidence-core/pkg/ai"
	"github.com/chittyos/evidence-core/pkg/blobstore"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// OCR reads the document bytes from the blob store and extracts text via
// the vision backend.
type OCR struct {
	Blobs    blobstore.Store
	Provider ai.Provider
	Store    *graph.Store

	// MaxTimeout overrides the default per-attempt OCR budget when set.
	MaxTimeout time.Duration
}

// Name returns the step name.
func (s *OCR) Name() string { return "ocr" }

// Policy returns the step's retry policy.
func (s *OCR) Policy() pipeline.Policy {
	timeout := 5 * time.Minute
	if s.MaxTimeout > 0 {
		timeout = s.MaxTimeout
	}
	return pipeline.Policy{
		Timeout:        timeout,
		MaxRetries:     5,
		InitialBackoff: 10 * time.Second,
	}
}

// Execute runs OCR. A document that already carries OCR text is done.
func (s *OCR) Execute(ctx context.Context, run *pipeline.Run) error {
	doc := run.Document
	if doc.OCRText != "" {
		return nil
	}

	content, err := s.Blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return pipeline.Permanent(s.Name(),
				fmt.Errorf("%w: document bytes missing at %s", pipeline.ErrOCRFailed, doc.StorageKey))
		}
		return pipeline.Transient(s.Name(), fmt.Errorf("%w: blob read: %v", pipeline.ErrOCRFailed, err))
	}

	resp, err := s.Provider.ExtractText(ctx, &ai.OCRRequest{
		Content:  content,
		MimeType: doc.MimeType,
		Filename: doc.Filename,
	})
	if err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("%w: %v", pipeline.ErrOCRFailed, err))
	}
	if resp.Text == "" {
		return pipeline.Permanent(s.Name(),
			fmt.Errorf("%w: backend returned empty text", pipeline.ErrOCRFailed))
	}

	doc.OCRText = resp.Text
	if err := s.Store.DB().WithContext(ctx).Model(doc).Update("ocr_text", resp.Text).Error; err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("failed to persist ocr text: %w", err))
	}
	return nil
}
