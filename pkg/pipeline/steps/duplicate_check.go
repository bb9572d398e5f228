package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// DuplicateScanner accepts post-ingest scan requests. The duplicate
// hunter implements it.
type DuplicateScanner interface {
	ScanDocument(ctx context.Context, documentID uuid.UUID) error
}

// DuplicateCheck hands the newly ingested document to the duplicate
// hunter for a targeted scan.
type DuplicateCheck struct {
	Scanner DuplicateScanner
}

// Name returns the step name.
func (s *DuplicateCheck) Name() string { return "duplicate_check" }

// Policy returns the step's retry policy.
func (s *DuplicateCheck) Policy() pipeline.Policy {
	return pipeline.Policy{
		Timeout:        time.Minute,
		MaxRetries:     2,
		InitialBackoff: time.Second,
	}
}

// Execute notifies the duplicate hunter. A nil scanner disables the
// check without failing ingestion.
func (s *DuplicateCheck) Execute(ctx context.Context, run *pipeline.Run) error {
	if s.Scanner == nil {
		run.Logger.Warn("duplicate scanner not configured, skipping post-ingest scan")
		return nil
	}
	if err := s.Scanner.ScanDocument(ctx, run.Document.ID); err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("failed to request duplicate scan: %w", err))
	}
	return nil
}
