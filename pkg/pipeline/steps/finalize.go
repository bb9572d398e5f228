package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// Finalize marks the document completed.
type Finalize struct {
	Store *graph.Store
}

// Name returns the step name.
func (s *Finalize) Name() string { return "finalize" }

// Policy returns the step's retry policy.
func (s *Finalize) Policy() pipeline.Policy {
	return pipeline.Policy{
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Second,
	}
}

// Execute completes the workflow. Superseded documents keep their status;
// a post-ingest auto-merge may have already folded this document away.
func (s *Finalize) Execute(ctx context.Context, run *pipeline.Run) error {
	db := s.Store.DB().WithContext(ctx)

	current, err := models.GetDocument(db, run.Document.ID)
	if err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("failed to reload document: %w", err))
	}
	if current.Status == models.DocumentStatusSuperseded {
		run.Logger.Info("document superseded during processing, leaving status")
		return nil
	}

	if err := run.Document.MarkCompleted(db); err != nil {
		return pipeline.Transient(s.Name(), fmt.Errorf("failed to mark completed: %w", err))
	}
	return nil
}
