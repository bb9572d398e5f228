package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/chittyos/evidence-core/pkg/extract"
	"github.com/chittyos/evidence-core/pkg/models"
)

// Policy bounds one step: per-attempt timeout, retry budget, and the
// initial backoff interval (doubling per attempt).
type Policy struct {
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// Step is one unit of the document pipeline. Execute must be safe to
// repeat: its side effects are upserts and conditional inserts, and crash
// recovery re-runs any step without a success log entry.
type Step interface {
	Name() string
	Policy() Policy
	Execute(ctx context.Context, run *Run) error
}

// Run is the per-document execution state. Steps read and mutate the
// document row; derived state is recovered from the row after a restart
// rather than held in memory.
type Run struct {
	Document   *models.Document
	InstanceID uuid.UUID
	Logger     hclog.Logger

	extraction *extract.Data
}

// Extraction returns the typed extraction result, decoding the persisted
// metadata blob on first use.
func (r *Run) Extraction() (*extract.Data, error) {
	if r.extraction != nil {
		return r.extraction, nil
	}
	if r.Document.Metadata == nil {
		return nil, fmt.Errorf("document %s has no extracted metadata", r.Document.ID)
	}
	data, err := extract.FromMetadata(r.Document.Metadata)
	if err != nil {
		return nil, err
	}
	r.extraction = data
	return data, nil
}

// SetExtraction caches the typed result after the extraction step parses
// it, saving the re-decode on the happy path.
func (r *Run) SetExtraction(data *extract.Data) {
	r.extraction = data
}
