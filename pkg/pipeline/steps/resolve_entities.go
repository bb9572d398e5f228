package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/chittyos/evidence-core/pkg/extract"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// ResolveEntities links each extracted party to an entity, creating
// entities as needed. Parties marked as gaps are skipped; they resolve
// later through gap resolution.
type ResolveEntities struct {
	Store *graph.Store
}

// Name returns the step name.
func (s *ResolveEntities) Name() string { return "resolve_entities" }

// Policy returns the step's retry policy.
func (s *ResolveEntities) Policy() pipeline.Policy {
	return pipeline.Policy{
		Timeout:        2 * time.Minute,
		MaxRetries:     3,
		InitialBackoff: time.Second,
	}
}

// Execute resolves and links parties. ResolveEntity and LinkEntity are
// both idempotent, so reruns converge.
func (s *ResolveEntities) Execute(ctx context.Context, run *pipeline.Run) error {
	data, err := run.Extraction()
	if err != nil {
		return pipeline.Permanent(s.Name(), err)
	}

	for _, party := range data.Parties {
		if party.Name == "" || extract.ContainsPlaceholder(party.Name) {
			continue
		}

		ent, created, err := s.Store.ResolveEntity(ctx, party.Name, party.Kind)
		if err != nil {
			return pipeline.Transient(s.Name(), fmt.Errorf("failed to resolve %q: %w", party.Name, err))
		}
		if created {
			run.Logger.Debug("created entity for party", "name", party.Name, "entity_id", ent.ID)
		}

		role := party.Role
		if role == "" {
			role = "party"
		}
		if err := s.Store.LinkEntity(ctx, run.Document.ID, ent.ID, role, party.Confidence); err != nil {
			return pipeline.Transient(s.Name(), fmt.Errorf("failed to link %q: %w", party.Name, err))
		}
	}
	return nil
}
