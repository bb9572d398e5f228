package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/chittyos/evidence-core/pkg/extract"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// UpdateAuthority records extracted authority grants, superseding any
// prior active grant for the same (grantor, grantee, type) triple.
type UpdateAuthority struct {
	Store *graph.Store
}

// Name returns the step name.
func (s *UpdateAuthority) Name() string { return "update_authority" }

// Policy returns the step's retry policy.
func (s *UpdateAuthority) Policy() pipeline.Policy {
	return pipeline.Policy{
		Timeout:        2 * time.Minute,
		MaxRetries:     3,
		InitialBackoff: time.Second,
	}
}

// Execute inserts grants whose parties resolved in the previous step.
// Grants naming a placeholder or an unresolved party are skipped; gap
// resolution re-creates them later.
func (s *UpdateAuthority) Execute(ctx context.Context, run *pipeline.Run) error {
	data, err := run.Extraction()
	if err != nil {
		return pipeline.Permanent(s.Name(), err)
	}

	db := s.Store.DB().WithContext(ctx)
	for _, spec := range data.AuthorityGrants {
		if extract.ContainsPlaceholder(spec.GrantorName) || extract.ContainsPlaceholder(spec.GranteeName) {
			continue
		}
		if spec.GrantorName == "" || spec.GranteeName == "" || spec.Type == "" {
			continue
		}

		grantors, err := models.FindEntitiesByNormalizedName(db, spec.GrantorName)
		if err != nil {
			return pipeline.Transient(s.Name(), err)
		}
		grantees, err := models.FindEntitiesByNormalizedName(db, spec.GranteeName)
		if err != nil {
			return pipeline.Transient(s.Name(), err)
		}
		if len(grantors) == 0 || len(grantees) == 0 {
			run.Logger.Warn("skipping grant with unresolved party",
				"grantor", spec.GrantorName, "grantee", spec.GranteeName)
			continue
		}

		grant := &models.AuthorityGrant{
			DocumentID:      run.Document.ID,
			GrantorEntityID: grantors[0].ID,
			GranteeEntityID: grantees[0].ID,
			AuthorityType:   spec.Type,
			Scope:           spec.Scope,
			EffectiveDate:   extract.ParseDate(spec.EffectiveDate),
			ExpirationDate:  extract.ParseDate(spec.ExpirationDate),
		}

		// Rerun safety: the grant this document asserts may already be
		// recorded from a previous attempt.
		existing, err := models.GetGrantsByDocument(db, run.Document.ID)
		if err != nil {
			return pipeline.Transient(s.Name(), err)
		}
		if grantRecorded(existing, grant) {
			continue
		}

		if _, err := s.Store.InsertGrant(ctx, grant); err != nil {
			return pipeline.Transient(s.Name(),
				fmt.Errorf("failed to insert %s grant: %w", spec.Type, err))
		}
	}
	return nil
}

func grantRecorded(existing []models.AuthorityGrant, g *models.AuthorityGrant) bool {
	for _, e := range existing {
		if e.GrantorEntityID == g.GrantorEntityID &&
			e.GranteeEntityID == g.GranteeEntityID &&
			e.AuthorityType == g.AuthorityType {
			return true
		}
	}
	return false
}
