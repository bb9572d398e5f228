package guardian

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/pkg/fieldpath"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
)

// ResolveResult summarizes a gap resolution: the synthetic correction
// job's reach across documents, fields, and graph rows.
type ResolveResult struct {
	DocumentsUpdated   int `json:"documentsUpdated"`
	FieldsUpdated      int `json:"fieldsUpdated"`
	EntitiesCreated    int `json:"entitiesCreated"`
	AuthoritiesUpdated int `json:"authoritiesUpdated"`
}

// ResolveGap resolves a knowledge gap with an accepted value. Satisfies
// the pipeline's resolver interface; use ResolveGapWithResult when the
// caller wants the counters.
func (g *Guardian) ResolveGap(ctx context.Context, gapID uuid.UUID, value, sourceType string, sourceDoc *uuid.UUID) error {
	_, err := g.ResolveGapWithResult(ctx, gapID, value, sourceType, sourceDoc)
	return err
}

// ResolveGapWithResult closes the gap and runs a synthetic correction
// job: every recorded occurrence's document is updated at its field
// path with the resolved value, with entity and authority propagation,
// all in one transaction.
func (g *Guardian) ResolveGapWithResult(ctx context.Context, gapID uuid.UUID, value, sourceType string, sourceDoc *uuid.UUID) (*ResolveResult, error) {
	if value == "" {
		return nil, fmt.Errorf("resolved value is required")
	}

	res := &ResolveResult{}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var gap models.KnowledgeGap
		if err := tx.Where("id = ?", gapID).First(&gap).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("gap %s: %w", gapID, graph.ErrNotFound)
			}
			return err
		}
		if gap.Status != models.GapStatusOpen && gap.Status != models.GapStatusPendingReview {
			return fmt.Errorf("gap %s: %w", gapID, ErrGapClosed)
		}

		confidence := 1.0 // direct user input
		var accepted models.GapCandidate
		err := tx.Where("gap_id = ? AND proposed_value = ?", gapID, value).
			Order("confidence DESC").First(&accepted).Error
		if err == nil {
			confidence = accepted.Confidence
			if err := tx.Model(&accepted).Updates(map[string]interface{}{
				"status":        models.CandidateStatusAccepted,
				"confirmations": gorm.Expr("confirmations + 1"),
			}).Error; err != nil {
				return err
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		// Synthetic rule anchoring the correction job's queue items and
		// audit trail.
		rule := &models.CorrectionRule{
			Name:            fmt.Sprintf("gap resolution %s", gap.Fingerprint[:12]),
			RuleType:        "gap_resolution",
			MatchCriteria:   map[string]interface{}{criteriaField: "", "gap_id": gapID.String()},
			CorrectionType:  models.CorrectionTypeReplace,
			CorrectionValue: value,
			Status:          models.RuleStatusArchived,
		}
		if err := tx.Create(rule).Error; err != nil {
			return err
		}

		occurrences, err := models.GetOccurrencesByGap(tx, gapID)
		if err != nil {
			return err
		}

		touched := map[uuid.UUID]bool{}
		for i := range occurrences {
			occ := &occurrences[i]
			updated, prop, err := g.applyGapOccurrence(ctx, tx, rule, occ, value, confidence)
			if err != nil {
				return err
			}
			if !updated {
				continue
			}
			res.FieldsUpdated++
			if !touched[occ.DocumentID] {
				touched[occ.DocumentID] = true
				res.DocumentsUpdated++
			}
			res.EntitiesCreated += prop.entitiesCreated
			res.AuthoritiesUpdated += prop.authoritiesUpdated
		}

		if err := tx.Model(&gap).Updates(map[string]interface{}{
			"status":                models.GapStatusResolved,
			"resolved_value":        value,
			"resolution_source_doc": sourceDoc,
		}).Error; err != nil {
			return err
		}
		return models.ResolveReviewBySource(tx, gap.TableName(), gapID.String(), "resolved")
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("resolved knowledge gap",
		"gap_id", gapID, "value", value, "source", sourceType,
		"documents_updated", res.DocumentsUpdated,
		"fields_updated", res.FieldsUpdated,
		"entities_created", res.EntitiesCreated,
		"authorities_updated", res.AuthoritiesUpdated)
	return res, nil
}

// applyGapOccurrence rewrites one occurrence's document field, records
// the applied queue item and audit entry, and runs propagation.
func (g *Guardian) applyGapOccurrence(ctx context.Context, tx *gorm.DB, rule *models.CorrectionRule, occ *models.GapOccurrence, value string, confidence float64) (bool, *propagationResult, error) {
	doc, err := models.GetDocument(tx, occ.DocumentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if doc.Metadata == nil {
		return false, nil, nil
	}

	oldValue := fieldpath.GetString(doc.Metadata, occ.FieldPath)
	if oldValue == value {
		return false, nil, nil
	}
	if err := fieldpath.Set(doc.Metadata, occ.FieldPath, value); err != nil {
		g.logger.Warn("gap occurrence field no longer writable",
			"gap_id", occ.GapID, "document_id", occ.DocumentID,
			"field_path", occ.FieldPath, "error", err)
		return false, nil, nil
	}
	if err := tx.Model(doc).Update("metadata", doc.Metadata).Error; err != nil {
		return false, nil, err
	}

	rollback := oldValue
	item := &models.CorrectionQueueItem{
		RuleID:        rule.ID,
		DocumentID:    occ.DocumentID,
		FieldPath:     occ.FieldPath,
		CurrentValue:  oldValue,
		ProposedKind:  models.ProposedKindLiteral,
		ProposedValue: value,
		Confidence:    confidence,
		Status:        models.CorrectionStatusApplied,
		RollbackValue: &rollback,
	}
	if err := tx.Create(item).Error; err != nil {
		return false, nil, err
	}
	audit := &models.CorrectionAuditLog{
		QueueItemID: item.ID,
		DocumentID:  occ.DocumentID,
		FieldPath:   occ.FieldPath,
		OldValue:    oldValue,
		NewValue:    value,
	}
	if err := tx.Create(audit).Error; err != nil {
		return false, nil, err
	}

	prop, err := g.propagate(ctx, tx, doc, occ.FieldPath, oldValue, value)
	if err != nil {
		return false, nil, err
	}
	return true, prop, nil
}
