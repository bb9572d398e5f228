package guardian

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/pkg/extract"
	"github.com/chittyos/evidence-core/pkg/fieldpath"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
)

// BulkResult summarizes one bulk apply pass.
type BulkResult struct {
	Applied    int `json:"applied"`
	Skipped    int `json:"skipped"`
	Reextract  int `json:"reextract"`
	LeftManual int `json:"leftManual"`
}

// BulkApply drains up to the configured batch of approved queue items
// and applies each in its own transaction, so one bad item never rolls
// back its neighbors. Already-applied items are not selected, which
// makes repeat passes idempotent.
func (g *Guardian) BulkApply(ctx context.Context) (*BulkResult, error) {
	items, err := models.GetQueueItemsByStatus(g.db.WithContext(ctx), models.CorrectionStatusApproved, g.bulkBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to load approved items: %w", err)
	}

	res := &BulkResult{}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item := &items[i]

		switch item.ProposedKind {
		case models.ProposedKindAIReextract:
			if err := g.handoffReextraction(ctx, item); err != nil {
				g.logger.Warn("re-extraction handoff failed",
					"item_id", item.ID, "document_id", item.DocumentID, "error", err)
				continue
			}
			res.Reextract++
		case models.ProposedKindManualReview:
			// Needs a human to supply the value; stays approved.
			res.LeftManual++
		default:
			if err := g.applyItem(ctx, item); err != nil {
				g.logger.Warn("correction apply failed; item skipped",
					"item_id", item.ID, "document_id", item.DocumentID,
					"field_path", item.FieldPath, "error", err)
				if serr := g.markSkipped(ctx, item, err); serr != nil {
					g.logger.Error("failed to mark item skipped", "item_id", item.ID, "error", serr)
				}
				res.Skipped++
				continue
			}
			res.Applied++
		}
	}

	g.logger.Info("bulk apply finished",
		"applied", res.Applied, "skipped", res.Skipped,
		"reextract", res.Reextract, "left_manual", res.LeftManual)
	return res, nil
}

// applyItem writes the correction, rollback value, audit entry, and
// propagation effects in one transaction.
func (g *Guardian) applyItem(ctx context.Context, item *models.CorrectionQueueItem) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := models.GetDocument(tx, item.DocumentID)
		if err != nil {
			return err
		}
		if doc.Metadata == nil {
			return fmt.Errorf("document has no metadata")
		}

		oldValue := fieldpath.GetString(doc.Metadata, item.FieldPath)
		if err := fieldpath.Set(doc.Metadata, item.FieldPath, item.ProposedValue); err != nil {
			return err
		}
		if err := tx.Model(doc).Update("metadata", doc.Metadata).Error; err != nil {
			return err
		}

		rollback := oldValue
		err = tx.Model(item).Updates(map[string]interface{}{
			"status":         models.CorrectionStatusApplied,
			"rollback_value": rollback,
		}).Error
		if err != nil {
			return err
		}

		audit := &models.CorrectionAuditLog{
			QueueItemID: item.ID,
			DocumentID:  item.DocumentID,
			FieldPath:   item.FieldPath,
			OldValue:    oldValue,
			NewValue:    item.ProposedValue,
		}
		if err := tx.Create(audit).Error; err != nil {
			return err
		}

		if _, err := g.propagate(ctx, tx, doc, item.FieldPath, oldValue, item.ProposedValue); err != nil {
			return err
		}

		return tx.Model(&models.CorrectionRule{}).
			Where("id = ?", item.RuleID).
			Update("corrections_applied", gorm.Expr("corrections_applied + 1")).Error
	})
}

func (g *Guardian) handoffReextraction(ctx context.Context, item *models.CorrectionQueueItem) error {
	select {
	case g.reextract <- item.DocumentID:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("re-extraction queue full")
	}
	return g.db.WithContext(ctx).Model(item).
		Update("status", models.CorrectionStatusApplied).Error
}

func (g *Guardian) markSkipped(ctx context.Context, item *models.CorrectionQueueItem, cause error) error {
	return g.db.WithContext(ctx).Model(item).Updates(map[string]interface{}{
		"status":           models.CorrectionStatusSkipped,
		"rejection_reason": cause.Error(),
	}).Error
}

// propagationResult counts side effects of one correction.
type propagationResult struct {
	entitiesCreated    int
	authoritiesUpdated int
}

// propagate reruns graph bookkeeping after a metadata correction.
// Party and entity fields rename or merge the affected Entity; authority
// and date fields update the document's AuthorityGrant rows. Runs inside
// the caller's transaction.
func (g *Guardian) propagate(ctx context.Context, tx *gorm.DB, doc *models.Document, path, oldValue, newValue string) (*propagationResult, error) {
	res := &propagationResult{}

	if touchesEntities(path) && newValue != "" {
		created, err := g.propagateEntity(ctx, tx, doc, oldValue, newValue)
		if err != nil {
			return nil, err
		}
		res.entitiesCreated += created
	}

	if col := authorityColumn(path); col != "" {
		updated, err := propagateAuthority(tx, doc.ID, col, newValue)
		if err != nil {
			return nil, err
		}
		res.authoritiesUpdated += updated
	}

	return res, nil
}

// propagateEntity renames the entity the old value referred to, merging
// into an existing entity when the new name is already taken. Returns
// how many entities were created.
func (g *Guardian) propagateEntity(ctx context.Context, tx *gorm.DB, doc *models.Document, oldValue, newValue string) (int, error) {
	txStore := graph.New(tx, g.logger)

	var olds []models.Entity
	if oldValue != "" {
		if _, _, placeholder := extract.IsPlaceholder(oldValue); !placeholder {
			var err error
			olds, err = models.FindEntitiesByNormalizedName(tx, oldValue)
			if err != nil {
				return 0, err
			}
		}
	}

	if len(olds) == 0 {
		// Nothing to rename: resolve the corrected name and link it.
		ent, created, err := txStore.ResolveEntity(ctx, newValue, "")
		if err != nil {
			return 0, err
		}
		if err := txStore.LinkEntity(ctx, doc.ID, ent.ID, "party", 1.0); err != nil {
			return 0, err
		}
		if created {
			return 1, nil
		}
		return 0, nil
	}

	old := &olds[0]
	targets, err := models.FindEntitiesByNormalizedName(tx, newValue)
	if err != nil {
		return 0, err
	}
	if len(targets) > 0 && targets[0].ID != old.ID {
		return 0, txStore.MergeEntities(ctx, targets[0].ID, old.ID)
	}

	return 0, tx.Model(old).Updates(map[string]interface{}{
		"name":            newValue,
		"normalized_name": models.NormalizeEntityName(newValue),
	}).Error
}

// propagateAuthority updates one AuthorityGrant column for every grant
// recorded from the document. Returns how many rows changed.
func propagateAuthority(tx *gorm.DB, documentID uuid.UUID, column, newValue string) (int, error) {
	var value interface{} = newValue
	if column == "effective_date" || column == "expiration_date" {
		t := extract.ParseDate(newValue)
		if t == nil {
			return 0, fmt.Errorf("corrected value %q is not a date", newValue)
		}
		value = *t
	}

	res := tx.Model(&models.AuthorityGrant{}).
		Where("document_id = ?", documentID).
		Update(column, value)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// touchesEntities reports whether a field path names party or entity
// data.
func touchesEntities(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "parties") || strings.Contains(lower, "entities")
}

// authorityColumn maps a corrected field path onto the AuthorityGrant
// column it propagates to, or "".
func authorityColumn(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "effectivedate"), strings.Contains(lower, "effective_date"):
		return "effective_date"
	case strings.Contains(lower, "expirationdate"), strings.Contains(lower, "expiration_date"):
		return "expiration_date"
	case strings.Contains(lower, "authority"):
		return "authority_type"
	}
	return ""
}
