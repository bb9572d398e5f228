package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/pkg/models"
)

// MergeEntities folds the loser entity into the winner. Every reference
// to the loser (document links, grants on either side, gap resolution
// sources) is rewritten in one transaction, and the loser is tombstoned
// with merged_into. Links that would collide with an existing winner
// link are dropped rather than duplicated.
func (s *Store) MergeEntities(ctx context.Context, winnerID, loserID uuid.UUID) error {
	if winnerID == loserID {
		return ErrSelfReference
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		winner, err := models.GetEntity(tx, winnerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("winner entity %s: %w", winnerID, ErrNotFound)
			}
			return err
		}
		if winner.MergedInto != nil {
			return fmt.Errorf("%w: winner %s already merged", ErrMergeConflict, winnerID)
		}

		loser, err := models.GetEntity(tx, loserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("loser entity %s: %w", loserID, ErrNotFound)
			}
			return err
		}
		if loser.MergedInto != nil {
			return fmt.Errorf("%w: loser %s already merged", ErrMergeConflict, loserID)
		}

		// Drop loser links that the winner already covers, then repoint
		// the rest. Keeps idx_doc_entity_role satisfied.
		if err := tx.Exec(`
			DELETE FROM document_entity_links
			WHERE entity_id = ?
			  AND EXISTS (
				SELECT 1 FROM document_entity_links w
				WHERE w.entity_id = ?
				  AND w.document_id = document_entity_links.document_id
				  AND w.role = document_entity_links.role
			  )`, loserID, winnerID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.DocumentEntityLink{}).
			Where("entity_id = ?", loserID).
			Update("entity_id", winnerID).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.AuthorityGrant{}).
			Where("grantor_entity_id = ?", loserID).
			Update("grantor_entity_id", winnerID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.AuthorityGrant{}).
			Where("grantee_entity_id = ?", loserID).
			Update("grantee_entity_id", winnerID).Error; err != nil {
			return err
		}

		// Merge identifiers the winner does not already carry.
		if len(loser.Identifiers) > 0 {
			if winner.Identifiers == nil {
				winner.Identifiers = map[string]interface{}{}
			}
			changed := false
			for k, v := range loser.Identifiers {
				if _, ok := winner.Identifiers[k]; !ok {
					winner.Identifiers[k] = v
					changed = true
				}
			}
			if changed {
				if err := tx.Model(winner).Update("identifiers", winner.Identifiers).Error; err != nil {
					return err
				}
			}
		}

		if err := tx.Model(loser).Update("merged_into", winnerID).Error; err != nil {
			return err
		}

		s.logger.Info("merged entities",
			"winner", winnerID, "loser", loserID,
			"winner_name", winner.Name, "loser_name", loser.Name,
		)
		return nil
	})
	return err
}

// MergeDocuments folds the newer duplicate into the older original. The
// loser keeps its row for audit but is marked superseded and all of its
// entity links, grants, and gap occurrences are rewritten onto the
// winner.
func (s *Store) MergeDocuments(ctx context.Context, winnerID, loserID uuid.UUID) error {
	if winnerID == loserID {
		return ErrSelfReference
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		winner, err := models.GetDocument(tx, winnerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("winner document %s: %w", winnerID, ErrNotFound)
			}
			return err
		}
		loser, err := models.GetDocument(tx, loserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("loser document %s: %w", loserID, ErrNotFound)
			}
			return err
		}
		if loser.Status == models.DocumentStatusSuperseded {
			return fmt.Errorf("%w: document %s already superseded", ErrMergeConflict, loserID)
		}

		// Links, with the same collision rule as entity merges.
		if err := tx.Exec(`
			DELETE FROM document_entity_links
			WHERE document_id = ?
			  AND EXISTS (
				SELECT 1 FROM document_entity_links w
				WHERE w.document_id = ?
				  AND w.entity_id = document_entity_links.entity_id
				  AND w.role = document_entity_links.role
			  )`, loserID, winnerID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.DocumentEntityLink{}).
			Where("document_id = ?", loserID).
			Update("document_id", winnerID).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.AuthorityGrant{}).
			Where("document_id = ?", loserID).
			Update("document_id", winnerID).Error; err != nil {
			return err
		}

		if err := tx.Exec(`
			DELETE FROM gap_occurrences
			WHERE document_id = ?
			  AND EXISTS (
				SELECT 1 FROM gap_occurrences w
				WHERE w.document_id = ?
				  AND w.gap_id = gap_occurrences.gap_id
				  AND w.field_path = gap_occurrences.field_path
			  )`, loserID, winnerID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.GapOccurrence{}).
			Where("document_id = ?", loserID).
			Update("document_id", winnerID).Error; err != nil {
			return err
		}

		if err := tx.Model(loser).Updates(map[string]interface{}{
			"status":        models.DocumentStatusSuperseded,
			"superseded_by": winnerID,
		}).Error; err != nil {
			return err
		}
		if winner.Supersedes == nil {
			if err := tx.Model(winner).Update("supersedes", loserID).Error; err != nil {
				return err
			}
		}

		s.logger.Info("merged documents", "winner", winnerID, "loser", loserID)
		return nil
	})
	return err
}
