// Package graph is the knowledge graph store: the single writable system
// of record for documents, entities, authority grants, and knowledge
// gaps. Components hold ids only; all rows are owned here and every
// multi-row mutation happens inside one transaction.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chittyos/evidence-core/pkg/fieldpath"
	"github.com/chittyos/evidence-core/pkg/models"
)

// Typed failures surfaced to callers and the review queue.
var (
	ErrNotFound       = errors.New("not found")
	ErrEntityMerged   = errors.New("entity was merged; no new references allowed")
	ErrMergeConflict  = errors.New("entity merge conflict")
	ErrGrantConflict  = errors.New("grant supersession conflict")
	ErrSelfReference  = errors.New("cannot merge a row into itself")
	ErrFieldPathWrite = errors.New("correction apply failed")
)

// Store provides the knowledge graph operations over a GORM database.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
}

// New creates a knowledge graph store.
func New(db *gorm.DB, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{db: db, logger: logger.Named("graph-store")}
}

// DB exposes the underlying handle for read-only queries by other
// components.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	doc, err := models.GetDocument(s.db.WithContext(ctx), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

// UpsertDocument persists document mutations.
func (s *Store) UpsertDocument(ctx context.Context, doc *models.Document) error {
	return s.db.WithContext(ctx).Save(doc).Error
}

// ResolveEntity finds or creates the entity for an extracted party name.
// Lookup is case-insensitive on the normalized name. Ties prefer the
// longer normalized match, then the earliest created. Entities that lost
// a merge are followed to their merge target.
func (s *Store) ResolveEntity(ctx context.Context, name, kind string) (*models.Entity, bool, error) {
	db := s.db.WithContext(ctx)

	normalized := models.NormalizeEntityName(name)
	if normalized == "" {
		return nil, false, fmt.Errorf("entity name is empty")
	}

	var matches []models.Entity
	// Exact normalized match plus prefix matches, so "sunset holdings"
	// can resolve against "sunset holdings llc".
	err := db.Where("(normalized_name = ? OR normalized_name LIKE ?) AND merged_into IS NULL",
		normalized, normalized+"%").
		Order("length(normalized_name) DESC, created_at ASC").
		Find(&matches).Error
	if err != nil {
		return nil, false, err
	}
	if len(matches) > 0 {
		return &matches[0], false, nil
	}

	ent := &models.Entity{
		Name:           name,
		NormalizedName: normalized,
		Kind:           kind,
	}
	if ent.Kind == "" {
		ent.Kind = inferEntityKind(name)
	}
	if err := db.Create(ent).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create entity: %w", err)
	}
	s.logger.Debug("created entity", "entity_id", ent.ID, "name", name, "kind", ent.Kind)
	return ent, true, nil
}

// LinkEntity connects a document to an entity in a role. Insert-or-ignore
// on (document, entity, role), so re-running a step is safe.
func (s *Store) LinkEntity(ctx context.Context, documentID, entityID uuid.UUID, role string, confidence float64) error {
	db := s.db.WithContext(ctx)

	var ent models.Entity
	if err := db.Select("merged_into").Where("id = ?", entityID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
		}
		return err
	}
	if ent.MergedInto != nil {
		return fmt.Errorf("entity %s: %w", entityID, ErrEntityMerged)
	}

	link := models.DocumentEntityLink{
		DocumentID: documentID,
		EntityID:   entityID,
		Role:       role,
		Confidence: confidence,
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

// grantInsertAttempts bounds retries when two workers race to grant the
// same triple.
const grantInsertAttempts = 3

// InsertGrant records a new authority grant. If an active grant exists
// for the same (grantor, grantee, type) triple, the prior grant is
// deactivated, revoked_by points at the new grant, and the source
// documents are chained via supersedes/superseded_by. All in one
// transaction, preserving the single-active-grant invariant.
//
// A partial unique index on the triple backstops concurrent inserts;
// the loser hits the index and retries, observing the winner's row as
// the prior grant.
func (s *Store) InsertGrant(ctx context.Context, grant *models.AuthorityGrant) (*models.AuthorityGrant, error) {
	var superseded *models.AuthorityGrant
	var err error
	for attempt := 1; attempt <= grantInsertAttempts; attempt++ {
		superseded, err = s.insertGrantOnce(ctx, grant)
		if err == nil || !errors.Is(err, ErrGrantConflict) {
			return superseded, err
		}
		s.logger.Warn("grant supersession conflict, retrying",
			"attempt", attempt,
			"grantor", grant.GrantorEntityID,
			"grantee", grant.GranteeEntityID,
			"authority_type", grant.AuthorityType,
		)
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrGrantConflict, err)
}

func (s *Store) insertGrantOnce(ctx context.Context, grant *models.AuthorityGrant) (superseded *models.AuthorityGrant, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookup := tx
		if tx.Dialector.Name() == "postgres" {
			lookup = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		prior, lookupErr := models.GetActiveGrant(lookup, grant.GrantorEntityID, grant.GranteeEntityID, grant.AuthorityType)
		if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}

		// The prior grant must be deactivated before the new row goes in,
		// or the new row would trip the one-active-grant index.
		if grant.ID == uuid.Nil {
			grant.ID = uuid.New()
		}
		if prior != nil {
			res := tx.Model(&models.AuthorityGrant{}).
				Where("id = ? AND is_active = ?", prior.ID, true).
				Updates(map[string]interface{}{
					"is_active":  false,
					"revoked_by": grant.ID,
				})
			if res.Error != nil {
				return fmt.Errorf("%w: failed to deactivate prior grant: %v", ErrGrantConflict, res.Error)
			}
			if res.RowsAffected == 0 {
				// Another worker already superseded it.
				return fmt.Errorf("%w: prior grant %s no longer active", ErrGrantConflict, prior.ID)
			}
		}

		if err := tx.Create(grant).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", ErrGrantConflict, err)
			}
			return err
		}

		if prior != nil {
			// Chain the source documents.
			if prior.DocumentID != grant.DocumentID {
				if err := tx.Model(&models.Document{}).Where("id = ?", prior.DocumentID).
					Update("superseded_by", grant.DocumentID).Error; err != nil {
					return err
				}
				if err := tx.Model(&models.Document{}).Where("id = ?", grant.DocumentID).
					Update("supersedes", prior.DocumentID).Error; err != nil {
					return err
				}
			}

			superseded = prior
			s.logger.Info("superseded authority grant",
				"prior_grant", prior.ID,
				"new_grant", grant.ID,
				"authority_type", grant.AuthorityType,
			)
		}
		return nil
	})
	return superseded, err
}

// isUniqueViolation detects the duplicate-key errors raised by the
// active-grant partial index, across drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// DeactivateGrant turns off a grant without superseding it.
func (s *Store) DeactivateGrant(ctx context.Context, grantID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.AuthorityGrant{}).
		Where("id = ? AND is_active = ?", grantID, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("grant %s: %w", grantID, ErrNotFound)
	}
	return nil
}

// UpsertKnowledgeGap collapses a sighting onto the gap with the same
// fingerprint, creating it when first seen.
func (s *Store) UpsertKnowledgeGap(ctx context.Context, gap *models.KnowledgeGap) (*models.KnowledgeGap, error) {
	db := s.db.WithContext(ctx)

	if gap.Fingerprint == "" {
		gap.Fingerprint = models.GapFingerprint(gap.Type, gap.PartialValue, gap.ContextClues)
	}

	existing, err := models.GetGapByFingerprint(db, gap.Fingerprint)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(gap).Error; err != nil {
		return nil, err
	}
	// A concurrent writer may have won the insert; read back by
	// fingerprint either way.
	return models.GetGapByFingerprint(db, gap.Fingerprint)
}

// AppendGapOccurrence records a sighting. The occurrence counter and
// last-seen time advance only when the row is new, so re-running a step
// never double-counts.
func (s *Store) AppendGapOccurrence(ctx context.Context, occ *models.GapOccurrence) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(occ)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return tx.Model(&models.KnowledgeGap{}).Where("id = ?", occ.GapID).
			Updates(map[string]interface{}{
				"occurrence_count": gorm.Expr("occurrence_count + 1"),
				"last_seen_at":     time.Now(),
			}).Error
	})
	return created, err
}

// AddGapCandidate proposes a resolution for a gap.
func (s *Store) AddGapCandidate(ctx context.Context, cand *models.GapCandidate) error {
	return s.db.WithContext(ctx).Create(cand).Error
}

// ApplyCorrection rewrites one field of a document's metadata blob and
// returns the previous value for rollback bookkeeping.
func (s *Store) ApplyCorrection(ctx context.Context, documentID uuid.UUID, path string, newValue interface{}) (oldValue string, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := models.GetDocument(tx, documentID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
			}
			return err
		}
		if doc.Metadata == nil {
			return fmt.Errorf("%w: document %s has no metadata", ErrFieldPathWrite, documentID)
		}

		oldValue = fieldpath.GetString(doc.Metadata, path)
		if err := fieldpath.Set(doc.Metadata, path, newValue); err != nil {
			return fmt.Errorf("%w: %v", ErrFieldPathWrite, err)
		}
		return tx.Model(doc).Update("metadata", doc.Metadata).Error
	})
	return oldValue, err
}

// inferEntityKind guesses an entity kind from name suffixes when the
// extractor did not provide one.
func inferEntityKind(name string) string {
	n := models.NormalizeEntityName(name)
	switch {
	case hasSuffixWord(n, "llc"), hasSuffixWord(n, "l.l.c."):
		return models.EntityKindLLC
	case hasSuffixWord(n, "inc"), hasSuffixWord(n, "inc."), hasSuffixWord(n, "corp"),
		hasSuffixWord(n, "corp."), hasSuffixWord(n, "corporation"):
		return models.EntityKindCorporation
	case hasSuffixWord(n, "trust"):
		return models.EntityKindTrust
	case hasSuffixWord(n, "lp"), hasSuffixWord(n, "partnership"):
		return models.EntityKindPartnership
	case hasSuffixWord(n, "estate"):
		return models.EntityKindEstate
	default:
		return models.EntityKindPerson
	}
}

func hasSuffixWord(s, word string) bool {
	return s == word || len(s) > len(word)+1 && s[len(s)-len(word)-1] == ' ' && s[len(s)-len(word):] == word
}
