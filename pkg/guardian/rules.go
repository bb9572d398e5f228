package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chittyos/evidence-core/pkg/fieldpath"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
)

// Match criteria keys understood by findAffected. "field" names the
// metadata path the correction targets and is required for apply.
const (
	criteriaField         = "field"
	criteriaDocumentType  = "document_type"
	criteriaCreatedAfter  = "created_after"
	criteriaCreatedBefore = "created_before"
	criteriaEntityName    = "entity_name"
	criteriaMetadataPath  = "metadata_path"
)

// regexSpec is the CorrectionValue payload for regex rules, stored as
// JSON: {"pattern": "...", "replacement": "..."}.
type regexSpec struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// CreateRule persists a draft correction rule and reports how many
// documents currently match its criteria.
func (g *Guardian) CreateRule(ctx context.Context, rule *models.CorrectionRule) (affected int, err error) {
	if _, ok := rule.MatchCriteria[criteriaField].(string); !ok {
		return 0, fmt.Errorf("match criteria must name a target field")
	}
	if rule.CorrectionType == models.CorrectionTypeRegex {
		if _, err := parseRegexSpec(rule.CorrectionValue); err != nil {
			return 0, err
		}
	}

	rule.Status = models.RuleStatusDraft
	ids, err := g.findAffected(ctx, rule.MatchCriteria)
	if err != nil {
		return 0, err
	}
	rule.DocumentsMatched = len(ids)

	if err := g.db.WithContext(ctx).Create(rule).Error; err != nil {
		return 0, fmt.Errorf("failed to create rule: %w", err)
	}
	g.logger.Info("created correction rule",
		"rule_id", rule.ID, "name", rule.Name,
		"correction_type", rule.CorrectionType, "documents_matched", len(ids))
	return len(ids), nil
}

// Activate sets a draft or paused rule active.
func (g *Guardian) Activate(ctx context.Context, ruleID uuid.UUID) error {
	res := g.db.WithContext(ctx).Model(&models.CorrectionRule{}).
		Where("id = ? AND status IN ?", ruleID,
			[]string{models.RuleStatusDraft, models.RuleStatusPaused}).
		Update("status", models.RuleStatusActive)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		g.db.Model(&models.CorrectionRule{}).Where("id = ?", ruleID).Count(&count)
		if count == 0 {
			return fmt.Errorf("rule %s: %w", ruleID, graph.ErrNotFound)
		}
		return fmt.Errorf("rule %s: already active or archived", ruleID)
	}
	return nil
}

// Apply computes proposed corrections for every document the rule
// matches and queues them. Unchanged values are skipped; the queue is
// insert-or-ignore on (rule, document, field path), so re-applying a
// rule never duplicates items.
func (g *Guardian) Apply(ctx context.Context, ruleID uuid.UUID) (queued int, err error) {
	rule, err := models.GetRule(g.db.WithContext(ctx), ruleID)
	if err != nil {
		return 0, fmt.Errorf("failed to load rule: %w", err)
	}
	if rule.Status != models.RuleStatusActive {
		return 0, fmt.Errorf("rule %s: %w", ruleID, ErrRuleNotActive)
	}
	field, _ := rule.MatchCriteria[criteriaField].(string)
	if field == "" {
		return 0, fmt.Errorf("rule %s has no target field", ruleID)
	}

	ids, err := g.findAffected(ctx, rule.MatchCriteria)
	if err != nil {
		return 0, err
	}

	var merr *multierror.Error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		created, err := g.queueCorrection(ctx, rule, id, field)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("document %s: %w", id, err))
			continue
		}
		if created {
			queued++
		}
	}

	err = g.db.WithContext(ctx).Model(rule).Updates(map[string]interface{}{
		"documents_matched":  len(ids),
		"corrections_queued": gorm.Expr("corrections_queued + ?", queued),
	}).Error
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	g.logger.Info("applied correction rule",
		"rule_id", rule.ID, "matched", len(ids), "queued", queued)
	return queued, merr.ErrorOrNil()
}

// queueCorrection proposes one correction for one document. Returns
// whether a queue item was created.
func (g *Guardian) queueCorrection(ctx context.Context, rule *models.CorrectionRule, documentID uuid.UUID, field string) (bool, error) {
	db := g.db.WithContext(ctx)

	doc, err := models.GetDocument(db, documentID)
	if err != nil {
		return false, err
	}
	current := ""
	if doc.Metadata != nil {
		current = fieldpath.GetString(doc.Metadata, field)
	}

	item := &models.CorrectionQueueItem{
		RuleID:       rule.ID,
		DocumentID:   documentID,
		FieldPath:    field,
		CurrentValue: current,
		ProposedKind: models.ProposedKindLiteral,
	}

	switch rule.CorrectionType {
	case models.CorrectionTypeReplace:
		item.ProposedValue = rule.CorrectionValue
		item.Confidence = confidenceReplace
		if item.ProposedValue == current {
			return false, nil
		}
	case models.CorrectionTypeRegex:
		spec, err := parseRegexSpec(rule.CorrectionValue)
		if err != nil {
			return false, nil // invalid pattern: skip, per contract
		}
		proposed := spec.re.ReplaceAllString(current, spec.Replacement)
		if proposed == current {
			return false, nil
		}
		item.ProposedValue = proposed
		item.Confidence = confidenceRegex
	case models.CorrectionTypeAIReextract:
		item.ProposedKind = models.ProposedKindAIReextract
		item.Confidence = confidenceAIReextract
	case models.CorrectionTypeManualReview:
		item.ProposedKind = models.ProposedKindManualReview
		item.Confidence = confidenceManualReview
	default:
		return false, fmt.Errorf("unknown correction type %q", rule.CorrectionType)
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if rule.RequiresApproval {
		priority := reviewPriorityOther
		if rule.CorrectionType == models.CorrectionTypeReplace {
			priority = reviewPriorityLiteral
		}
		review := &models.ReviewQueueItem{
			ItemType:    models.ReviewTypeCorrection,
			SourceTable: models.CorrectionQueueItem{}.TableName(),
			SourceID:    item.ID.String(),
			Priority:    priority,
		}
		if err := db.Create(review).Error; err != nil {
			return true, err
		}
	}
	return true, nil
}

// Approve flips pending items to approved and resolves their review
// pointers.
func (g *Guardian) Approve(ctx context.Context, ids []uuid.UUID) (int, error) {
	return g.decide(ctx, ids, models.CorrectionStatusApproved, "")
}

// Reject flips pending items to rejected with an optional reason.
func (g *Guardian) Reject(ctx context.Context, ids []uuid.UUID, reason string) (int, error) {
	return g.decide(ctx, ids, models.CorrectionStatusRejected, reason)
}

func (g *Guardian) decide(ctx context.Context, ids []uuid.UUID, status, reason string) (updated int, err error) {
	table := models.CorrectionQueueItem{}.TableName()
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			values := map[string]interface{}{"status": status}
			if reason != "" {
				values["rejection_reason"] = reason
			}
			res := tx.Model(&models.CorrectionQueueItem{}).
				Where("id = ? AND status = ?", id, models.CorrectionStatusPending).
				Updates(values)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			updated++
			if err := models.ResolveReviewBySource(tx, table, id.String(), status); err != nil {
				return err
			}
		}
		return nil
	})
	return updated, err
}

// findAffected composes predicates from the criteria and returns up to
// 10,000 matching document ids. Metadata-path existence is evaluated
// in-process because the metadata blob is stored serialized.
func (g *Guardian) findAffected(ctx context.Context, criteria map[string]interface{}) ([]uuid.UUID, error) {
	db := g.db.WithContext(ctx)

	q := db.Model(&models.Document{}).
		Where("status <> ?", models.DocumentStatusSuperseded)

	if docType, ok := criteria[criteriaDocumentType].(string); ok && docType != "" {
		q = q.Where("document_type = ?", docType)
	}
	if after, ok := criteria[criteriaCreatedAfter].(string); ok && after != "" {
		t, err := dateparse.ParseAny(after)
		if err != nil {
			return nil, fmt.Errorf("invalid created_after: %w", err)
		}
		q = q.Where("created_at >= ?", t)
	}
	if before, ok := criteria[criteriaCreatedBefore].(string); ok && before != "" {
		t, err := dateparse.ParseAny(before)
		if err != nil {
			return nil, fmt.Errorf("invalid created_before: %w", err)
		}
		q = q.Where("created_at <= ?", t)
	}
	if name, ok := criteria[criteriaEntityName].(string); ok && name != "" {
		q = q.Where("id IN (?)",
			db.Model(&models.DocumentEntityLink{}).
				Select("document_entity_links.document_id").
				Joins("JOIN entities ON entities.id = document_entity_links.entity_id").
				Where("entities.normalized_name LIKE ?", "%"+models.NormalizeEntityName(name)+"%"))
	}

	metaPath, _ := criteria[criteriaMetadataPath].(string)

	var ids []uuid.UUID
	const page = 500
	offset := 0
	for len(ids) < findAffectedCap {
		var docs []models.Document
		err := q.Session(&gorm.Session{}).
			Order("created_at ASC, id ASC").
			Offset(offset).Limit(page).
			Find(&docs).Error
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			break
		}
		offset += len(docs)

		for i := range docs {
			if metaPath != "" {
				if docs[i].Metadata == nil || !fieldpath.Exists(docs[i].Metadata, metaPath) {
					continue
				}
			}
			ids = append(ids, docs[i].ID)
			if len(ids) >= findAffectedCap {
				break
			}
		}
	}
	return ids, nil
}

type compiledRegexSpec struct {
	regexSpec
	re *regexp.Regexp
}

func parseRegexSpec(value string) (*compiledRegexSpec, error) {
	var spec regexSpec
	if err := json.Unmarshal([]byte(value), &spec); err != nil {
		return nil, fmt.Errorf("regex correction value must be JSON with pattern and replacement: %w", err)
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid correction pattern: %w", err)
	}
	return &compiledRegexSpec{regexSpec: spec, re: re}, nil
}

// EncodeRegexCorrection builds the CorrectionValue payload for a regex
// rule.
func EncodeRegexCorrection(pattern, replacement string) string {
	b, _ := json.Marshal(regexSpec{Pattern: pattern, Replacement: replacement})
	return string(b)
}
