package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CorrectionRule describes a repeatable edit across the corpus: which
// documents it matches and how the corrected value is produced.
type CorrectionRule struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Name     string `gorm:"type:varchar(255);not null" json:"name"`
	RuleType string `gorm:"type:varchar(50);not null" json:"ruleType"`

	MatchCriteria map[string]interface{} `gorm:"serializer:json;type:jsonb;not null" json:"matchCriteria"`

	CorrectionType   string `gorm:"type:varchar(20);not null" json:"correctionType"`
	CorrectionValue  string `gorm:"type:text" json:"correctionValue,omitempty"`
	RequiresApproval bool   `gorm:"not null;default:false" json:"requiresApproval"`

	Status string `gorm:"type:varchar(20);not null;default:'draft';index:idx_rules_status" json:"status"`

	// Counters
	DocumentsMatched   int `gorm:"not null;default:0" json:"documentsMatched"`
	CorrectionsQueued  int `gorm:"not null;default:0" json:"correctionsQueued"`
	CorrectionsApplied int `gorm:"not null;default:0" json:"correctionsApplied"`
}

// Correction types.
const (
	CorrectionTypeReplace      = "replace"
	CorrectionTypeRegex        = "regex"
	CorrectionTypeAIReextract  = "ai_reextract"
	CorrectionTypeManualReview = "manual_review"
)

// Rule status values.
const (
	RuleStatusDraft    = "draft"
	RuleStatusActive   = "active"
	RuleStatusPaused   = "paused"
	RuleStatusArchived = "archived"
)

// TableName specifies the table name.
func (CorrectionRule) TableName() string {
	return "correction_rules"
}

// BeforeCreate hook to ensure ID and defaults.
func (r *CorrectionRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Status == "" {
		r.Status = RuleStatusDraft
	}
	switch r.CorrectionType {
	case CorrectionTypeReplace, CorrectionTypeRegex, CorrectionTypeAIReextract, CorrectionTypeManualReview:
	default:
		return fmt.Errorf("unknown correction type: %s", r.CorrectionType)
	}
	return nil
}

// GetRule fetches a rule by id.
func GetRule(db *gorm.DB, id uuid.UUID) (*CorrectionRule, error) {
	var rule CorrectionRule
	if err := db.Where("id = ?", id).First(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ProposedValue kinds. The kind tag is persisted next to the value so
// re-extraction and manual-review markers never round-trip through string
// sentinels.
const (
	ProposedKindLiteral      = "literal"
	ProposedKindAIReextract  = "ai_reextract"
	ProposedKindManualReview = "manual_review"
)

// CorrectionQueueItem is one proposed edit to one field of one document.
// Unique per (rule, document, field path).
type CorrectionQueueItem struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	RuleID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_correction_queue;index:idx_queue_rule" json:"ruleId"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_correction_queue" json:"documentId"`
	FieldPath  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_correction_queue" json:"fieldPath"`

	CurrentValue  string  `gorm:"type:text" json:"currentValue"`
	ProposedKind  string  `gorm:"type:varchar(20);not null;default:'literal'" json:"proposedKind"`
	ProposedValue string  `gorm:"type:text" json:"proposedValue"`
	Confidence    float64 `gorm:"not null" json:"confidence"`

	Status          string  `gorm:"type:varchar(20);not null;default:'pending';index:idx_queue_status" json:"status"`
	RejectionReason string  `gorm:"type:text" json:"rejectionReason,omitempty"`
	RollbackValue   *string `gorm:"type:text" json:"rollbackValue,omitempty"`
}

// Queue item status values.
// pending -> approved -> applied, pending -> rejected, approved -> skipped.
const (
	CorrectionStatusPending  = "pending"
	CorrectionStatusApproved = "approved"
	CorrectionStatusApplied  = "applied"
	CorrectionStatusRejected = "rejected"
	CorrectionStatusSkipped  = "skipped"
)

// TableName specifies the table name.
func (CorrectionQueueItem) TableName() string {
	return "correction_queue_items"
}

// BeforeCreate hook to ensure ID and defaults.
func (i *CorrectionQueueItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.Status == "" {
		i.Status = CorrectionStatusPending
	}
	if i.ProposedKind == "" {
		i.ProposedKind = ProposedKindLiteral
	}
	return nil
}

// GetQueueItemsByStatus returns queue items in the given status, oldest first.
func GetQueueItemsByStatus(db *gorm.DB, status string, limit int) ([]CorrectionQueueItem, error) {
	var items []CorrectionQueueItem
	q := db.Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&items).Error
	return items, err
}

// CorrectionAuditLog is the append-only trail of applied corrections.
type CorrectionAuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	QueueItemID uuid.UUID `gorm:"type:uuid;not null;index:idx_audit_item" json:"queueItemId"`
	DocumentID  uuid.UUID `gorm:"type:uuid;not null;index:idx_audit_document" json:"documentId"`
	FieldPath   string    `gorm:"type:varchar(255);not null" json:"fieldPath"`
	OldValue    string    `gorm:"type:text" json:"oldValue"`
	NewValue    string    `gorm:"type:text" json:"newValue"`
}

// TableName specifies the table name.
func (CorrectionAuditLog) TableName() string {
	return "correction_audit_logs"
}
