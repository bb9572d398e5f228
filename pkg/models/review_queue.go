package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReviewQueueItem is a polymorphic pointer to a row in another table that
// needs a human decision (duplicate candidates, corrections, gaps).
type ReviewQueueItem struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ItemType    string `gorm:"type:varchar(20);not null;index:idx_review_type" json:"itemType"`
	SourceTable string `gorm:"type:varchar(50);not null" json:"sourceTable"`
	SourceID    string `gorm:"type:varchar(64);not null;index:idx_review_source" json:"sourceId"`

	Priority   int        `gorm:"not null;default:50;index:idx_review_priority" json:"priority"`
	Status     string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_review_status" json:"status"`
	Resolution string     `gorm:"type:text" json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Review item types.
const (
	ReviewTypeDuplicate  = "duplicate"
	ReviewTypeCorrection = "correction"
	ReviewTypeGap        = "gap"
)

// Review status values.
const (
	ReviewStatusPending   = "pending"
	ReviewStatusResolved  = "resolved"
	ReviewStatusDismissed = "dismissed"
)

// TableName specifies the table name.
func (ReviewQueueItem) TableName() string {
	return "review_queue_items"
}

// BeforeCreate hook to ensure ID and defaults.
func (r *ReviewQueueItem) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.SourceTable == "" || r.SourceID == "" {
		return fmt.Errorf("source_table and source_id are required")
	}
	if r.Status == "" {
		r.Status = ReviewStatusPending
	}
	return nil
}

// Resolve marks the item resolved with the given outcome.
func (r *ReviewQueueItem) Resolve(db *gorm.DB, resolution string) error {
	now := time.Now()
	r.Status = ReviewStatusResolved
	r.Resolution = resolution
	r.ResolvedAt = &now
	return db.Model(r).Updates(map[string]interface{}{
		"status":      ReviewStatusResolved,
		"resolution":  resolution,
		"resolved_at": now,
	}).Error
}

// GetPendingReviews returns pending reviews ordered by priority.
func GetPendingReviews(db *gorm.DB, itemType string, limit int) ([]ReviewQueueItem, error) {
	q := db.Where("status = ?", ReviewStatusPending).Order("priority DESC, created_at ASC")
	if itemType != "" {
		q = q.Where("item_type = ?", itemType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var items []ReviewQueueItem
	err := q.Find(&items).Error
	return items, err
}

// ResolveReviewBySource resolves the pending review pointing at a source row.
func ResolveReviewBySource(db *gorm.DB, sourceTable, sourceID, resolution string) error {
	now := time.Now()
	return db.Model(&ReviewQueueItem{}).
		Where("source_table = ? AND source_id = ? AND status = ?", sourceTable, sourceID, ReviewStatusPending).
		Updates(map[string]interface{}{
			"status":      ReviewStatusResolved,
			"resolution":  resolution,
			"resolved_at": now,
		}).Error
}
