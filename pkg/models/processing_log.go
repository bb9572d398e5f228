package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcessingLog is the append-only per-step trace of a workflow run.
// A success entry for a step is written only after the step's side effects
// are persisted; crash recovery resumes at the first step with no success
// entry for the instance.
type ProcessingLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	DocumentID         uuid.UUID `gorm:"type:uuid;not null;index:idx_logs_document" json:"documentId"`
	WorkflowInstanceID uuid.UUID `gorm:"type:uuid;not null;index:idx_logs_instance" json:"workflowInstanceId"`
	Step               string    `gorm:"type:varchar(50);not null" json:"step"`
	Status             string    `gorm:"type:varchar(20);not null" json:"status"`
	Error              string    `gorm:"type:text" json:"error,omitempty"`
	DurationMs         int64     `json:"durationMs"`
}

// Log status values.
const (
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
	LogStatusSkipped = "skipped"
)

// TableName specifies the table name.
func (ProcessingLog) TableName() string {
	return "processing_logs"
}

// CompletedSteps returns the set of steps with a success entry for an
// instance.
func CompletedSteps(db *gorm.DB, instanceID uuid.UUID) (map[string]bool, error) {
	var logs []ProcessingLog
	err := db.Where("workflow_instance_id = ? AND status = ?", instanceID, LogStatusSuccess).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(logs))
	for _, l := range logs {
		done[l.Step] = true
	}
	return done, nil
}

// GetLogsByDocument returns the full trace for a document, oldest first.
func GetLogsByDocument(db *gorm.DB, documentID uuid.UUID) ([]ProcessingLog, error) {
	var logs []ProcessingLog
	err := db.Where("document_id = ?", documentID).Order("id ASC").Find(&logs).Error
	return logs, err
}
