package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DuplicateCandidate records a suspected duplicate pair found by one of
// the detection methods. The pair is stored ordered (min id first) so an
// unordered pair maps to one row per method.
type DuplicateCandidate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	DocumentID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_duplicate_pair" json:"documentId"`
	CandidateDocumentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_duplicate_pair" json:"candidateDocumentId"`
	Method              string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_duplicate_pair" json:"method"`

	SimilarityScore float64 `gorm:"not null" json:"similarityScore"`
	Confidence      string  `gorm:"type:varchar(10);not null" json:"confidence"`
	Status          string  `gorm:"type:varchar(30);not null;default:'pending';index:idx_duplicates_status" json:"status"`
	AutoResolved    bool    `gorm:"not null;default:false" json:"autoResolved"`
}

// Detection methods.
const (
	DuplicateMethodHash     = "hash"
	DuplicateMethodPHash    = "phash"
	DuplicateMethodSemantic = "semantic"
	DuplicateMethodMetadata = "metadata"
	DuplicateMethodOCRText  = "ocr_text"
)

// Confidence buckets.
const (
	DuplicateConfidenceHigh   = "high"
	DuplicateConfidenceMedium = "medium"
	DuplicateConfidenceLow    = "low"
)

// Candidate status values.
// pending -> confirmed_duplicate -> merged, or pending -> not_duplicate.
const (
	DuplicateStatusPending   = "pending"
	DuplicateStatusConfirmed = "confirmed_duplicate"
	DuplicateStatusMerged    = "merged"
	DuplicateStatusRejected  = "not_duplicate"
)

// TableName specifies the table name.
func (DuplicateCandidate) TableName() string {
	return "duplicate_candidates"
}

// BeforeCreate hook enforces the ordered-pair convention.
func (d *DuplicateCandidate) BeforeCreate(tx *gorm.DB) error {
	if d.DocumentID == uuid.Nil || d.CandidateDocumentID == uuid.Nil {
		return fmt.Errorf("both documents of the pair are required")
	}
	if d.DocumentID == d.CandidateDocumentID {
		return fmt.Errorf("a document cannot be its own duplicate")
	}
	// Ordered pair: min id first.
	if d.DocumentID.String() > d.CandidateDocumentID.String() {
		d.DocumentID, d.CandidateDocumentID = d.CandidateDocumentID, d.DocumentID
	}
	if d.Status == "" {
		d.Status = DuplicateStatusPending
	}
	return nil
}

// OrderPair returns the two ids in the canonical stored order.
func OrderPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// GetDuplicatesByStatus returns candidates in the given status.
func GetDuplicatesByStatus(db *gorm.DB, status string, limit int) ([]DuplicateCandidate, error) {
	var out []DuplicateCandidate
	q := db.Where("status = ?", status).Order("similarity_score DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// GetDuplicatePair returns all method rows for an unordered pair.
func GetDuplicatePair(db *gorm.DB, a, b uuid.UUID) ([]DuplicateCandidate, error) {
	lo, hi := OrderPair(a, b)
	var out []DuplicateCandidate
	err := db.Where("document_id = ? AND candidate_document_id = ?", lo, hi).Find(&out).Error
	return out, err
}

// ScanState persists the duplicate hunter's incremental scan cursor so a
// restarted process resumes where the previous scan stopped.
type ScanState struct {
	Name      string    `gorm:"type:varchar(50);primaryKey" json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`

	LastDocumentID        *uuid.UUID `gorm:"type:uuid" json:"lastDocumentId,omitempty"`
	LastDocumentCreatedAt *time.Time `json:"lastDocumentCreatedAt,omitempty"`
}

// TableName specifies the table name.
func (ScanState) TableName() string {
	return "scan_states"
}
