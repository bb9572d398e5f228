package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Document is the canonical record of an ingested evidence document.
// Rows are created by the ingestion gateway and mutated only by the
// workflow engine and the accuracy guardian. Documents are never hard
// deleted; a merged or replaced document is marked superseded instead.
type Document struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Content identity
	ContentHash string `gorm:"type:varchar(64);not null;uniqueIndex:idx_documents_content_hash" json:"contentHash"` // SHA-256
	StorageKey  string `gorm:"type:varchar(500);not null" json:"storageKey"`                                        // content-addressed blob key
	Filename    string `gorm:"type:varchar(500)" json:"filename"`
	MimeType    string `gorm:"type:varchar(100)" json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`

	// Classification and extraction results
	DocumentType string                 `gorm:"type:varchar(50);index:idx_documents_type" json:"documentType,omitempty"`
	OCRText      string                 `gorm:"type:text" json:"-"`
	Metadata     map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"metadata,omitempty"`

	// 64-bit perceptual hash (hex), computed lazily for image documents
	// by the duplicate hunter.
	PerceptualHash string `gorm:"type:varchar(16);index:idx_documents_phash" json:"-"`

	// Processing state
	Status        string `gorm:"type:varchar(20);not null;default:'pending';index:idx_documents_status" json:"status"`
	FailedStep    string `gorm:"type:varchar(50)" json:"failedStep,omitempty"`
	FailureReason string `gorm:"type:text" json:"failureReason,omitempty"`

	// Supersession chain. Acyclic per (grantor, grantee, authority type).
	Supersedes   *uuid.UUID `gorm:"type:uuid" json:"supersedes,omitempty"`
	SupersededBy *uuid.UUID `gorm:"type:uuid" json:"supersededBy,omitempty"`

	// Workflow tracking
	WorkflowInstanceID *uuid.UUID `gorm:"type:uuid;index:idx_documents_workflow" json:"workflowInstanceId,omitempty"`
	UploadedBy         string     `gorm:"type:varchar(255)" json:"uploadedBy,omitempty"`
}

// Document status values.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
	DocumentStatusSuperseded = "superseded"
)

// Document type values. Classification output is constrained to this set;
// anything the extractor cannot place lands on DocTypeOther.
const (
	DocTypePOAGeneral         = "poa_general"
	DocTypePOAHealthcare      = "poa_healthcare"
	DocTypePOAFinancial       = "poa_financial"
	DocTypePOALimited         = "poa_limited"
	DocTypeLLCFormation       = "llc_formation"
	DocTypeLLCOperating       = "llc_operating_agreement"
	DocTypeCorpResolution     = "corporate_resolution"
	DocTypeCorpBylaws         = "corporate_bylaws"
	DocTypeFinancialStatement = "financial_statement"
	DocTypeBankStatement      = "bank_statement"
	DocTypeContract           = "contract"
	DocTypeDeed               = "deed"
	DocTypeTrust              = "trust"
	DocTypeWill               = "will"
	DocTypeCourtFiling        = "court_filing"
	DocTypeCorrespondence     = "correspondence"
	DocTypeOther              = "other"
)

// DocumentTypes lists every recognized document type.
var DocumentTypes = []string{
	DocTypePOAGeneral, DocTypePOAHealthcare, DocTypePOAFinancial, DocTypePOALimited,
	DocTypeLLCFormation, DocTypeLLCOperating,
	DocTypeCorpResolution, DocTypeCorpBylaws,
	DocTypeFinancialStatement, DocTypeBankStatement,
	DocTypeContract, DocTypeDeed, DocTypeTrust, DocTypeWill,
	DocTypeCourtFiling, DocTypeCorrespondence, DocTypeOther,
}

// IsValidDocumentType reports whether t is in the closed document type set.
func IsValidDocumentType(t string) bool {
	for _, dt := range DocumentTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// TableName specifies the table name.
func (Document) TableName() string {
	return "documents"
}

// BeforeCreate hook to ensure ID and status defaults.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.ContentHash == "" {
		return fmt.Errorf("content_hash is required")
	}
	if d.Status == "" {
		d.Status = DocumentStatusPending
	}
	return nil
}

// GetDocumentByHash finds a document by its content hash.
// Returns gorm.ErrRecordNotFound when no document has the hash.
func GetDocumentByHash(db *gorm.DB, contentHash string) (*Document, error) {
	var doc Document
	if err := db.Where("content_hash = ?", contentHash).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetDocument fetches a document by id.
func GetDocument(db *gorm.DB, id uuid.UUID) (*Document, error) {
	var doc Document
	if err := db.Where("id = ?", id).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// MarkProcessing transitions the document to processing.
func (d *Document) MarkProcessing(db *gorm.DB) error {
	d.Status = DocumentStatusProcessing
	return db.Model(d).Update("status", DocumentStatusProcessing).Error
}

// MarkCompleted transitions the document to completed and clears any
// failure bookkeeping left over from earlier attempts.
func (d *Document) MarkCompleted(db *gorm.DB) error {
	d.Status = DocumentStatusCompleted
	return db.Model(d).Updates(map[string]interface{}{
		"status":         DocumentStatusCompleted,
		"failed_step":    "",
		"failure_reason": "",
	}).Error
}

// MarkFailed records the failing step and reason.
func (d *Document) MarkFailed(db *gorm.DB, step, reason string) error {
	d.Status = DocumentStatusFailed
	d.FailedStep = step
	d.FailureReason = reason
	return db.Model(d).Updates(map[string]interface{}{
		"status":         DocumentStatusFailed,
		"failed_step":    step,
		"failure_reason": reason,
	}).Error
}
