package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KnowledgeGap is a first-class record of something the extractor declined
// to guess. Repeated sightings of the same unknown collapse onto one gap
// via the fingerprint; each sighting is a GapOccurrence.
type KnowledgeGap struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Type        string `gorm:"type:varchar(30);not null;index:idx_gaps_type" json:"type"`
	Fingerprint string `gorm:"type:varchar(64);not null;uniqueIndex:idx_gaps_fingerprint" json:"fingerprint"`

	PartialValue    string   `gorm:"type:varchar(500)" json:"partialValue,omitempty"`
	ContextClues    []string `gorm:"serializer:json;type:jsonb" json:"contextClues,omitempty"`
	ResolutionHints []string `gorm:"serializer:json;type:jsonb" json:"resolutionHints,omitempty"`

	ConfidenceThreshold float64 `gorm:"not null;default:0.9" json:"confidenceThreshold"`
	OccurrenceCount     int     `gorm:"not null;default:0" json:"occurrenceCount"`

	Status              string     `gorm:"type:varchar(20);not null;default:'open';index:idx_gaps_status" json:"status"`
	ResolvedValue       *string    `gorm:"type:varchar(500)" json:"resolvedValue,omitempty"`
	ResolutionSourceDoc *uuid.UUID `gorm:"type:uuid" json:"resolutionSourceDoc,omitempty"`

	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Gap status values. open -> pending_review -> resolved, or open -> unresolvable.
const (
	GapStatusOpen          = "open"
	GapStatusPendingReview = "pending_review"
	GapStatusResolved      = "resolved"
	GapStatusUnresolvable  = "unresolvable"
)

// Gap type values.
const (
	GapTypeEntityName     = "entity_name"
	GapTypeDate           = "date"
	GapTypeAmount         = "amount"
	GapTypeAddress        = "address"
	GapTypeRelationship   = "relationship"
	GapTypeAuthorityScope = "authority_scope"
	GapTypeDocumentRef    = "document_reference"
	GapTypeIdentifier     = "identifier"
)

// TableName specifies the table name.
func (KnowledgeGap) TableName() string {
	return "knowledge_gaps"
}

// GapFingerprint derives the stable identity of a gap from its semantic
// content: type, normalized partial value, and normalized context clues.
// Clue order does not affect the result.
func GapFingerprint(gapType, partialValue string, contextClues []string) string {
	normalized := make([]string, 0, len(contextClues))
	for _, clue := range contextClues {
		c := strings.Join(strings.Fields(strings.ToLower(clue)), " ")
		if c != "" {
			normalized = append(normalized, c)
		}
	}
	sort.Strings(normalized)

	h := sha256.New()
	h.Write([]byte(gapType))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(strings.Fields(strings.ToLower(partialValue)), " ")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(normalized, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// BeforeCreate hook to ensure ID, fingerprint, and timestamps.
func (g *KnowledgeGap) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.Type == "" {
		return fmt.Errorf("type is required")
	}
	if g.Fingerprint == "" {
		g.Fingerprint = GapFingerprint(g.Type, g.PartialValue, g.ContextClues)
	}
	if g.Status == "" {
		g.Status = GapStatusOpen
	}
	now := time.Now()
	if g.FirstSeenAt.IsZero() {
		g.FirstSeenAt = now
	}
	if g.LastSeenAt.IsZero() {
		g.LastSeenAt = now
	}
	return nil
}

// GetGapByFingerprint returns the gap with the given fingerprint.
func GetGapByFingerprint(db *gorm.DB, fingerprint string) (*KnowledgeGap, error) {
	var gap KnowledgeGap
	if err := db.Where("fingerprint = ?", fingerprint).First(&gap).Error; err != nil {
		return nil, err
	}
	return &gap, nil
}

// GetOpenGaps returns gaps in open or pending_review state.
func GetOpenGaps(db *gorm.DB) ([]KnowledgeGap, error) {
	var gaps []KnowledgeGap
	err := db.Where("status IN ?", []string{GapStatusOpen, GapStatusPendingReview}).
		Order("occurrence_count DESC").
		Find(&gaps).Error
	return gaps, err
}

// GapOccurrence records a single sighting of a gap in a document.
// Unique per (gap, document, field path).
type GapOccurrence struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	GapID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_gap_occurrence;index:idx_occurrences_gap" json:"gapId"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_gap_occurrence;index:idx_occurrences_document" json:"documentId"`
	FieldPath  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_gap_occurrence" json:"fieldPath"`

	Page                 *int                   `json:"page,omitempty"`
	BoundingBox          map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"boundingBox,omitempty"`
	SurroundingText      string                 `gorm:"type:text" json:"surroundingText,omitempty"`
	LocalContext         string                 `gorm:"type:text" json:"localContext,omitempty"`
	ExtractionConfidence float64                `json:"extractionConfidence"`
	PlaceholderValue     string                 `gorm:"type:varchar(500)" json:"placeholderValue"`
}

// TableName specifies the table name.
func (GapOccurrence) TableName() string {
	return "gap_occurrences"
}

// GetOccurrencesByGap returns every recorded sighting of a gap.
func GetOccurrencesByGap(db *gorm.DB, gapID uuid.UUID) ([]GapOccurrence, error) {
	var occ []GapOccurrence
	err := db.Where("gap_id = ?", gapID).Order("created_at ASC").Find(&occ).Error
	return occ, err
}

// GapCandidate is a proposed resolution for a gap.
type GapCandidate struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	GapID            uuid.UUID  `gorm:"type:uuid;not null;index:idx_candidates_gap" json:"gapId"`
	ProposedValue    string     `gorm:"type:varchar(500);not null" json:"proposedValue"`
	SourceType       string     `gorm:"type:varchar(20);not null" json:"sourceType"`
	SourceDocumentID *uuid.UUID `gorm:"type:uuid" json:"sourceDocumentId,omitempty"`
	Confidence       float64    `gorm:"not null" json:"confidence"`

	Confirmations int    `gorm:"not null;default:0" json:"confirmations"`
	Rejections    int    `gorm:"not null;default:0" json:"rejections"`
	Status        string `gorm:"type:varchar(20);not null;default:'proposed'" json:"status"`
}

// Candidate source types.
const (
	CandidateSourceAIInference   = "ai_inference"
	CandidateSourceDocumentMatch = "document_match"
	CandidateSourceExternalAPI   = "external_api"
	CandidateSourceUserInput     = "user_input"
)

// Candidate status values.
const (
	CandidateStatusProposed = "proposed"
	CandidateStatusAccepted = "accepted"
	CandidateStatusRejected = "rejected"
)

// TableName specifies the table name.
func (GapCandidate) TableName() string {
	return "gap_candidates"
}

// BeforeCreate hook to ensure ID and status default.
func (c *GapCandidate) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.GapID == uuid.Nil {
		return fmt.Errorf("gap_id is required")
	}
	if c.Status == "" {
		c.Status = CandidateStatusProposed
	}
	return nil
}
