package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entity is a legal party referenced by documents, grants, and gaps.
// References to entities are weak (id-only); MergeEntities rewrites them
// under a single transaction and sets MergedInto on the loser.
type Entity struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Kind           string                 `gorm:"type:varchar(20);not null;index:idx_entities_kind" json:"kind"`
	Name           string                 `gorm:"type:varchar(500);not null" json:"name"`
	NormalizedName string                 `gorm:"type:varchar(500);not null;index:idx_entities_normalized" json:"normalizedName"`
	Identifiers    map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"identifiers,omitempty"`

	// Set when this entity lost a merge. No new references may target an
	// entity whose MergedInto is non-nil.
	MergedInto *uuid.UUID `gorm:"type:uuid" json:"mergedInto,omitempty"`
}

// Entity kind values.
const (
	EntityKindPerson      = "person"
	EntityKindLLC         = "llc"
	EntityKindCorporation = "corporation"
	EntityKindTrust       = "trust"
	EntityKindPartnership = "partnership"
	EntityKindEstate      = "estate"
)

// TableName specifies the table name.
func (Entity) TableName() string {
	return "entities"
}

// NormalizeEntityName lowercases and collapses runs of whitespace.
func NormalizeEntityName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// BeforeCreate hook to ensure ID and normalized name.
func (e *Entity) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if e.NormalizedName == "" {
		e.NormalizedName = NormalizeEntityName(e.Name)
	}
	return nil
}

// GetEntity fetches an entity by id.
func GetEntity(db *gorm.DB, id uuid.UUID) (*Entity, error) {
	var ent Entity
	if err := db.Where("id = ?", id).First(&ent).Error; err != nil {
		return nil, err
	}
	return &ent, nil
}

// FindEntitiesByNormalizedName returns unmerged entities matching the
// normalized form of name, oldest first.
func FindEntitiesByNormalizedName(db *gorm.DB, name string) ([]Entity, error) {
	var ents []Entity
	err := db.Where("normalized_name = ? AND merged_into IS NULL", NormalizeEntityName(name)).
		Order("created_at ASC").
		Find(&ents).Error
	return ents, err
}

// DocumentEntityLink ties a document to an entity in a given role.
// Unique per (document, entity, role).
type DocumentEntityLink struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_doc_entity_role" json:"documentId"`
	EntityID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_doc_entity_role;index:idx_links_entity" json:"entityId"`
	Role       string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_doc_entity_role" json:"role"`
	Confidence float64   `gorm:"not null" json:"confidence"`
}

// TableName specifies the table name.
func (DocumentEntityLink) TableName() string {
	return "document_entity_links"
}

// GetLinksByDocument returns all entity links for a document.
func GetLinksByDocument(db *gorm.DB, documentID uuid.UUID) ([]DocumentEntityLink, error) {
	var links []DocumentEntityLink
	err := db.Where("document_id = ?", documentID).Find(&links).Error
	return links, err
}
