package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthorityGrant is a document-backed assertion that the grantee may act
// on behalf of the grantor within a stated scope and period. At most one
// grant is active per (grantor, grantee, type); inserting a newer grant
// for the same triple deactivates the prior one and records supersession
// on both the grant and the source documents.
type AuthorityGrant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	DocumentID      uuid.UUID `gorm:"type:uuid;not null;index:idx_grants_document" json:"documentId"`
	GrantorEntityID uuid.UUID `gorm:"type:uuid;not null;index:idx_grants_triple;uniqueIndex:udx_grants_one_active" json:"grantorEntityId"`
	GranteeEntityID uuid.UUID `gorm:"type:uuid;not null;index:idx_grants_triple;uniqueIndex:udx_grants_one_active" json:"granteeEntityId"`
	AuthorityType   string    `gorm:"type:varchar(50);not null;index:idx_grants_triple;uniqueIndex:udx_grants_one_active,where:is_active" json:"authorityType"`

	Scope          map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"scope,omitempty"`
	EffectiveDate  *time.Time             `json:"effectiveDate,omitempty"`
	ExpirationDate *time.Time             `json:"expirationDate,omitempty"`

	IsActive  bool       `gorm:"not null;default:true;index:idx_grants_active" json:"isActive"`
	RevokedBy *uuid.UUID `gorm:"type:uuid" json:"revokedBy,omitempty"`
}

// TableName specifies the table name.
func (AuthorityGrant) TableName() string {
	return "authority_grants"
}

// BeforeCreate hook to ensure ID and references.
func (g *AuthorityGrant) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.DocumentID == uuid.Nil {
		return fmt.Errorf("document_id is required")
	}
	if g.GrantorEntityID == uuid.Nil || g.GranteeEntityID == uuid.Nil {
		return fmt.Errorf("grantor and grantee are required")
	}
	if g.AuthorityType == "" {
		return fmt.Errorf("authority_type is required")
	}
	return nil
}

// GetActiveGrant returns the single active grant for a
// (grantor, grantee, type) triple, or gorm.ErrRecordNotFound.
func GetActiveGrant(db *gorm.DB, grantor, grantee uuid.UUID, authorityType string) (*AuthorityGrant, error) {
	var grant AuthorityGrant
	err := db.Where(
		"grantor_entity_id = ? AND grantee_entity_id = ? AND authority_type = ? AND is_active = ?",
		grantor, grantee, authorityType, true,
	).First(&grant).Error
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// GetGrantsByDocument returns all grants recorded from a document.
func GetGrantsByDocument(db *gorm.DB, documentID uuid.UUID) ([]AuthorityGrant, error) {
	var grants []AuthorityGrant
	err := db.Where("document_id = ?", documentID).Find(&grants).Error
	return grants, err
}

// ActiveAt reports whether the grant is active and valid at t.
func (g *AuthorityGrant) ActiveAt(t time.Time) bool {
	if !g.IsActive {
		return false
	}
	if g.EffectiveDate != nil && t.Before(*g.EffectiveDate) {
		return false
	}
	if g.ExpirationDate != nil && t.After(*g.ExpirationDate) {
		return false
	}
	return true
}
