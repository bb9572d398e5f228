package graph

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chittyos/evidence-core/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))
	return New(db, hclog.NewNullLogger())
}

func createTestDocument(t *testing.T, s *Store, hash string) *models.Document {
	t.Helper()
	doc := &models.Document{
		ContentHash: hash,
		StorageKey:  "sha256/" + hash,
		Filename:    hash + ".pdf",
		MimeType:    "application/pdf",
		Status:      models.DocumentStatusProcessing,
		Metadata:    map[string]interface{}{},
	}
	require.NoError(t, s.db.Create(doc).Error)
	return doc
}

func TestResolveEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ent, created, err := s.ResolveEntity(ctx, "Sunset Holdings LLC", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.EntityKindLLC, ent.Kind)
	assert.Equal(t, "sunset holdings llc", ent.NormalizedName)

	// Case and whitespace differences resolve to the same entity.
	again, created, err := s.ResolveEntity(ctx, "  SUNSET   holdings llc ", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ent.ID, again.ID)

	// A shorter name resolves against the longer normalized match.
	partial, created, err := s.ResolveEntity(ctx, "Sunset Holdings", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ent.ID, partial.ID)

	// A different name creates a new entity.
	other, created, err := s.ResolveEntity(ctx, "Jane Smith", models.EntityKindPerson)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, ent.ID, other.ID)
}

func TestResolveEntityPrefersEarliestOnTie(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.Entity{Name: "Acme Corp", Kind: models.EntityKindCorporation}
	require.NoError(t, s.db.Create(first).Error)
	second := &models.Entity{
		Name:      "ACME CORP",
		Kind:      models.EntityKindCorporation,
		CreatedAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, s.db.Create(second).Error)

	got, created, err := s.ResolveEntity(ctx, "acme corp", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)
}

func TestLinkEntityIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, s, "aaa")
	ent, _, err := s.ResolveEntity(ctx, "Jane Smith", models.EntityKindPerson)
	require.NoError(t, err)

	require.NoError(t, s.LinkEntity(ctx, doc.ID, ent.ID, "grantor", 0.95))
	require.NoError(t, s.LinkEntity(ctx, doc.ID, ent.ID, "grantor", 0.95))

	links, err := models.GetLinksByDocument(s.db, doc.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	// Same pair in a different role is a second link.
	require.NoError(t, s.LinkEntity(ctx, doc.ID, ent.ID, "witness", 0.8))
	links, err = models.GetLinksByDocument(s.db, doc.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestLinkEntityRejectsMergedEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, s, "bbb")
	winner, _, err := s.ResolveEntity(ctx, "Jane Smith", models.EntityKindPerson)
	require.NoError(t, err)
	loser := &models.Entity{Name: "J. Smith", Kind: models.EntityKindPerson}
	require.NoError(t, s.db.Create(loser).Error)

	require.NoError(t, s.MergeEntities(ctx, winner.ID, loser.ID))

	err = s.LinkEntity(ctx, doc.ID, loser.ID, "grantor", 0.9)
	assert.ErrorIs(t, err, ErrEntityMerged)
}

func TestInsertGrantSupersession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docOld := createTestDocument(t, s, "old")
	docNew := createTestDocument(t, s, "new")
	grantor, _, err := s.ResolveEntity(ctx, "Jane Smith", models.EntityKindPerson)
	require.NoError(t, err)
	grantee, _, err := s.ResolveEntity(ctx, "Robert Jones", models.EntityKindPerson)
	require.NoError(t, err)

	first := &models.AuthorityGrant{
		DocumentID:      docOld.ID,
		GrantorEntityID: grantor.ID,
		GranteeEntityID: grantee.ID,
		AuthorityType:   "power_of_attorney",
	}
	superseded, err := s.InsertGrant(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, superseded)

	second := &models.AuthorityGrant{
		DocumentID:      docNew.ID,
		GrantorEntityID: grantor.ID,
		GranteeEntityID: grantee.ID,
		AuthorityType:   "power_of_attorney",
	}
	superseded, err = s.InsertGrant(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, superseded)
	assert.Equal(t, first.ID, superseded.ID)

	// Exactly one active grant remains for the triple.
	active, err := models.GetActiveGrant(s.db, grantor.ID, grantee.ID, "power_of_attorney")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	var prior models.AuthorityGrant
	require.NoError(t, s.db.First(&prior, "id = ?", first.ID).Error)
	assert.False(t, prior.IsActive)
	require.NotNil(t, prior.RevokedBy)
	assert.Equal(t, second.ID, *prior.RevokedBy)

	// Source documents are chained.
	var oldDoc, newDoc models.Document
	require.NoError(t, s.db.First(&oldDoc, "id = ?", docOld.ID).Error)
	require.NoError(t, s.db.First(&newDoc, "id = ?", docNew.ID).Error)
	require.NotNil(t, oldDoc.SupersededBy)
	assert.Equal(t, docNew.ID, *oldDoc.SupersededBy)
	require.NotNil(t, newDoc.Supersedes)
	assert.Equal(t, docOld.ID, *newDoc.Supersedes)
}

func TestSingleActiveGrantPerTriple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docA := createTestDocument(t, s, "grant-a")
	docB := createTestDocument(t, s, "grant-b")
	docC := createTestDocument(t, s, "grant-c")
	grantor, _, err := s.ResolveEntity(ctx, "Jane Smith", models.EntityKindPerson)
	require.NoError(t, err)
	grantee, _, err := s.ResolveEntity(ctx, "Robert Jones", models.EntityKindPerson)
	require.NoError(t, err)

	newGrant := func(docID uuid.UUID) *models.AuthorityGrant {
		return &models.AuthorityGrant{
			DocumentID:      docID,
			GrantorEntityID: grantor.ID,
			GranteeEntityID: grantee.ID,
			AuthorityType:   "power_of_attorney",
		}
	}

	_, err = s.InsertGrant(ctx, newGrant(docA.ID))
	require.NoError(t, err)

	// A second active row written around the store trips the partial
	// unique index, so two racing workers cannot both commit one.
	err = s.db.Create(newGrant(docB.ID)).Error
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))

	// Supersession through the store still works: the prior row stays,
	// inactive, next to the new active one.
	_, err = s.InsertGrant(ctx, newGrant(docC.ID))
	require.NoError(t, err)

	var total, active int64
	require.NoError(t, s.db.Model(&models.AuthorityGrant{}).Count(&total).Error)
	require.NoError(t, s.db.Model(&models.AuthorityGrant{}).
		Where("is_active = ?", true).Count(&active).Error)
	assert.EqualValues(t, 2, total)
	assert.EqualValues(t, 1, active)
}

func TestUpsertKnowledgeGapAndOccurrences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, s, "ccc")

	gap := &models.KnowledgeGap{
		Type:         models.GapTypeEntityName,
		PartialValue: "J_n S__th",
		ContextClues: []string{"grantor", "signature page"},
	}
	created1, err := s.UpsertKnowledgeGap(ctx, gap)
	require.NoError(t, err)
	assert.Equal(t, 0, created1.OccurrenceCount)

	// Same semantic gap, different clue order, collapses onto one row.
	dup := &models.KnowledgeGap{
		Type:         models.GapTypeEntityName,
		PartialValue: "j_n s__th",
		ContextClues: []string{"signature page", "grantor"},
	}
	created2, err := s.UpsertKnowledgeGap(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, created1.ID, created2.ID)

	occ := &models.GapOccurrence{
		GapID:      created1.ID,
		DocumentID: doc.ID,
		FieldPath:  "parties[0].name",
	}
	isNew, err := s.AppendGapOccurrence(ctx, occ)
	require.NoError(t, err)
	assert.True(t, isNew)

	// Re-running the step must not double count.
	isNew, err = s.AppendGapOccurrence(ctx, &models.GapOccurrence{
		GapID:      created1.ID,
		DocumentID: doc.ID,
		FieldPath:  "parties[0].name",
	})
	require.NoError(t, err)
	assert.False(t, isNew)

	reloaded, err := models.GetGapByFingerprint(s.db, created1.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.OccurrenceCount)
}

func TestApplyCorrection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, s, "ddd")
	doc.Metadata = map[string]interface{}{
		"parties": []interface{}{
			map[string]interface{}{"name": "Jane Smyth", "role": "grantor"},
		},
	}
	require.NoError(t, s.db.Save(doc).Error)

	old, err := s.ApplyCorrection(ctx, doc.ID, "parties[0].name", "Jane Smith")
	require.NoError(t, err)
	assert.Equal(t, "Jane Smyth", old)

	reloaded, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	parties := reloaded.Metadata["parties"].([]interface{})
	assert.Equal(t, "Jane Smith", parties[0].(map[string]interface{})["name"])

	// A path that does not resolve is a typed failure.
	_, err = s.ApplyCorrection(ctx, doc.ID, "parties[5].name", "x")
	assert.ErrorIs(t, err, ErrFieldPathWrite)
}

func TestMergeEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docA := createTestDocument(t, s, "eee")
	docB := createTestDocument(t, s, "fff")

	winner, _, err := s.ResolveEntity(ctx, "Jane Smith", models.EntityKindPerson)
	require.NoError(t, err)
	loser := &models.Entity{
		Name: "J. Smith", Kind: models.EntityKindPerson,
		Identifiers: map[string]interface{}{"bar_number": "12345"},
	}
	require.NoError(t, s.db.Create(loser).Error)

	// winner linked on docA; loser linked on both docs, colliding on docA.
	require.NoError(t, s.LinkEntity(ctx, docA.ID, winner.ID, "grantor", 0.95))
	require.NoError(t, s.LinkEntity(ctx, docA.ID, loser.ID, "grantor", 0.8))
	require.NoError(t, s.LinkEntity(ctx, docB.ID, loser.ID, "grantee", 0.8))

	third, _, err := s.ResolveEntity(ctx, "Robert Jones", models.EntityKindPerson)
	require.NoError(t, err)
	grant := &models.AuthorityGrant{
		DocumentID:      docB.ID,
		GrantorEntityID: loser.ID,
		GranteeEntityID: third.ID,
		AuthorityType:   "trustee",
	}
	_, err = s.InsertGrant(ctx, grant)
	require.NoError(t, err)

	require.NoError(t, s.MergeEntities(ctx, winner.ID, loser.ID))

	// Loser tombstoned.
	var tombstone models.Entity
	require.NoError(t, s.db.First(&tombstone, "id = ?", loser.ID).Error)
	require.NotNil(t, tombstone.MergedInto)
	assert.Equal(t, winner.ID, *tombstone.MergedInto)

	// Links rewritten; the colliding docA link was dropped, not duplicated.
	linksA, err := models.GetLinksByDocument(s.db, docA.ID)
	require.NoError(t, err)
	require.Len(t, linksA, 1)
	assert.Equal(t, winner.ID, linksA[0].EntityID)

	linksB, err := models.GetLinksByDocument(s.db, docB.ID)
	require.NoError(t, err)
	require.Len(t, linksB, 1)
	assert.Equal(t, winner.ID, linksB[0].EntityID)

	// Grant repointed.
	var g models.AuthorityGrant
	require.NoError(t, s.db.First(&g, "id = ?", grant.ID).Error)
	assert.Equal(t, winner.ID, g.GrantorEntityID)

	// Identifiers carried over.
	var w models.Entity
	require.NoError(t, s.db.First(&w, "id = ?", winner.ID).Error)
	assert.Equal(t, "12345", w.Identifiers["bar_number"])

	// Merging again fails cleanly.
	err = s.MergeEntities(ctx, winner.ID, loser.ID)
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.ErrorIs(t, s.MergeEntities(ctx, winner.ID, winner.ID), ErrSelfReference)
}

func TestMergeDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	winner := createTestDocument(t, s, "ggg")
	loser := createTestDocument(t, s, "hhh")

	ent, _, err := s.ResolveEntity(ctx, "Jane Smith", models.EntityKindPerson)
	require.NoError(t, err)
	require.NoError(t, s.LinkEntity(ctx, winner.ID, ent.ID, "grantor", 0.9))
	require.NoError(t, s.LinkEntity(ctx, loser.ID, ent.ID, "grantor", 0.9))

	other, _, err := s.ResolveEntity(ctx, "Robert Jones", models.EntityKindPerson)
	require.NoError(t, err)
	require.NoError(t, s.LinkEntity(ctx, loser.ID, other.ID, "grantee", 0.9))

	grant := &models.AuthorityGrant{
		DocumentID:      loser.ID,
		GrantorEntityID: ent.ID,
		GranteeEntityID: other.ID,
		AuthorityType:   "power_of_attorney",
	}
	_, err = s.InsertGrant(ctx, grant)
	require.NoError(t, err)

	require.NoError(t, s.MergeDocuments(ctx, winner.ID, loser.ID))

	var l models.Document
	require.NoError(t, s.db.First(&l, "id = ?", loser.ID).Error)
	assert.Equal(t, models.DocumentStatusSuperseded, l.Status)
	require.NotNil(t, l.SupersededBy)
	assert.Equal(t, winner.ID, *l.SupersededBy)

	var w models.Document
	require.NoError(t, s.db.First(&w, "id = ?", winner.ID).Error)
	require.NotNil(t, w.Supersedes)
	assert.Equal(t, loser.ID, *w.Supersedes)

	links, err := models.GetLinksByDocument(s.db, winner.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	var g models.AuthorityGrant
	require.NoError(t, s.db.First(&g, "id = ?", grant.ID).Error)
	assert.Equal(t, winner.ID, g.DocumentID)

	// Superseded documents cannot lose a second merge.
	assert.ErrorIs(t, s.MergeDocuments(ctx, winner.ID, loser.ID), ErrMergeConflict)
}

func TestAuthorityPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, s, "iii")
	a, _, _ := s.ResolveEntity(ctx, "Alice Principal", models.EntityKindPerson)
	b, _, _ := s.ResolveEntity(ctx, "Bob Agent", models.EntityKindPerson)
	c, _, _ := s.ResolveEntity(ctx, "Carol Subagent", models.EntityKindPerson)

	_, err := s.InsertGrant(ctx, &models.AuthorityGrant{
		DocumentID: doc.ID, GrantorEntityID: a.ID, GranteeEntityID: b.ID,
		AuthorityType: "power_of_attorney",
	})
	require.NoError(t, err)
	_, err = s.InsertGrant(ctx, &models.AuthorityGrant{
		DocumentID: doc.ID, GrantorEntityID: b.ID, GranteeEntityID: c.ID,
		AuthorityType: "delegation",
	})
	require.NoError(t, err)

	chain, err := s.AuthorityPath(ctx, a.ID, c.ID, time.Now())
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, a.ID, chain[0].GrantorEntityID)
	assert.Equal(t, c.ID, chain[1].GranteeEntityID)

	// No path in the reverse direction.
	chain, err = s.AuthorityPath(ctx, c.ID, a.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, chain)
}

func TestAuthorityPathRespectsValidity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := createTestDocument(t, s, "jjj")
	a, _, _ := s.ResolveEntity(ctx, "Alice Principal", models.EntityKindPerson)
	b, _, _ := s.ResolveEntity(ctx, "Bob Agent", models.EntityKindPerson)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	_, err := s.InsertGrant(ctx, &models.AuthorityGrant{
		DocumentID: doc.ID, GrantorEntityID: a.ID, GranteeEntityID: b.ID,
		AuthorityType: "power_of_attorney",
		EffectiveDate: &start, ExpirationDate: &end,
	})
	require.NoError(t, err)

	chain, err := s.AuthorityPath(ctx, a.ID, b.ID, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	chain, err = s.AuthorityPath(ctx, a.ID, b.ID, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, chain)
}
