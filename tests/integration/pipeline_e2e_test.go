//go:build integration
// +build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chittyos/evidence-core/pkg/ai"
	aimock "github.com/chittyos/evidence-core/pkg/ai/mock"
	"github.com/chittyos/evidence-core/pkg/blobstore"
	"github.com/chittyos/evidence-core/pkg/duphunter"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/guardian"
	"github.com/chittyos/evidence-core/pkg/ingest"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/pipeline"
	"github.com/chittyos/evidence-core/pkg/pipeline/steps"
	"github.com/chittyos/evidence-core/pkg/vector"
)

const embeddingDims = 16

const poaExtractionJSON = `{
	"documentType": "poa_financial",
	"title": "Financial Power of Attorney",
	"effectiveDate": "2022-03-15",
	"parties": [
		{"name": "Alice Smith", "role": "grantor", "kind": "person", "confidence": 0.97},
		{"name": "Bob Jones", "role": "grantee", "kind": "person", "confidence": 0.96},
		{"name": "{{UNKNOWN:entity_name:R___ LLC}}", "role": "party", "kind": "llc", "confidence": 0.4}
	],
	"authorityGrants": [
		{"grantorName": "Alice Smith", "granteeName": "Bob Jones", "type": "poa_financial", "effectiveDate": "2022-03-15"}
	],
	"keyTerms": ["power of attorney", "financial"],
	"fields": {},
	"unknowns": [
		{"type": "entity_name", "partialValue": "R___ LLC", "contextClues": ["letterhead"], "fieldPath": "parties[2].name", "confidence": 0.4}
	]
}`

type env struct {
	db       *gorm.DB
	store    *graph.Store
	provider *aimock.Provider
	index    vector.Index
	engine   *pipeline.Engine
	gateway  *ingest.Gateway
	hunter   *duphunter.Hunter
	guardian *guardian.Guardian
}

func startPostgres(t *testing.T, ctx context.Context) *gorm.DB {
	t.Helper()

	container, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("evidence"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(gormpostgres.Open(connStr), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))
	return db
}

func newEnv(t *testing.T, ctx context.Context) *env {
	t.Helper()

	db := startPostgres(t, ctx)
	log := hclog.NewNullLogger()

	blobs, err := blobstore.NewLocalStore(blobstore.LocalConfig{
		BaseDir: "/blobs",
		Fs:      afero.NewMemMapFs(),
	})
	require.NoError(t, err)

	store := graph.New(db, log)
	index, err := vector.NewPgVectorIndex(ctx, vector.PgVectorConfig{
		DB:         db,
		Dimensions: embeddingDims,
	})
	require.NoError(t, err)

	provider := aimock.New()
	provider.ExtractFunc = func(req *ai.ExtractionRequest) (*ai.ExtractionResponse, error) {
		return &ai.ExtractionResponse{RawJSON: poaExtractionJSON, Model: "mock"}, nil
	}

	guard, err := guardian.New(guardian.Config{DB: db, Store: store, Logger: log})
	require.NoError(t, err)

	hunter, err := duphunter.New(duphunter.Config{
		DB:     db,
		Store:  store,
		Blobs:  blobs,
		Index:  index,
		Logger: log,
	})
	require.NoError(t, err)

	engine, err := pipeline.NewEngine(pipeline.Config{
		DB: db,
		Steps: []pipeline.Step{
			&steps.OCR{Blobs: blobs, Provider: provider, Store: store},
			&steps.ClassifyExtract{Provider: provider, Store: store},
			&steps.RegisterGaps{Store: store, Resolver: guard, AutoResolveThreshold: 0.9},
			&steps.ResolveEntities{Store: store},
			&steps.UpdateAuthority{Store: store},
			&steps.Embed{Provider: provider, Index: index, Dimensions: embeddingDims},
			&steps.DuplicateCheck{Scanner: hunter},
			&steps.Finalize{Store: store},
		},
		Logger:      log,
		MaxInflight: 4,
	})
	require.NoError(t, err)

	gateway, err := ingest.NewGateway(ingest.Config{DB: db, Blobs: blobs, Engine: engine})
	require.NoError(t, err)

	go guard.Run(ctx)
	go hunter.Run(ctx)
	engine.Start(ctx)

	return &env{
		db:       db,
		store:    store,
		provider: provider,
		index:    index,
		engine:   engine,
		gateway:  gateway,
		hunter:   hunter,
		guardian: guard,
	}
}

func waitForStatus(t *testing.T, db *gorm.DB, docID interface{}, status string) *models.Document {
	t.Helper()
	var doc models.Document
	require.Eventually(t, func() bool {
		if err := db.First(&doc, "id = ?", docID).Error; err != nil {
			return false
		}
		return doc.Status == status
	}, 30*time.Second, 100*time.Millisecond, "document never reached %s (last status %s, failed at %q)",
		status, doc.Status, doc.FailedStep)
	return &doc
}

func TestEndToEndIngestion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, ctx)

	res, err := e.gateway.Submit(ctx, &ingest.Submission{
		Content:  []byte("%PDF-1.4 financial poa for alice smith"),
		Filename: "poa.pdf",
		MimeType: "application/pdf",
	})
	require.NoError(t, err)
	require.Equal(t, ingest.StatusProcessing, res.Status)

	doc := waitForStatus(t, e.db, res.DocumentID, models.DocumentStatusCompleted)
	assert.Equal(t, models.DocTypePOAFinancial, doc.DocumentType)
	assert.NotNil(t, doc.Metadata)

	// Entities resolved from the extraction. The placeholder party is a
	// gap, not an entity.
	var entities []models.Entity
	require.NoError(t, e.db.Order("name ASC").Find(&entities).Error)
	names := make([]string, 0, len(entities))
	for _, ent := range entities {
		names = append(names, ent.Name)
	}
	assert.Contains(t, names, "Alice Smith")
	assert.Contains(t, names, "Bob Jones")
	assert.NotContains(t, names, "{{UNKNOWN:entity_name:R___ LLC}}")

	grants, err := models.GetGrantsByDocument(e.db, doc.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "poa_financial", grants[0].AuthorityType)
	assert.True(t, grants[0].IsActive)

	// The unknown party was registered as a knowledge gap with one
	// occurrence.
	var gaps []models.KnowledgeGap
	require.NoError(t, e.db.Where("type = ?", models.GapTypeEntityName).Find(&gaps).Error)
	require.Len(t, gaps, 1)
	assert.Equal(t, "R___ LLC", gaps[0].PartialValue)

	occ, err := models.GetOccurrencesByGap(e.db, gaps[0].ID)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, doc.ID, occ[0].DocumentID)

	// The embedding landed in pgvector.
	rec, err := e.index.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Embedding, embeddingDims)
}

func TestEndToEndDuplicateAutoMerge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, ctx)

	// Different bytes, identical scanned text: the semantic detector has
	// to catch what the content hash cannot.
	e.provider.OCRFunc = func(req *ai.OCRRequest) (*ai.OCRResponse, error) {
		return &ai.OCRResponse{Text: "financial poa for alice smith", Model: "mock-ocr"}, nil
	}

	first, err := e.gateway.Submit(ctx, &ingest.Submission{
		Content: []byte("scan pass one"), Filename: "a.pdf", MimeType: "application/pdf",
	})
	require.NoError(t, err)
	waitForStatus(t, e.db, first.DocumentID, models.DocumentStatusCompleted)

	second, err := e.gateway.Submit(ctx, &ingest.Submission{
		Content: []byte("scan pass two"), Filename: "b.pdf", MimeType: "application/pdf",
	})
	require.NoError(t, err)

	// The newer upload is superseded by the older original.
	waitForStatus(t, e.db, second.DocumentID, models.DocumentStatusSuperseded)

	var kept models.Document
	require.NoError(t, e.db.First(&kept, "id = ?", first.DocumentID).Error)
	assert.NotEqual(t, models.DocumentStatusSuperseded, kept.Status)

	cands, err := models.GetDuplicatePair(e.db, first.DocumentID, second.DocumentID)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	for _, c := range cands {
		assert.Equal(t, models.DuplicateStatusMerged, c.Status)
		assert.True(t, c.AutoResolved)
	}
}

func TestEndToEndGapResolution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, ctx)

	res, err := e.gateway.Submit(ctx, &ingest.Submission{
		Content:  []byte("%PDF-1.4 poa with unknown party"),
		Filename: "poa.pdf",
		MimeType: "application/pdf",
	})
	require.NoError(t, err)
	doc := waitForStatus(t, e.db, res.DocumentID, models.DocumentStatusCompleted)

	var gap models.KnowledgeGap
	require.NoError(t, e.db.Where("type = ?", models.GapTypeEntityName).First(&gap).Error)

	result, err := e.guardian.ResolveGapWithResult(ctx, gap.ID,
		"Riverside LLC", models.CandidateSourceUserInput, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DocumentsUpdated)
	assert.Equal(t, 1, result.EntitiesCreated)

	require.NoError(t, e.db.First(&gap, "id = ?", gap.ID).Error)
	assert.Equal(t, models.GapStatusResolved, gap.Status)
	require.NotNil(t, gap.ResolvedValue)
	assert.Equal(t, "Riverside LLC", *gap.ResolvedValue)

	// The placeholder was rewritten in the document metadata and the new
	// entity linked.
	reloaded, err := models.GetDocument(e.db, doc.ID)
	require.NoError(t, err)
	parties, ok := reloaded.Metadata["parties"].([]interface{})
	require.True(t, ok)
	found := false
	for _, p := range parties {
		if m, ok := p.(map[string]interface{}); ok && m["name"] == "Riverside LLC" {
			found = true
		}
	}
	assert.True(t, found)

	var ent models.Entity
	require.NoError(t, e.db.Where("name = ?", "Riverside LLC").First(&ent).Error)
}
