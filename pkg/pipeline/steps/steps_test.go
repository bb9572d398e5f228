package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chittyos/evidence-core/pkg/ai"
	aimock "github.com/chittyos/evidence-core/pkg/ai/mock"
	"github.com/chittyos/evidence-core/pkg/blobstore"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/pipeline"
	"github.com/chittyos/evidence-core/pkg/vector"
)

type fixture struct {
	store    *graph.Store
	blobs    *blobstore.LocalStore
	provider *aimock.Provider
	index    *vector.MemoryIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	blobs, err := blobstore.NewLocalStore(blobstore.LocalConfig{
		BaseDir: "/blobs",
		Fs:      afero.NewMemMapFs(),
	})
	require.NoError(t, err)

	return &fixture{
		store:    graph.New(db, hclog.NewNullLogger()),
		blobs:    blobs,
		provider: aimock.New(),
		index:    vector.NewMemoryIndex(),
	}
}

func (f *fixture) newRun(t *testing.T, content []byte) *pipeline.Run {
	t.Helper()

	key, err := f.blobs.Put(context.Background(), content)
	require.NoError(t, err)

	doc := &models.Document{
		ContentHash: blobstore.HashFor(content),
		StorageKey:  key,
		Filename:    "test.pdf",
		MimeType:    "application/pdf",
		Status:      models.DocumentStatusProcessing,
	}
	require.NoError(t, f.store.DB().Create(doc).Error)

	return &pipeline.Run{
		Document:   doc,
		InstanceID: uuid.New(),
		Logger:     hclog.NewNullLogger(),
	}
}

const poaJSON = `{
	"documentType": "poa_healthcare",
	"title": "Healthcare Power of Attorney",
	"effectiveDate": "March 15, 2022",
	"parties": [
		{"name": "Alice Smith", "role": "grantor", "kind": "person", "confidence": 0.97},
		{"name": "Bob Jones", "role": "grantee", "kind": "person", "confidence": 0.96}
	],
	"authorityGrants": [
		{"grantorName": "Alice Smith", "granteeName": "Bob Jones", "type": "poa_healthcare", "effectiveDate": "2022-03-15"}
	],
	"keyTerms": ["healthcare", "power of attorney"],
	"fields": {},
	"unknowns": []
}`

func runExtraction(t *testing.T, f *fixture, run *pipeline.Run, rawJSON string) {
	t.Helper()
	f.provider.ExtractFunc = func(req *ai.ExtractionRequest) (*ai.ExtractionResponse, error) {
		return &ai.ExtractionResponse{RawJSON: rawJSON, Model: "mock"}, nil
	}

	ocr := &OCR{Blobs: f.blobs, Provider: f.provider, Store: f.store}
	require.NoError(t, ocr.Execute(context.Background(), run))

	ce := &ClassifyExtract{Provider: f.provider, Store: f.store}
	require.NoError(t, ce.Execute(context.Background(), run))
}

func TestOCRStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("scanned poa content"))

	step := &OCR{Blobs: f.blobs, Provider: f.provider, Store: f.store}
	require.NoError(t, step.Execute(context.Background(), run))
	assert.Equal(t, "scanned poa content", run.Document.OCRText)

	// Persisted on the row.
	reloaded, err := models.GetDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, "scanned poa content", reloaded.OCRText)

	// Rerun is a no-op.
	calls := f.provider.OCRCalls
	require.NoError(t, step.Execute(context.Background(), run))
	assert.Equal(t, calls, f.provider.OCRCalls)
}

func TestOCRStepMissingBlobIsPermanent(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("content"))
	run.Document.StorageKey = blobstore.KeyFor([]byte("different content"))

	step := &OCR{Blobs: f.blobs, Provider: f.provider, Store: f.store}
	err := step.Execute(context.Background(), run)
	require.Error(t, err)
	assert.False(t, pipeline.IsRetryable(err))
	assert.ErrorIs(t, err, pipeline.ErrOCRFailed)
}

func TestClassifyExtractStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("poa text"))
	runExtraction(t, f, run, poaJSON)

	assert.Equal(t, models.DocTypePOAHealthcare, run.Document.DocumentType)

	data, err := run.Extraction()
	require.NoError(t, err)
	require.Len(t, data.Parties, 2)
	assert.Equal(t, "2022-03-15", data.EffectiveDate)

	reloaded, err := models.GetDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocTypePOAHealthcare, reloaded.DocumentType)
	assert.Equal(t, "2022-03-15", reloaded.Metadata["effectiveDate"])
}

func TestClassifyExtractSchemaViolationIsPermanent(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("bad output"))
	f.provider.ExtractFunc = func(req *ai.ExtractionRequest) (*ai.ExtractionResponse, error) {
		// Placeholder without a matching unknowns entry.
		return &ai.ExtractionResponse{RawJSON: `{
			"documentType": "contract",
			"parties": [{"name": "{{UNKNOWN:entity_name:S___ LLC}}", "role": "grantor", "confidence": 0.3}],
			"authorityGrants": [], "unknowns": []
		}`}, nil
	}

	ocr := &OCR{Blobs: f.blobs, Provider: f.provider, Store: f.store}
	require.NoError(t, ocr.Execute(context.Background(), run))

	step := &ClassifyExtract{Provider: f.provider, Store: f.store}
	err := step.Execute(context.Background(), run)
	require.Error(t, err)
	assert.False(t, pipeline.IsRetryable(err))
	assert.ErrorIs(t, err, pipeline.ErrSchemaViolation)
}

func TestRegisterGapsStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("uncertain poa"))
	runExtraction(t, f, run, `{
		"documentType": "poa_general",
		"parties": [{"name": "{{UNKNOWN:entity_name:S___ LLC}}", "role": "grantor", "confidence": 0.4}],
		"authorityGrants": [],
		"unknowns": [{
			"type": "entity_name",
			"partialValue": "S___ LLC",
			"contextClues": ["grantor", "signature page"],
			"fieldPath": "parties[0].name",
			"confidence": 0.4
		}]
	}`)

	step := &RegisterGaps{Store: f.store}
	require.NoError(t, step.Execute(context.Background(), run))

	gaps, err := models.GetOpenGaps(f.store.DB())
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, models.GapTypeEntityName, gaps[0].Type)
	assert.Equal(t, 1, gaps[0].OccurrenceCount)

	occ, err := models.GetOccurrencesByGap(f.store.DB(), gaps[0].ID)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, "parties[0].name", occ[0].FieldPath)
	assert.Equal(t, run.Document.ID, occ[0].DocumentID)

	// Rerun does not double count.
	require.NoError(t, step.Execute(context.Background(), run))
	reloaded, err := models.GetGapByFingerprint(f.store.DB(), gaps[0].Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.OccurrenceCount)
}

func TestRegisterGapsProposesDocumentMatch(t *testing.T) {
	f := newFixture(t)

	// First document registers the gap.
	gapped := f.newRun(t, []byte("first doc"))
	runExtraction(t, f, gapped, `{
		"documentType": "poa_general",
		"parties": [{"name": "{{UNKNOWN:entity_name:S___ LLC}}", "role": "grantor", "confidence": 0.4}],
		"authorityGrants": [],
		"unknowns": [{
			"type": "entity_name",
			"partialValue": "S___ LLC",
			"contextClues": ["holdings"],
			"fieldPath": "parties[0].name",
			"confidence": 0.4
		}]
	}`)
	step := &RegisterGaps{Store: f.store}
	require.NoError(t, step.Execute(context.Background(), gapped))

	// Second document's OCR text contains the missing value and clue.
	matching := f.newRun(t, []byte("Operating agreement of Sunset Holdings LLC, a limited liability company"))
	runExtraction(t, f, matching, `{"documentType": "llc_operating_agreement", "parties": [], "authorityGrants": [], "unknowns": []}`)
	require.NoError(t, step.Execute(context.Background(), matching))

	gaps, err := models.GetOpenGaps(f.store.DB())
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	var cands []models.GapCandidate
	require.NoError(t, f.store.DB().Where("gap_id = ?", gaps[0].ID).Find(&cands).Error)
	require.Len(t, cands, 1)
	assert.Equal(t, models.CandidateSourceDocumentMatch, cands[0].SourceType)
	assert.Equal(t, "Sunset Holdings LLC", cands[0].ProposedValue)
	assert.Greater(t, cands[0].Confidence, 0.85)
	require.NotNil(t, cands[0].SourceDocumentID)
	assert.Equal(t, matching.Document.ID, *cands[0].SourceDocumentID)
}

func TestMatchGapAgainstText(t *testing.T) {
	gap := &models.KnowledgeGap{
		Type:         models.GapTypeEntityName,
		PartialValue: "S___ LLC",
		ContextClues: []string{"holdings"},
	}

	proposed, conf, ok := MatchGapAgainstText(gap, "Agreement of Sunset Holdings LLC dated")
	require.True(t, ok)
	assert.Equal(t, "Sunset Holdings LLC", proposed)
	assert.InDelta(t, 1.0, conf, 1e-9)

	// Pattern present but clue missing: low confidence.
	_, conf, ok = MatchGapAgainstText(gap, "Sunrise Ventures LLC filing")
	require.True(t, ok)
	assert.InDelta(t, 0.5, conf, 1e-9)

	// No pattern match.
	_, _, ok = MatchGapAgainstText(gap, "completely unrelated text")
	assert.False(t, ok)
}

func TestResolveEntitiesStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("clean poa"))
	runExtraction(t, f, run, poaJSON)

	step := &ResolveEntities{Store: f.store}
	require.NoError(t, step.Execute(context.Background(), run))

	links, err := models.GetLinksByDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	// Rerun converges.
	require.NoError(t, step.Execute(context.Background(), run))
	links, err = models.GetLinksByDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestResolveEntitiesSkipsPlaceholders(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("gapped poa"))
	runExtraction(t, f, run, `{
		"documentType": "poa_general",
		"parties": [
			{"name": "{{UNKNOWN:entity_name:S___ LLC}}", "role": "grantor", "confidence": 0.4},
			{"name": "Bob Jones", "role": "grantee", "confidence": 0.95}
		],
		"authorityGrants": [],
		"unknowns": [{
			"type": "entity_name", "partialValue": "S___ LLC",
			"fieldPath": "parties[0].name", "confidence": 0.4
		}]
	}`)

	step := &ResolveEntities{Store: f.store}
	require.NoError(t, step.Execute(context.Background(), run))

	links, err := models.GetLinksByDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	var count int64
	require.NoError(t, f.store.DB().Model(&models.Entity{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestUpdateAuthorityStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("poa with grant"))
	runExtraction(t, f, run, poaJSON)

	resolve := &ResolveEntities{Store: f.store}
	require.NoError(t, resolve.Execute(context.Background(), run))

	step := &UpdateAuthority{Store: f.store}
	require.NoError(t, step.Execute(context.Background(), run))

	grants, err := models.GetGrantsByDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "poa_healthcare", grants[0].AuthorityType)
	assert.True(t, grants[0].IsActive)
	require.NotNil(t, grants[0].EffectiveDate)

	// Rerun does not duplicate the grant.
	require.NoError(t, step.Execute(context.Background(), run))
	grants, err = models.GetGrantsByDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestEmbedStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("embed me"))
	runExtraction(t, f, run, poaJSON)

	step := &Embed{Provider: f.provider, Index: f.index, Dimensions: 16}
	require.NoError(t, step.Execute(context.Background(), run))

	rec, err := f.index.Get(context.Background(), run.Document.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Embedding, 16)
	assert.Equal(t, models.DocTypePOAHealthcare, rec.DocumentType)

	// Rerun replaces, not duplicates.
	require.NoError(t, step.Execute(context.Background(), run))
	again, err := f.index.Get(context.Background(), run.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Embedding, again.Embedding)
}

func TestEmbedStepBackendFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("flaky embed"))
	runExtraction(t, f, run, poaJSON)

	f.provider.EmbeddingFunc = func(req *ai.EmbeddingRequest) (*ai.EmbeddingResponse, error) {
		return nil, errors.New("throttled")
	}
	step := &Embed{Provider: f.provider, Index: f.index, Dimensions: 16}
	err := step.Execute(context.Background(), run)
	require.Error(t, err)
	assert.True(t, pipeline.IsRetryable(err))
	assert.ErrorIs(t, err, pipeline.ErrEmbeddingFailed)
}

type recordingScanner struct {
	scanned []uuid.UUID
}

func (r *recordingScanner) ScanDocument(ctx context.Context, id uuid.UUID) error {
	r.scanned = append(r.scanned, id)
	return nil
}

func TestDuplicateCheckStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("dup check"))

	scanner := &recordingScanner{}
	step := &DuplicateCheck{Scanner: scanner}
	require.NoError(t, step.Execute(context.Background(), run))
	require.Len(t, scanner.scanned, 1)
	assert.Equal(t, run.Document.ID, scanner.scanned[0])

	// Nil scanner is tolerated.
	none := &DuplicateCheck{}
	require.NoError(t, none.Execute(context.Background(), run))
}

func TestFinalizeStep(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("finish"))

	step := &Finalize{Store: f.store}
	require.NoError(t, step.Execute(context.Background(), run))

	doc, err := models.GetDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusCompleted, doc.Status)
}

func TestFinalizeLeavesSupersededAlone(t *testing.T) {
	f := newFixture(t)
	run := f.newRun(t, []byte("merged away"))
	require.NoError(t, f.store.DB().Model(run.Document).
		Update("status", models.DocumentStatusSuperseded).Error)

	step := &Finalize{Store: f.store}
	require.NoError(t, step.Execute(context.Background(), run))

	doc, err := models.GetDocument(f.store.DB(), run.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusSuperseded, doc.Status)
}
