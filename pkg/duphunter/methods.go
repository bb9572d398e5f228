package duphunter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/vector"
)

// reportThreshold is the minimum similarity a non-hash method must reach
// before a candidate pair is recorded.
const reportThreshold = 0.85

// Confidence bucket boundaries per method family.
const (
	phashHigh    = 0.95
	semanticHigh = 0.92
	metadataHigh = 0.95
)

// metadata overlap weights: document type, effective date, party names.
const (
	weightType    = 0.4
	weightDate    = 0.3
	weightParties = 0.3
)

// candidateScanLimit bounds how many peers one document is compared
// against per method.
const candidateScanLimit = 200

// insertCandidate writes a candidate row, ignoring the insert when the
// ordered pair and method already exist. Returns whether a row was
// created.
func insertCandidate(db *gorm.DB, cand *models.DuplicateCandidate) (bool, error) {
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(cand)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	// Reload to pick up the generated id for review queue pointers.
	if cand.ID == 0 {
		lo, hi := models.OrderPair(cand.DocumentID, cand.CandidateDocumentID)
		err := db.Where("document_id = ? AND candidate_document_id = ? AND method = ?",
			lo, hi, cand.Method).First(cand).Error
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// detectHash finds documents with byte-identical content. Ingestion
// already dedupes uploads, so this catches rows created through other
// paths. Similarity 1.0, confidence high.
func (h *Hunter) detectHash(ctx context.Context, doc *models.Document) ([]finding, error) {
	var others []models.Document
	err := h.db.WithContext(ctx).
		Where("content_hash = ? AND id <> ? AND status <> ?",
			doc.ContentHash, doc.ID, models.DocumentStatusSuperseded).
		Find(&others).Error
	if err != nil {
		return nil, fmt.Errorf("hash scan: %w", err)
	}

	findings := make([]finding, 0, len(others))
	for _, other := range others {
		findings = append(findings, finding{
			otherID:    other.ID,
			method:     models.DuplicateMethodHash,
			similarity: 1.0,
			confidence: models.DuplicateConfidenceHigh,
		})
	}
	return findings, nil
}

// detectSemantic compares document embeddings from the vector index.
func (h *Hunter) detectSemantic(ctx context.Context, doc *models.Document) ([]finding, error) {
	rec, err := h.index.Get(ctx, doc.ID)
	if err != nil {
		if errors.Is(err, vector.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("semantic scan: %w", err)
	}

	matches, err := h.index.Search(ctx, rec.Embedding, 10, vector.Filter{ExcludeDocumentID: doc.ID})
	if err != nil {
		return nil, fmt.Errorf("semantic scan: %w", err)
	}

	var findings []finding
	for _, m := range matches {
		if m.Similarity < reportThreshold {
			continue
		}
		confidence := models.DuplicateConfidenceMedium
		if m.Similarity >= semanticHigh {
			confidence = models.DuplicateConfidenceHigh
		}
		findings = append(findings, finding{
			otherID:    m.DocumentID,
			method:     models.DuplicateMethodSemantic,
			similarity: m.Similarity,
			confidence: confidence,
		})
	}
	return findings, nil
}

// detectMetadata scores weighted overlap across document type, effective
// date, and party names.
func (h *Hunter) detectMetadata(ctx context.Context, doc *models.Document) ([]finding, error) {
	if doc.DocumentType == "" {
		return nil, nil
	}

	var peers []models.Document
	err := h.db.WithContext(ctx).
		Where("document_type = ? AND id <> ? AND status <> ?",
			doc.DocumentType, doc.ID, models.DocumentStatusSuperseded).
		Limit(candidateScanLimit).
		Find(&peers).Error
	if err != nil {
		return nil, fmt.Errorf("metadata scan: %w", err)
	}

	docDate := metadataDate(doc)
	docParties := metadataParties(doc)

	var findings []finding
	for i := range peers {
		peer := &peers[i]

		score := weightType // same document type by construction
		if docDate != "" && docDate == metadataDate(peer) {
			score += weightDate
		}
		score += weightParties * jaccard(docParties, metadataParties(peer))

		if score < reportThreshold {
			continue
		}
		confidence := models.DuplicateConfidenceMedium
		if score >= metadataHigh {
			confidence = models.DuplicateConfidenceHigh
		}
		findings = append(findings, finding{
			otherID:    peer.ID,
			method:     models.DuplicateMethodMetadata,
			similarity: score,
			confidence: confidence,
		})
	}
	return findings, nil
}

// detectOCRText searches the in-process text index with this document's
// OCR text and normalizes hit scores against the self-match.
func (h *Hunter) detectOCRText(ctx context.Context, doc *models.Document) ([]finding, error) {
	if doc.OCRText == "" {
		return nil, nil
	}

	query := bleve.NewMatchQuery(truncate(doc.OCRText, 2000))
	query.SetField("ocr_text")
	req := bleve.NewSearchRequestOptions(query, 10, 0, false)
	res, err := h.text.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ocr_text scan: %w", err)
	}

	var selfScore float64
	for _, hit := range res.Hits {
		if hit.ID == doc.ID.String() {
			selfScore = hit.Score
			break
		}
	}
	if selfScore == 0 {
		return nil, nil
	}

	var findings []finding
	for _, hit := range res.Hits {
		if hit.ID == doc.ID.String() {
			continue
		}
		otherID, err := uuid.Parse(hit.ID)
		if err != nil {
			continue
		}
		similarity := hit.Score / selfScore
		if similarity > 1 {
			similarity = 1
		}
		if similarity < reportThreshold {
			continue
		}
		confidence := models.DuplicateConfidenceMedium
		if similarity >= phashHigh {
			confidence = models.DuplicateConfidenceHigh
		}
		findings = append(findings, finding{
			otherID:    otherID,
			method:     models.DuplicateMethodOCRText,
			similarity: similarity,
			confidence: confidence,
		})
	}
	return findings, nil
}

// indexText adds a document to the in-process text index.
func (h *Hunter) indexText(doc *models.Document) error {
	if doc.OCRText == "" {
		return nil
	}
	return h.text.Index(doc.ID.String(), map[string]interface{}{
		"ocr_text":      doc.OCRText,
		"document_type": doc.DocumentType,
	})
}

// metadataDate returns the extracted effective date, if any.
func metadataDate(doc *models.Document) string {
	if doc.Metadata == nil {
		return ""
	}
	s, _ := doc.Metadata["effectiveDate"].(string)
	return s
}

// metadataParties returns normalized party names from the metadata blob.
func metadataParties(doc *models.Document) map[string]bool {
	out := map[string]bool{}
	if doc.Metadata == nil {
		return out
	}
	parties, _ := doc.Metadata["parties"].([]interface{})
	for _, p := range parties {
		m, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		normalized := models.NormalizeEntityName(name)
		if normalized != "" && !strings.Contains(normalized, "{{unknown") {
			out[normalized] = true
		}
	}
	return out
}

// jaccard computes set overlap; two empty sets count as no signal, not a
// perfect match.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
