package duphunter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"

	"github.com/chittyos/evidence-core/pkg/models"
)

// phashBits is the perceptual hash width: a 64-bit hash from an 8x8 DCT
// (goimagehash.PerceptionHash).
const phashBits = 64

// detectPerceptual compares perceptual hashes of image documents.
// Similarity = 1 - hammingDistance/64. PDFs are skipped; their pages are
// not rasterized here.
func (h *Hunter) detectPerceptual(ctx context.Context, doc *models.Document) ([]finding, error) {
	if !isImageMime(doc.MimeType) || h.blobs == nil {
		return nil, nil
	}

	docHash, err := h.perceptualHash(ctx, doc)
	if err != nil {
		h.logger.Warn("perceptual hash failed", "document_id", doc.ID, "error", err)
		return nil, nil
	}

	var peers []models.Document
	err = h.db.WithContext(ctx).
		Where("id <> ? AND status <> ? AND mime_type LIKE 'image/%'",
			doc.ID, models.DocumentStatusSuperseded).
		Limit(candidateScanLimit).
		Find(&peers).Error
	if err != nil {
		return nil, fmt.Errorf("phash scan: %w", err)
	}

	var findings []finding
	for i := range peers {
		peer := &peers[i]
		peerHash, err := h.perceptualHash(ctx, peer)
		if err != nil {
			continue
		}

		dist, err := docHash.Distance(peerHash)
		if err != nil {
			continue
		}
		similarity := 1 - float64(dist)/phashBits
		if similarity < reportThreshold {
			continue
		}

		confidence := models.DuplicateConfidenceMedium
		if similarity >= phashHigh {
			confidence = models.DuplicateConfidenceHigh
		}
		findings = append(findings, finding{
			otherID:    peer.ID,
			method:     models.DuplicateMethodPHash,
			similarity: similarity,
			confidence: confidence,
		})
	}
	return findings, nil
}

// perceptualHash returns the document's 64-bit perception hash, computing
// and persisting it on first use.
func (h *Hunter) perceptualHash(ctx context.Context, doc *models.Document) (*goimagehash.ImageHash, error) {
	if doc.PerceptualHash != "" {
		bits, err := strconv.ParseUint(doc.PerceptualHash, 16, 64)
		if err == nil {
			return goimagehash.NewImageHash(bits, goimagehash.PHash), nil
		}
	}

	content, err := h.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read bytes: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, fmt.Errorf("failed to hash image: %w", err)
	}

	doc.PerceptualHash = fmt.Sprintf("%016x", hash.GetHash())
	if err := h.db.WithContext(ctx).Model(doc).
		Update("perceptual_hash", doc.PerceptualHash).Error; err != nil {
		return nil, err
	}
	return hash, nil
}

func isImageMime(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}
