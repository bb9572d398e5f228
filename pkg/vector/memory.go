package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryIndex is a linear-scan in-memory index. It backs tests and small
// single-node deployments where Postgres is not available.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[uuid.UUID]*Record)}
}

// Upsert stores or replaces a document's embedding.
func (x *MemoryIndex) Upsert(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := &Record{
		DocumentID:   rec.DocumentID,
		DocumentType: rec.DocumentType,
		Embedding:    append([]float32(nil), rec.Embedding...),
	}
	x.mu.Lock()
	x.records[rec.DocumentID] = cp
	x.mu.Unlock()
	return nil
}

// Get returns the stored record for a document.
func (x *MemoryIndex) Get(ctx context.Context, documentID uuid.UUID) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec, ok := x.records[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return &Record{
		DocumentID:   rec.DocumentID,
		DocumentType: rec.DocumentType,
		Embedding:    append([]float32(nil), rec.Embedding...),
	}, nil
}

// Search scans all records and returns the most similar first.
func (x *MemoryIndex) Search(ctx context.Context, embedding []float32, limit int, filter Filter) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	matches := make([]Match, 0, len(x.records))
	for id, rec := range x.records {
		if id == filter.ExcludeDocumentID {
			continue
		}
		if filter.DocumentType != "" && rec.DocumentType != filter.DocumentType {
			continue
		}
		if len(rec.Embedding) != len(embedding) {
			continue
		}
		matches = append(matches, Match{
			DocumentID:   id,
			DocumentType: rec.DocumentType,
			Similarity:   CosineSimilarity(embedding, rec.Embedding),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].DocumentID.String() < matches[j].DocumentID.String()
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Delete removes a document's embedding.
func (x *MemoryIndex) Delete(ctx context.Context, documentID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	delete(x.records, documentID)
	x.mu.Unlock()
	return nil
}

// CosineSimilarity computes cosine similarity between two vectors of the
// same length.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
