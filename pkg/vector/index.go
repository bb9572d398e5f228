// Package vector stores document embeddings and answers nearest-neighbor
// queries for duplicate detection. Production uses pgvector; tests use the
// in-memory index.
package vector

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no embedding exists for a document.
var ErrNotFound = errors.New("embedding not found")

// Record is one stored embedding.
type Record struct {
	DocumentID   uuid.UUID
	Embedding    []float32
	DocumentType string
}

// Match is one search hit. Similarity is cosine similarity in [0, 1] for
// normalized embeddings.
type Match struct {
	DocumentID   uuid.UUID
	DocumentType string
	Similarity   float64
}

// Filter narrows a search.
type Filter struct {
	// ExcludeDocumentID drops the query document from its own results.
	ExcludeDocumentID uuid.UUID
	// DocumentType restricts hits to one type when set.
	DocumentType string
}

// Index is the embedding store.
type Index interface {
	// Upsert stores or replaces the embedding for a document.
	Upsert(ctx context.Context, rec *Record) error
	// Get returns the stored record, or ErrNotFound.
	Get(ctx context.Context, documentID uuid.UUID) (*Record, error)
	// Search returns up to limit nearest neighbors, most similar first.
	Search(ctx context.Context, embedding []float32, limit int, filter Filter) ([]Match, error)
	// Delete removes a document's embedding. Missing rows are not an error.
	Delete(ctx context.Context, documentID uuid.UUID) error
}
