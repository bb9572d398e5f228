package vector

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexUpsertGetDelete(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, idx.Upsert(ctx, &Record{
		DocumentID:   id,
		DocumentType: "contract",
		Embedding:    []float32{1, 0, 0},
	}))

	rec, err := idx.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "contract", rec.DocumentType)
	assert.Equal(t, []float32{1, 0, 0}, rec.Embedding)

	// Upsert replaces.
	require.NoError(t, idx.Upsert(ctx, &Record{
		DocumentID: id, DocumentType: "deed", Embedding: []float32{0, 1, 0},
	}))
	rec, err = idx.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "deed", rec.DocumentType)

	require.NoError(t, idx.Delete(ctx, id))
	_, err = idx.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, idx.Delete(ctx, id))
}

func TestMemoryIndexSearch(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, idx.Upsert(ctx, &Record{DocumentID: a, DocumentType: "contract", Embedding: []float32{1, 0, 0}}))
	require.NoError(t, idx.Upsert(ctx, &Record{DocumentID: b, DocumentType: "contract", Embedding: []float32{0.9, 0.1, 0}}))
	require.NoError(t, idx.Upsert(ctx, &Record{DocumentID: c, DocumentType: "deed", Embedding: []float32{0, 0, 1}}))

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, a, matches[0].DocumentID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.Equal(t, b, matches[1].DocumentID)
	assert.Greater(t, matches[1].Similarity, matches[2].Similarity)

	// Excluding the query document drops it.
	matches, err = idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{ExcludeDocumentID: a})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, b, matches[0].DocumentID)

	// Type filter.
	matches, err = idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{DocumentType: "deed"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, c, matches[0].DocumentID)

	// Limit.
	matches, err = idx.Search(ctx, []float32{1, 0, 0}, 1, Filter{})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestEncodeDecodeVector(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	enc := encodeVector(v)
	assert.Equal(t, "[0.5,-1.25,3]", enc)

	dec, err := decodeVector(enc)
	require.NoError(t, err)
	assert.Equal(t, v, dec)

	_, err = decodeVector("not a vector")
	assert.Error(t, err)
}
