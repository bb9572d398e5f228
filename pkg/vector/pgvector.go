package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

// PgVectorIndex stores embeddings in Postgres using the pgvector
// extension. Distance is cosine via the <=> operator; similarity is
// 1 - distance.
type PgVectorIndex struct {
	db         *gorm.DB
	dimensions int
	logger     hclog.Logger
}

// PgVectorConfig configures the pgvector index.
type PgVectorConfig struct {
	DB         *gorm.DB
	Dimensions int
	Logger     hclog.Logger
}

// NewPgVectorIndex creates the index and ensures the extension, table, and
// ANN index exist.
func NewPgVectorIndex(ctx context.Context, cfg PgVectorConfig) (*PgVectorIndex, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	idx := &PgVectorIndex{
		db:         cfg.DB,
		dimensions: cfg.Dimensions,
		logger:     logger.Named("pgvector"),
	}

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_embeddings (
			document_id UUID PRIMARY KEY,
			document_type VARCHAR(50),
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, cfg.Dimensions),
		`CREATE INDEX IF NOT EXISTS idx_document_embeddings_cosine
			ON document_embeddings USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range statements {
		if err := idx.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("failed to initialize embedding storage: %w", err)
		}
	}
	return idx, nil
}

// Upsert stores or replaces a document's embedding.
func (x *PgVectorIndex) Upsert(ctx context.Context, rec *Record) error {
	if len(rec.Embedding) != x.dimensions {
		return fmt.Errorf("embedding has %d dimensions, index expects %d", len(rec.Embedding), x.dimensions)
	}
	return x.db.WithContext(ctx).Exec(`
		INSERT INTO document_embeddings (document_id, document_type, embedding, updated_at)
		VALUES ($1, $2, $3::vector, NOW())
		ON CONFLICT (document_id) DO UPDATE SET
			document_type = EXCLUDED.document_type,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`,
		rec.DocumentID, rec.DocumentType, encodeVector(rec.Embedding),
	).Error
}

// Get returns the stored record for a document.
func (x *PgVectorIndex) Get(ctx context.Context, documentID uuid.UUID) (*Record, error) {
	var row struct {
		DocumentType string
		Embedding    string
	}
	err := x.db.WithContext(ctx).Raw(`
		SELECT document_type, embedding::text AS embedding
		FROM document_embeddings WHERE document_id = $1`, documentID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Embedding == "" {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	emb, err := decodeVector(row.Embedding)
	if err != nil {
		return nil, err
	}
	return &Record{DocumentID: documentID, DocumentType: row.DocumentType, Embedding: emb}, nil
}

// Search returns the nearest neighbors by cosine similarity.
func (x *PgVectorIndex) Search(ctx context.Context, embedding []float32, limit int, filter Filter) ([]Match, error) {
	if len(embedding) != x.dimensions {
		return nil, fmt.Errorf("query has %d dimensions, index expects %d", len(embedding), x.dimensions)
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT document_id, document_type,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM document_embeddings`
	args := []interface{}{encodeVector(embedding)}
	var conds []string
	if filter.ExcludeDocumentID != uuid.Nil {
		args = append(args, filter.ExcludeDocumentID)
		conds = append(conds, fmt.Sprintf("document_id <> $%d", len(args)))
	}
	if filter.DocumentType != "" {
		args = append(args, filter.DocumentType)
		conds = append(conds, fmt.Sprintf("document_type = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := x.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("embedding search failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.DocumentID, &m.DocumentType, &m.Similarity); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Delete removes a document's embedding.
func (x *PgVectorIndex) Delete(ctx context.Context, documentID uuid.UUID) error {
	return x.db.WithContext(ctx).
		Exec(`DELETE FROM document_embeddings WHERE document_id = $1`, documentID).Error
}

// encodeVector renders the pgvector text literal, e.g. "[0.1,0.2]".
func encodeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// decodeVector parses the pgvector text literal.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, errors.New("malformed vector literal")
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector literal: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
