package api

import (
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/araddon/dateparse"
	"github.com/google/uuid"

	"github.com/chittyos/evidence-core/internal/server"
	"github.com/chittyos/evidence-core/pkg/ai"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/vector"
)

const defaultSearchLimit = 10

// SearchPostRequest is a semantic search over the corpus with optional
// metadata filters.
type SearchPostRequest struct {
	Query        string     `json:"query"`
	DocumentType string     `json:"documentType,omitempty"`
	EntityID     *uuid.UUID `json:"entityId,omitempty"`
	DateRange    *DateRange `json:"dateRange,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// DateRange filters on document creation time. Bounds are inclusive
// and parsed leniently.
type DateRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// Validate checks the search request.
func (r SearchPostRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Query, validation.Required, validation.Length(1, 4000)),
		validation.Field(&r.Limit, validation.Min(0), validation.Max(100)),
		validation.Field(&r.DocumentType, validation.By(optionalDocumentType)),
	)
}

func optionalDocumentType(value interface{}) error {
	s, _ := value.(string)
	if s == "" || models.IsValidDocumentType(s) {
		return nil
	}
	return validation.NewError("document_type", "unknown document type")
}

// SearchResult is one ranked hit.
type SearchResult struct {
	DocumentID   uuid.UUID              `json:"documentId"`
	DocumentType string                 `json:"documentType"`
	Filename     string                 `json:"filename,omitempty"`
	Status       string                 `json:"status"`
	Similarity   float64                `json:"similarity"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SearchHandler embeds the query and ranks documents by vector
// similarity, then applies the metadata filters.
func SearchHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &SearchPostRequest{}
		if err := decodeRequest(r, req); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}

		var from, to time.Time
		if req.DateRange != nil {
			var err error
			if req.DateRange.From != "" {
				if from, err = dateparse.ParseAny(req.DateRange.From); err != nil {
					respondError(w, http.StatusBadRequest, ErrKindValidation, "invalid dateRange.from")
					return
				}
			}
			if req.DateRange.To != "" {
				if to, err = dateparse.ParseAny(req.DateRange.To); err != nil {
					respondError(w, http.StatusBadRequest, ErrKindValidation, "invalid dateRange.to")
					return
				}
			}
		}

		emb, err := srv.AIProvider.GenerateEmbedding(r.Context(), &ai.EmbeddingRequest{Text: req.Query})
		if err != nil {
			srv.Logger.Error("query embedding failed", "error", err)
			respondError(w, http.StatusBadGateway, ErrKindIngestion, "embedding backend unavailable")
			return
		}

		// Over-fetch so post-filters still fill the page.
		matches, err := srv.VectorIndex.Search(r.Context(), emb.Embedding, limit*4,
			vector.Filter{DocumentType: req.DocumentType})
		if err != nil {
			srv.Logger.Error("vector search failed", "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "search failed")
			return
		}

		results := make([]SearchResult, 0, limit)
		for _, m := range matches {
			if len(results) >= limit {
				break
			}
			doc, err := models.GetDocument(srv.DB.WithContext(r.Context()), m.DocumentID)
			if err != nil || doc.Status == models.DocumentStatusSuperseded {
				continue
			}
			if !from.IsZero() && doc.CreatedAt.Before(from) {
				continue
			}
			if !to.IsZero() && doc.CreatedAt.After(to) {
				continue
			}
			if req.EntityID != nil && !documentHasEntity(srv, r, doc.ID, *req.EntityID) {
				continue
			}
			results = append(results, SearchResult{
				DocumentID:   doc.ID,
				DocumentType: doc.DocumentType,
				Filename:     doc.Filename,
				Status:       doc.Status,
				Similarity:   m.Similarity,
				Metadata:     doc.Metadata,
			})
		}
		respondJSON(w, http.StatusOK, results)
	})
}

func documentHasEntity(srv *server.Server, r *http.Request, documentID, entityID uuid.UUID) bool {
	var count int64
	srv.DB.WithContext(r.Context()).Model(&models.DocumentEntityLink{}).
		Where("document_id = ? AND entity_id = ?", documentID, entityID).
		Count(&count)
	return count > 0
}
