package api

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/internal/server"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/guardian"
	"github.com/chittyos/evidence-core/pkg/models"
)

// GapResponse is a knowledge gap with its proposed resolutions.
type GapResponse struct {
	models.KnowledgeGap
	Candidates []models.GapCandidate `json:"candidates,omitempty"`
}

// GapsHandler lists knowledge gaps, optionally filtered by status.
func GapsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		db := srv.DB.WithContext(r.Context())

		q := db.Order("occurrence_count DESC, last_seen_at DESC")
		if status := r.URL.Query().Get("status"); status != "" {
			q = q.Where("status = ?", status)
		}
		var gaps []models.KnowledgeGap
		if err := q.Find(&gaps).Error; err != nil {
			srv.Logger.Error("gap listing failed", "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "listing failed")
			return
		}

		out := make([]GapResponse, 0, len(gaps))
		for i := range gaps {
			resp := GapResponse{KnowledgeGap: gaps[i]}
			db.Where("gap_id = ?", gaps[i].ID).
				Order("confidence DESC").
				Find(&resp.Candidates)
			out = append(out, resp)
		}
		respondJSON(w, http.StatusOK, out)
	})
}

// GapResolveRequest closes a gap with a value.
type GapResolveRequest struct {
	Value          string     `json:"value"`
	SourceType     string     `json:"sourceType"`
	SourceDocument *uuid.UUID `json:"sourceDocument,omitempty"`
}

// Validate checks the resolve request.
func (r GapResolveRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Value, validation.Required, validation.Length(1, 500)),
		validation.Field(&r.SourceType, validation.Required, validation.In(
			models.CandidateSourceAIInference,
			models.CandidateSourceDocumentMatch,
			models.CandidateSourceExternalAPI,
			models.CandidateSourceUserInput,
		)),
	)
}

// GapResolveHandler resolves a gap, propagating the value to every
// recorded occurrence.
func GapResolveHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gapID, err := pathUUID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		req := &GapResolveRequest{}
		if err := decodeRequest(r, req); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		res, err := srv.Guardian.ResolveGapWithResult(r.Context(), gapID, req.Value, req.SourceType, req.SourceDocument)
		if err != nil {
			switch {
			case errors.Is(err, guardian.ErrGapClosed):
				respondError(w, http.StatusConflict, ErrKindConflict, "gap is already closed")
			case errors.Is(err, graph.ErrNotFound):
				respondError(w, http.StatusNotFound, ErrKindNotFound, "gap %s not found", gapID)
			default:
				srv.Logger.Error("gap resolution failed", "gap_id", gapID, "error", err)
				respondError(w, http.StatusInternalServerError, ErrKindInternal, "resolution failed")
			}
			return
		}
		respondJSON(w, http.StatusOK, res)
	})
}

// GapCandidateVoteHandler records a confirmation or rejection on a gap
// candidate. action is "confirm" or "reject".
func GapCandidateVoteHandler(srv *server.Server, action string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gapID, err := pathUUID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		candID, err := pathUUID(r, "cid")
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		db := srv.DB.WithContext(r.Context())
		var cand models.GapCandidate
		if err := db.Where("id = ? AND gap_id = ?", candID, gapID).First(&cand).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondError(w, http.StatusNotFound, ErrKindNotFound, "candidate not found")
				return
			}
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "lookup failed")
			return
		}

		updates := map[string]interface{}{}
		switch action {
		case "confirm":
			updates["confirmations"] = gorm.Expr("confirmations + 1")
		case "reject":
			updates["rejections"] = gorm.Expr("rejections + 1")
			updates["status"] = models.CandidateStatusRejected
		}
		if err := db.Model(&cand).Updates(updates).Error; err != nil {
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "update failed")
			return
		}
		if err := db.First(&cand, "id = ?", candID).Error; err == nil {
			respondJSON(w, http.StatusOK, cand)
			return
		}
		respondJSON(w, http.StatusOK, nil)
	})
}
