package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/internal/server"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/models"
)

// DuplicatesHandler lists duplicate candidates by status.
func DuplicatesHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = models.DuplicateStatusPending
		}
		cands, err := models.GetDuplicatesByStatus(srv.DB.WithContext(r.Context()), status, 0)
		if err != nil {
			srv.Logger.Error("duplicate listing failed", "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "listing failed")
			return
		}
		respondJSON(w, http.StatusOK, cands)
	})
}

// DuplicateDecisionHandler confirms or rejects one candidate row.
// Confirming merges the pair, the older document winning. action is
// "confirm" or "reject".
func DuplicateDecisionHandler(srv *server.Server, action string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pairID, err := strconv.ParseUint(r.PathValue("pair"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "invalid pair id")
			return
		}

		db := srv.DB.WithContext(r.Context())
		var cand models.DuplicateCandidate
		if err := db.First(&cand, "id = ?", pairID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondError(w, http.StatusNotFound, ErrKindNotFound, "candidate %d not found", pairID)
				return
			}
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "lookup failed")
			return
		}
		if cand.Status != models.DuplicateStatusPending {
			respondError(w, http.StatusConflict, ErrKindConflict, "candidate already %s", cand.Status)
			return
		}

		if action == "reject" {
			if err := resolvePair(db, &cand, models.DuplicateStatusRejected, "not_duplicate"); err != nil {
				srv.Logger.Error("duplicate rejection failed", "pair", pairID, "error", err)
				respondError(w, http.StatusInternalServerError, ErrKindInternal, "update failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]string{"status": models.DuplicateStatusRejected})
			return
		}

		if err := confirmAndMerge(srv, r, &cand); err != nil {
			if errors.Is(err, graph.ErrMergeConflict) {
				respondError(w, http.StatusConflict, ErrKindConflict, "%v", err)
				return
			}
			srv.Logger.Error("duplicate merge failed", "pair", pairID, "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "merge failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": models.DuplicateStatusMerged})
	})
}

func confirmAndMerge(srv *server.Server, r *http.Request, cand *models.DuplicateCandidate) error {
	db := srv.DB.WithContext(r.Context())

	if err := db.Model(cand).Update("status", models.DuplicateStatusConfirmed).Error; err != nil {
		return err
	}

	a, err := models.GetDocument(db, cand.DocumentID)
	if err != nil {
		return err
	}
	b, err := models.GetDocument(db, cand.CandidateDocumentID)
	if err != nil {
		return err
	}
	winner, loser := a, b
	if b.CreatedAt.Before(a.CreatedAt) {
		winner, loser = b, a
	}

	if err := srv.Graph.MergeDocuments(r.Context(), winner.ID, loser.ID); err != nil {
		return err
	}
	return resolvePair(db, cand, models.DuplicateStatusMerged, "merged")
}

// resolvePair updates every method row for the pair and closes the
// review items pointing at them.
func resolvePair(db *gorm.DB, cand *models.DuplicateCandidate, status, resolution string) error {
	var rows []models.DuplicateCandidate
	err := db.Where("document_id = ? AND candidate_document_id = ?",
		cand.DocumentID, cand.CandidateDocumentID).Find(&rows).Error
	if err != nil {
		return err
	}
	for i := range rows {
		if rows[i].Status != models.DuplicateStatusPending && rows[i].Status != models.DuplicateStatusConfirmed {
			continue
		}
		if err := db.Model(&rows[i]).Update("status", status).Error; err != nil {
			return err
		}
		err = models.ResolveReviewBySource(db,
			models.DuplicateCandidate{}.TableName(), fmt.Sprintf("%d", rows[i].ID), resolution)
		if err != nil {
			return err
		}
	}
	return nil
}

// DuplicateScanHandler queues a full or incremental corpus scan on the
// hunter actor.
func DuplicateScanHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		if since := r.URL.Query().Get("since"); since != "" {
			t, perr := parseTime(since)
			if perr != nil {
				respondError(w, http.StatusBadRequest, ErrKindValidation, "invalid since: %v", perr)
				return
			}
			err = srv.Hunter.ScanIncremental(r.Context(), t)
		} else {
			err = srv.Hunter.ScanFull(r.Context())
		}
		if err != nil {
			respondError(w, http.StatusServiceUnavailable, ErrKindQueueFull, "scan queue is full")
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})
}
