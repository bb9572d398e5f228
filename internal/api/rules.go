package api

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/chittyos/evidence-core/internal/server"
	"github.com/chittyos/evidence-core/pkg/graph"
	"github.com/chittyos/evidence-core/pkg/guardian"
	"github.com/chittyos/evidence-core/pkg/models"
)

// RulesPostRequest creates a correction rule.
type RulesPostRequest struct {
	Name             string                 `json:"name"`
	RuleType         string                 `json:"ruleType"`
	MatchCriteria    map[string]interface{} `json:"matchCriteria"`
	CorrectionType   string                 `json:"correctionType"`
	CorrectionValue  string                 `json:"correctionValue,omitempty"`
	RequiresApproval bool                   `json:"requiresApproval"`
}

// Validate checks the rule request.
func (r RulesPostRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.MatchCriteria, validation.Required),
		validation.Field(&r.CorrectionType, validation.Required, validation.In(
			models.CorrectionTypeReplace,
			models.CorrectionTypeRegex,
			models.CorrectionTypeAIReextract,
			models.CorrectionTypeManualReview,
		)),
	)
}

// RulesPostResponse reports the new rule and its current reach.
type RulesPostResponse struct {
	RuleID           uuid.UUID `json:"ruleId"`
	Status           string    `json:"status"`
	DocumentsMatched int       `json:"documentsMatched"`
}

// RulesHandler creates correction rules in draft state.
func RulesHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &RulesPostRequest{}
		if err := decodeRequest(r, req); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		rule := &models.CorrectionRule{
			Name:             req.Name,
			RuleType:         req.RuleType,
			MatchCriteria:    req.MatchCriteria,
			CorrectionType:   req.CorrectionType,
			CorrectionValue:  req.CorrectionValue,
			RequiresApproval: req.RequiresApproval,
		}
		affected, err := srv.Guardian.CreateRule(r.Context(), rule)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		respondJSON(w, http.StatusCreated, &RulesPostResponse{
			RuleID:           rule.ID,
			Status:           rule.Status,
			DocumentsMatched: affected,
		})
	})
}

// RuleActivateHandler activates a draft rule.
func RuleActivateHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ruleID, err := pathUUID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := srv.Guardian.Activate(r.Context(), ruleID); err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				respondError(w, http.StatusNotFound, ErrKindNotFound, "rule %s not found", ruleID)
				return
			}
			respondError(w, http.StatusConflict, ErrKindConflict, "%v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": models.RuleStatusActive})
	})
}

// RuleApplyHandler queues rule application on the guardian actor.
func RuleApplyHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ruleID, err := pathUUID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := srv.Guardian.RequestApply(r.Context(), ruleID); err != nil {
			respondError(w, http.StatusServiceUnavailable, ErrKindQueueFull, "guardian queue is full")
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})
}

// QueueHandler lists correction queue items by status.
func QueueHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = models.CorrectionStatusPending
		}
		items, err := models.GetQueueItemsByStatus(srv.DB.WithContext(r.Context()), status, 0)
		if err != nil {
			srv.Logger.Error("queue listing failed", "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "listing failed")
			return
		}
		respondJSON(w, http.StatusOK, items)
	})
}

// QueueDecisionRequest approves or rejects queue items.
type QueueDecisionRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Reason string      `json:"reason,omitempty"`
}

// Validate checks the decision request.
func (r QueueDecisionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.IDs, validation.Required, validation.Length(1, 1000)),
	)
}

// QueueDecisionHandler flips pending items. action is "approve" or
// "reject".
func QueueDecisionHandler(srv *server.Server, action string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &QueueDecisionRequest{}
		if err := decodeRequest(r, req); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		var updated int
		var err error
		if action == "approve" {
			updated, err = srv.Guardian.Approve(r.Context(), req.IDs)
		} else {
			updated, err = srv.Guardian.Reject(r.Context(), req.IDs, req.Reason)
		}
		if err != nil {
			srv.Logger.Error("queue decision failed", "action", action, "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "decision failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]int{"updated": updated})
	})
}

// QueueBulkApplyHandler queues a bulk apply pass on the guardian actor.
func QueueBulkApplyHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := srv.Guardian.RequestBulkApply(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, ErrKindQueueFull, "guardian queue is full")
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	})
}

// ScanErrorsHandler runs the read-only known-error pattern scan.
func ScanErrorsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		findings, err := srv.Guardian.ScanForKnownErrors(r.Context())
		if err != nil {
			srv.Logger.Error("known-error scan failed", "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "scan failed")
			return
		}
		if findings == nil {
			findings = []guardian.Finding{}
		}
		respondJSON(w, http.StatusOK, findings)
	})
}
