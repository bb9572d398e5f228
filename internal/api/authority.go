package api

import (
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/chittyos/evidence-core/internal/server"
	"github.com/chittyos/evidence-core/pkg/models"
)

// AuthorityPathRequest asks whether the grantee can act for the grantor.
type AuthorityPathRequest struct {
	FromEntityID uuid.UUID `json:"fromEntityId"`
	ToEntityID   uuid.UUID `json:"toEntityId"`
	AsOf         string    `json:"asOf,omitempty"`
}

// Validate checks the path request.
func (r AuthorityPathRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FromEntityID, validation.By(nonNilUUID)),
		validation.Field(&r.ToEntityID, validation.By(nonNilUUID)),
	)
}

func nonNilUUID(value interface{}) error {
	id, _ := value.(uuid.UUID)
	if id == uuid.Nil {
		return validation.NewError("uuid", "must be a non-zero UUID")
	}
	return nil
}

// AuthorityPathResponse is the grant chain, empty when no authority
// exists at the requested time.
type AuthorityPathResponse struct {
	HasAuthority bool                    `json:"hasAuthority"`
	AsOf         time.Time               `json:"asOf"`
	Chain        []models.AuthorityGrant `json:"chain"`
}

// AuthorityPathHandler walks the grant graph between two entities.
func AuthorityPathHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &AuthorityPathRequest{}
		if err := decodeRequest(r, req); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		asOf := time.Now()
		if req.AsOf != "" {
			t, err := parseTime(req.AsOf)
			if err != nil {
				respondError(w, http.StatusBadRequest, ErrKindValidation, "invalid asOf: %v", err)
				return
			}
			asOf = t
		}

		chain, err := srv.Graph.AuthorityPath(r.Context(), req.FromEntityID, req.ToEntityID, asOf)
		if err != nil {
			srv.Logger.Error("authority path failed", "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "path query failed")
			return
		}
		if chain == nil {
			chain = []models.AuthorityGrant{}
		}
		respondJSON(w, http.StatusOK, &AuthorityPathResponse{
			HasAuthority: len(chain) > 0,
			AsOf:         asOf,
			Chain:        chain,
		})
	})
}

// EntityResponse is an entity with its linked documents and grants.
type EntityResponse struct {
	*models.Entity
	Documents []models.DocumentEntityLink `json:"documents,omitempty"`
	Granted   []models.AuthorityGrant     `json:"granted,omitempty"`
	Received  []models.AuthorityGrant     `json:"received,omitempty"`
}

// EntityHandler returns one entity with its graph neighborhood.
func EntityHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		db := srv.DB.WithContext(r.Context())
		ent, err := models.GetEntity(db, id)
		if err != nil {
			respondError(w, http.StatusNotFound, ErrKindNotFound, "entity %s not found", id)
			return
		}

		resp := &EntityResponse{Entity: ent}
		db.Where("entity_id = ?", id).Find(&resp.Documents)
		db.Where("grantor_entity_id = ? AND is_active = ?", id, true).Find(&resp.Granted)
		db.Where("grantee_entity_id = ? AND is_active = ?", id, true).Find(&resp.Received)
		respondJSON(w, http.StatusOK, resp)
	})
}
