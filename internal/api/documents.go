package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chittyos/evidence-core/internal/server"
	"github.com/chittyos/evidence-core/pkg/ingest"
	"github.com/chittyos/evidence-core/pkg/models"
	"github.com/chittyos/evidence-core/pkg/pipeline"
)

// maxUploadBytes bounds one document upload.
const maxUploadBytes = 64 << 20

// DocumentsPostRequest is a JSON upload: bytes are base64 in Content.
type DocumentsPostRequest struct {
	Content    []byte `json:"content"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mimeType"`
	UploadedBy string `json:"uploadedBy"`
}

// Validate checks the upload request.
func (r DocumentsPostRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Required),
		validation.Field(&r.Filename, validation.Length(0, 500)),
		validation.Field(&r.MimeType, validation.Length(0, 100)),
	)
}

// DocumentsHandler accepts document uploads. JSON bodies carry base64
// content; any other content type is treated as the raw document bytes.
func DocumentsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeUpload(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		result, err := srv.Gateway.Submit(r.Context(), &ingest.Submission{
			Content:    req.Content,
			Filename:   req.Filename,
			MimeType:   req.MimeType,
			UploadedBy: req.UploadedBy,
		})
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrEmptyUpload):
				respondError(w, http.StatusBadRequest, ErrKindValidation, "upload is empty")
			case errors.Is(err, pipeline.ErrQueueFull):
				respondError(w, http.StatusServiceUnavailable, ErrKindQueueFull, "ingestion queue is full")
			case errors.Is(err, ingest.ErrPersistence):
				srv.Logger.Error("upload persistence failed", "error", err)
				respondError(w, http.StatusInternalServerError, ErrKindPersistence, "failed to record document")
			default:
				srv.Logger.Error("upload failed", "error", err)
				respondError(w, http.StatusBadGateway, ErrKindIngestion, "failed to ingest document")
			}
			return
		}

		status := http.StatusAccepted
		if result.Status == ingest.StatusDuplicate {
			status = http.StatusOK
		}
		respondJSON(w, status, result)
	})
}

func decodeUpload(r *http.Request) (*DocumentsPostRequest, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req := &DocumentsPostRequest{}
		if err := decodeRequest(r, req); err != nil {
			return nil, err
		}
		return req, nil
	}

	content, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		return nil, err
	}
	return &DocumentsPostRequest{
		Content:    content,
		Filename:   r.URL.Query().Get("filename"),
		MimeType:   r.Header.Get("Content-Type"),
		UploadedBy: r.Header.Get("X-Uploaded-By"),
	}, nil
}

// DocumentLink is one entity reference on a document.
type DocumentLink struct {
	EntityID   uuid.UUID `json:"entityId"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Role       string    `json:"role"`
	Confidence float64   `json:"confidence"`
}

// DocumentGetResponse is a document with its graph links.
type DocumentGetResponse struct {
	*models.Document
	Links  []DocumentLink          `json:"links"`
	Grants []models.AuthorityGrant `json:"grants,omitempty"`
}

// DocumentHandler returns one document with metadata, status, links,
// and any failure bookkeeping from the pipeline.
func DocumentHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrKindValidation, "%v", err)
			return
		}

		doc, err := models.GetDocument(srv.DB.WithContext(r.Context()), id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondError(w, http.StatusNotFound, ErrKindNotFound, "document %s not found", id)
				return
			}
			srv.Logger.Error("document lookup failed", "document_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "lookup failed")
			return
		}

		links, err := models.GetLinksByDocument(srv.DB.WithContext(r.Context()), id)
		if err != nil {
			srv.Logger.Error("link lookup failed", "document_id", id, "error", err)
			respondError(w, http.StatusInternalServerError, ErrKindInternal, "lookup failed")
			return
		}
		resp := &DocumentGetResponse{Document: doc, Links: make([]DocumentLink, 0, len(links))}
		for _, link := range links {
			ent, err := models.GetEntity(srv.DB.WithContext(r.Context()), link.EntityID)
			if err != nil {
				continue
			}
			resp.Links = append(resp.Links, DocumentLink{
				EntityID:   ent.ID,
				Name:       ent.Name,
				Kind:       ent.Kind,
				Role:       link.Role,
				Confidence: link.Confidence,
			})
		}

		grants, err := models.GetGrantsByDocument(srv.DB.WithContext(r.Context()), id)
		if err == nil {
			resp.Grants = grants
		}

		respondJSON(w, http.StatusOK, resp)
	})
}
