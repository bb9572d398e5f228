// Package api exposes the evidence-core operations over HTTP. Handlers
// follow one shape: construct with the assembled server, decode and
// validate the request, call the owning component, and answer JSON.
// Errors carry a structured {kind, message} body.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
)

// Error kinds returned in error bodies.
const (
	ErrKindValidation  = "validation"
	ErrKindNotFound    = "not_found"
	ErrKindConflict    = "conflict"
	ErrKindIngestion   = "ingestion"
	ErrKindPersistence = "persistence"
	ErrKindQueueFull   = "queue_full"
	ErrKindInternal    = "internal"
)

// ErrorResponse is the structured error body.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, kind, format string, args ...interface{}) {
	respondJSON(w, status, &ErrorResponse{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	})
}

// decodeRequest decodes a JSON request body into v.
func decodeRequest(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// parseTime parses a timestamp parameter leniently.
func parseTime(s string) (time.Time, error) {
	return dateparse.ParseAny(s)
}

// pathUUID parses the named path segment as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return id, nil
}
