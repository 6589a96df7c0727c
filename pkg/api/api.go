// Package api defines the contracts for API requests and responses.
// It decouples the API structure from the internal domain models.
package api

import (
	"encoding/json"
	"net/http"

	appErrors "mindmesh-backend/pkg/errors"
)

// CreateSpaceRequest is the expected body for POST /api/spaces.
type CreateSpaceRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// UpsertNodeRequest is the expected body for PUT /api/spaces/{spaceID}/nodes/{nodeKey}.
// Data is the node's full payload document.
type UpsertNodeRequest struct {
	Data json.RawMessage `json:"data"`
}

// UpdateNodeFieldRequest is the expected body for PATCH of a single payload field.
type UpdateNodeFieldRequest struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// CreateEdgeRequest is the expected body for POST /api/spaces/{spaceID}/edges.
type CreateEdgeRequest struct {
	SourceNode string  `json:"sourceNode"`
	TargetNode string  `json:"targetNode"`
	Type       string  `json:"type"`
	Strength   float64 `json:"strength"`
	Gloss      string  `json:"gloss,omitempty"`
}

// AppendHistoryRequest is the expected body for POST /api/spaces/{spaceID}/history.
type AppendHistoryRequest struct {
	Entry string `json:"entry"`
}

// DeletedResponse reports whether a delete removed anything.
type DeletedResponse struct {
	Deleted bool `json:"deleted"`
}

// ResyncResponse reports where the pre-resync database was preserved.
type ResyncResponse struct {
	BackupPath string `json:"backupPath"`
}

// ErrorResponse is a standardized error message for API responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Success writes a JSON response with the given status.
func Success(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// FromAppError maps the application error taxonomy onto HTTP statuses.
func FromAppError(w http.ResponseWriter, err error) {
	switch {
	case appErrors.IsValidation(err):
		Error(w, http.StatusBadRequest, err.Error())
	case appErrors.IsNotFound(err):
		Error(w, http.StatusNotFound, err.Error())
	case appErrors.IsMalformedPayload(err):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case appErrors.IsTransient(err):
		Error(w, http.StatusServiceUnavailable, err.Error())
	case appErrors.IsDivergence(err):
		Error(w, http.StatusConflict, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
