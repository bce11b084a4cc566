package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/session"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// Identity headers. The auth middleware establishes WHO may talk to the API;
// these headers declare who the caller is acting as, evaluated against the
// RBAC policy on every operation.
const (
	HeaderUser  = "X-Sessiond-User"
	HeaderRole  = "X-Sessiond-Role"
	HeaderScope = "X-Sessiond-Scope"
)

// errorResponse is the JSON error body shape.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// createSessionRequest is the POST /api/sessions body.
type createSessionRequest struct {
	UserID      string `json:"user_id"`
	ProjectPath string `json:"project_path"`
}

// createSessionResponse is the POST /api/sessions response body.
type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// updateSessionRequest is the PUT /api/sessions/{id} body. Only provided
// fields are applied; absent fields leave the session untouched. Append
// fields add to existing history rather than replacing it.
type updateSessionRequest struct {
	Summary               *string                 `json:"summary,omitempty"`
	KeyInsights           []string                `json:"key_insights,omitempty"`
	KnowledgeGraph        map[string]any          `json:"knowledge_graph,omitempty"`
	Priority              *string                 `json:"priority,omitempty"`
	EfficiencyScore       *float64                `json:"efficiency_score,omitempty"`
	AppendTasks           []map[string]any        `json:"append_tasks,omitempty"`
	AppendInteractions    []types.SageInteraction `json:"append_interactions,omitempty"`
	AppendErrorPatterns   []types.PatternRecord   `json:"append_error_patterns,omitempty"`
	AppendSuccessPatterns []types.PatternRecord   `json:"append_success_patterns,omitempty"`
	Extensions            map[string]any          `json:"extensions,omitempty"`
}

// mergeSessionsRequest is the POST /api/sessions/merge body.
type mergeSessionsRequest struct {
	SessionIDs []string `json:"session_ids"`
}

// searchResponse is the GET /api/sessions/search response body.
type searchResponse struct {
	Results []session.SearchResult `json:"results"`
}

// callerFromRequest builds the RBAC caller from the identity headers. An
// absent user header yields an anonymous caller, which the authorizer
// rejects.
func callerFromRequest(r *http.Request) security.Caller {
	return security.Caller{
		UserID:       r.Header.Get(HeaderUser),
		Role:         security.Role(r.Header.Get(HeaderRole)),
		ProjectScope: r.Header.Get(HeaderScope),
	}
}

// writeJSON serializes a response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Printf("handlers: failed to encode response: %v", err)
		}
	}
}

// writeError maps a domain error onto the HTTP status taxonomy and writes
// the JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"

	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, security.ErrPermissionDenied):
		status, code = http.StatusForbidden, "PERMISSION_DENIED"
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, storage.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, storage.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, storage.ErrCorruptedState):
		status, code = http.StatusServiceUnavailable, "CORRUPTED_STATE"
	case errors.Is(err, storage.ErrStorage):
		status, code = http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	case errors.Is(err, security.ErrDecryption):
		status, code = http.StatusServiceUnavailable, "DECRYPTION_FAILED"
	}

	if status == http.StatusInternalServerError {
		log.Printf("handlers: unmapped error: %v", err)
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
