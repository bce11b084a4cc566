// Package handlers provides the HTTP handlers and middleware for the
// sessiond REST API.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/scrypster/sessiond/internal/session"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// SessionHandlers serves the session lifecycle routes.
type SessionHandlers struct {
	manager *session.Manager
	hub     *WebSocketHub
}

// NewSessionHandlers creates the handler set. The hub may be nil when the
// websocket event feed is disabled.
func NewSessionHandlers(manager *session.Manager, hub *WebSocketHub) *SessionHandlers {
	return &SessionHandlers{manager: manager, hub: hub}
}

// CreateSession handles POST /api/sessions.
func (h *SessionHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", storage.ErrInvalidInput, err))
		return
	}

	id, err := h.manager.CreateSession(r.Context(), callerFromRequest(r), req.UserID, req.ProjectPath)
	if err != nil {
		writeError(w, err)
		return
	}

	h.notify("session.created", id)
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

// GetSession handles GET /api/sessions/{id}.
func (h *SessionHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sc, meta, err := h.manager.LoadSession(r.Context(), callerFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", strconv.FormatInt(meta.Version, 10))
	writeJSON(w, http.StatusOK, sc)
}

// UpdateSession handles PUT /api/sessions/{id}. The body is a patch: only
// provided fields are applied.
func (h *SessionHandlers) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", storage.ErrInvalidInput, err))
		return
	}

	sc, err := h.manager.UpdateSession(r.Context(), callerFromRequest(r), r.PathValue("id"), func(sc *types.SessionContext) error {
		applyPatch(sc, &req)
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h.notify("session.updated", sc.SessionID)
	writeJSON(w, http.StatusOK, sc)
}

// DeleteSession handles DELETE /api/sessions/{id}.
func (h *SessionHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.DeleteSession(r.Context(), callerFromRequest(r), id); err != nil {
		writeError(w, err)
		return
	}

	h.notify("session.deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /api/sessions.
func (h *SessionHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		Status:    types.SessionStatus(q.Get("status")),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		opts.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}

	result, err := h.manager.ListSessions(r.Context(), callerFromRequest(r), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CompressSession handles POST /api/sessions/{id}/compress and returns the
// new snapshot.
func (h *SessionHandlers) CompressSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.CompressSession(r.Context(), callerFromRequest(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	h.notify("session.compressed", snap.SessionID)
	writeJSON(w, http.StatusOK, snap)
}

// MergeSessions handles POST /api/sessions/merge and returns the merged
// session.
func (h *SessionHandlers) MergeSessions(w http.ResponseWriter, r *http.Request) {
	var req mergeSessionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", storage.ErrInvalidInput, err))
		return
	}

	merged, err := h.manager.MergeSessions(r.Context(), callerFromRequest(r), req.SessionIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	h.notify("session.merged", merged.SessionID)
	writeJSON(w, http.StatusOK, merged)
}

// SearchSessions handles GET /api/sessions/search?q=...&top_k=N.
func (h *SessionHandlers) SearchSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topK, _ := strconv.Atoi(q.Get("top_k"))

	results, err := h.manager.SearchSimilarSessions(r.Context(), callerFromRequest(r), q.Get("q"), topK)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

// notify pushes a lifecycle event onto the websocket feed.
func (h *SessionHandlers) notify(eventType, sessionID string) {
	if h.hub == nil {
		return
	}
	h.hub.Broadcast(EventMessage{Type: eventType, SessionID: sessionID})
}

// applyPatch merges an update request into a loaded session. Safe to re-run
// on a fresh copy when the save loses a version race.
func applyPatch(sc *types.SessionContext, req *updateSessionRequest) {
	if req.Summary != nil {
		sc.Summary = *req.Summary
	}
	if req.KeyInsights != nil {
		sc.KeyInsights = req.KeyInsights
	}
	for k, v := range req.KnowledgeGraph {
		if sc.KnowledgeGraph == nil {
			sc.KnowledgeGraph = make(map[string]any)
		}
		sc.KnowledgeGraph[k] = v
	}
	if req.Priority != nil {
		sc.Priority = *req.Priority
	}
	if req.EfficiencyScore != nil {
		sc.EfficiencyScore = *req.EfficiencyScore
	}
	sc.Tasks = append(sc.Tasks, req.AppendTasks...)
	sc.Interactions = append(sc.Interactions, req.AppendInteractions...)
	sc.ErrorPatterns = append(sc.ErrorPatterns, req.AppendErrorPatterns...)
	sc.SuccessPatterns = append(sc.SuccessPatterns, req.AppendSuccessPatterns...)
	for k, v := range req.Extensions {
		if sc.Extensions == nil {
			sc.Extensions = make(map[string]any)
		}
		sc.Extensions[k] = v
	}
}
