package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// SearchResult is one similarity hit, hydrated with metadata and summary
// only. Callers wanting the full document follow up with LoadSession.
type SearchResult struct {
	SessionID   string    `json:"session_id"`
	Score       float32   `json:"score"`
	UserID      string    `json:"user_id"`
	ProjectPath string    `json:"project_path"`
	Summary     string    `json:"summary,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SearchSimilarSessions embeds the query, runs it against the vector index,
// and hydrates the hits with metadata and summary. Hits the caller is not
// permitted to read are filtered out rather than failing the whole search.
func (m *Manager) SearchSimilarSessions(ctx context.Context, caller security.Caller, queryText string, topK int) ([]SearchResult, error) {
	if queryText == "" {
		return nil, fmt.Errorf("%w: query text is required", storage.ErrInvalidInput)
	}
	if topK <= 0 {
		topK = 10
	}

	if err := m.checkPermission(ctx, caller, security.OpSearch, security.Resource{}); err != nil {
		return nil, err
	}
	if m.embed == nil {
		return nil, fmt.Errorf("%w: no embedder configured", storage.ErrInvalidInput)
	}

	query, err := m.embed.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed search query: %w", err)
	}

	matches, err := m.store.SearchSimilar(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(matches))
	for _, match := range matches {
		meta, err := m.lookupMetadata(ctx, match.SessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The index lags the relational store; a deleted session may
				// linger until reconciliation.
				continue
			}
			return nil, err
		}

		resource := security.Resource{SessionID: meta.SessionID, OwnerID: meta.UserID, ProjectPath: meta.ProjectPath}
		if m.authz.CheckPermission(caller, security.OpRead, resource) != nil {
			continue
		}

		results = append(results, SearchResult{
			SessionID:   meta.SessionID,
			Score:       match.Score,
			UserID:      meta.UserID,
			ProjectPath: meta.ProjectPath,
			Summary:     meta.Summary,
			UpdatedAt:   meta.UpdatedAt,
		})
	}

	if err := m.recordAudit(ctx, security.AuditSessionSearched, caller, "", map[string]any{
		"top_k":   topK,
		"matches": len(results),
	}); err != nil {
		return nil, err
	}

	return results, nil
}

// lookupMetadata serves hydration reads through the LRU cache. Entries
// expire after searchCacheTTL; deletes and updates evict eagerly.
func (m *Manager) lookupMetadata(ctx context.Context, sessionID string) (*types.SessionMetadata, error) {
	if entry, ok := m.searchCache.Get(sessionID); ok {
		if time.Since(entry.cachedAt) < searchCacheTTL {
			meta := entry.meta
			return &meta, nil
		}
		m.searchCache.Remove(sessionID)
	}

	meta, err := m.store.GetMetadata(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if ok := m.searchCache.Add(sessionID, searchCacheEntry{meta: *meta, cachedAt: time.Now()}); ok {
		log.Printf("manager: search cache evicted an entry adding session %s", sessionID)
	}
	return meta, nil
}
