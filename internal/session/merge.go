package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// MergeSessions combines two or more sessions into a new persisted session
// and returns it. Knowledge graphs are unioned with last-write-wins on key
// collision (by the owning session's updated_at); task and interaction
// histories are concatenated in chronological order; the embedding is
// recomputed from the merged summary. The source sessions are left intact.
func (m *Manager) MergeSessions(ctx context.Context, caller security.Caller, sessionIDs []string) (*types.SessionContext, error) {
	if len(sessionIDs) < 2 {
		return nil, fmt.Errorf("%w: merge requires at least two session ids", storage.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty session id in merge list", storage.ErrInvalidInput)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate session id %s in merge list", storage.ErrInvalidInput, id)
		}
		seen[id] = true
	}

	sources := make([]*types.SessionContext, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		sc, meta, err := m.store.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		resource := security.Resource{SessionID: id, OwnerID: meta.UserID, ProjectPath: meta.ProjectPath}
		if err := m.checkPermission(ctx, caller, security.OpMerge, resource); err != nil {
			return nil, err
		}
		sources = append(sources, sc)
	}

	merged := mergeContexts(sources)

	if m.embed != nil && merged.Summary != "" {
		vec, err := m.embed.Embed(ctx, merged.Summary)
		if err != nil {
			// Embedding is a derived convenience; the merge itself must not
			// fail because the retrieval collaborator is down.
			log.Printf("manager: failed to embed merged summary: %v", err)
		} else {
			merged.VectorEmbeddings = vec
		}
	}

	if _, err := m.store.StoreSession(ctx, merged); err != nil {
		return nil, err
	}

	if err := m.recordAudit(ctx, security.AuditSessionMerged, caller, merged.SessionID, map[string]any{
		"source_session_ids": sessionIDs,
	}); err != nil {
		return nil, err
	}

	m.broadcast(ctx, "session.merged", merged.SessionID, map[string]any{
		"source_session_ids": sessionIDs,
	})
	return merged, nil
}

// mergeContexts folds the sources into one new context. Sources are ordered
// by updated_at ascending so that later sessions win key collisions.
func mergeContexts(sources []*types.SessionContext) *types.SessionContext {
	ordered := append([]*types.SessionContext(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].UpdatedAt.Before(ordered[j].UpdatedAt)
	})

	now := time.Now().UTC()
	merged := &types.SessionContext{
		SessionID:      uuid.NewString(),
		UserID:         ordered[len(ordered)-1].UserID,
		ProjectPath:    ordered[len(ordered)-1].ProjectPath,
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         types.SessionActive,
		KnowledgeGraph: map[string]any{},
		Metrics:        map[string]float64{},
	}

	var summaries []string
	for _, src := range ordered {
		// Later sources overwrite colliding keys: last write wins.
		for k, v := range src.KnowledgeGraph {
			merged.KnowledgeGraph[k] = v
		}
		for k, v := range src.Metrics {
			merged.Metrics[k] = v
		}

		merged.Tasks = append(merged.Tasks, src.Tasks...)
		merged.ErrorPatterns = append(merged.ErrorPatterns, src.ErrorPatterns...)
		merged.SuccessPatterns = append(merged.SuccessPatterns, src.SuccessPatterns...)
		merged.Interactions = append(merged.Interactions, src.Interactions...)
		merged.KeyInsights = append(merged.KeyInsights, src.KeyInsights...)

		if src.Summary != "" {
			summaries = append(summaries, src.Summary)
		}
	}

	// Interaction history must be chronological across sources, not just
	// within each one.
	sort.SliceStable(merged.Interactions, func(i, j int) bool {
		return merged.Interactions[i].OccurredAt.Before(merged.Interactions[j].OccurredAt)
	})
	sort.SliceStable(merged.ErrorPatterns, func(i, j int) bool {
		return merged.ErrorPatterns[i].OccurredAt.Before(merged.ErrorPatterns[j].OccurredAt)
	})
	sort.SliceStable(merged.SuccessPatterns, func(i, j int) bool {
		return merged.SuccessPatterns[i].OccurredAt.Before(merged.SuccessPatterns[j].OccurredAt)
	})

	merged.KeyInsights = dedupeStrings(merged.KeyInsights)
	merged.Summary = strings.Join(summaries, "\n\n")

	if len(merged.KnowledgeGraph) == 0 {
		merged.KnowledgeGraph = nil
	}
	if len(merged.Metrics) == 0 {
		merged.Metrics = nil
	}

	return merged
}
