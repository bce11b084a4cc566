package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

func TestMergeKnowledgeGraphLastWriteWins(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	older, err := fx.manager.CreateSession(ctx, u1Caller, "u1", "/proj")
	require.NoError(t, err)
	_, err = fx.manager.UpdateSession(ctx, u1Caller, older, func(sc *types.SessionContext) error {
		sc.KnowledgeGraph = map[string]any{
			"database": "postgres",
			"language": "go",
		}
		return nil
	})
	require.NoError(t, err)

	// The second session is updated later, so its value wins collisions.
	time.Sleep(5 * time.Millisecond)

	newer, err := fx.manager.CreateSession(ctx, u1Caller, "u1", "/proj")
	require.NoError(t, err)
	_, err = fx.manager.UpdateSession(ctx, u1Caller, newer, func(sc *types.SessionContext) error {
		sc.KnowledgeGraph = map[string]any{
			"database": "sqlite",
			"broker":   "redis",
		}
		return nil
	})
	require.NoError(t, err)

	merged, err := fx.manager.MergeSessions(ctx, u1Caller, []string{older, newer})
	require.NoError(t, err)

	assert.Equal(t, "sqlite", merged.KnowledgeGraph["database"])
	assert.Equal(t, "go", merged.KnowledgeGraph["language"])
	assert.Equal(t, "redis", merged.KnowledgeGraph["broker"])

	// The merged session is persisted and loadable; sources survive.
	got, _, err := fx.manager.LoadSession(ctx, u1Caller, merged.SessionID)
	require.NoError(t, err)
	assert.Equal(t, merged.KnowledgeGraph, got.KnowledgeGraph)

	_, _, err = fx.manager.LoadSession(ctx, u1Caller, older)
	assert.NoError(t, err)
}

func TestMergeConcatenatesHistoriesChronologically(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)

	a, err := fx.manager.CreateSession(ctx, u1Caller, "u1", "/proj")
	require.NoError(t, err)
	_, err = fx.manager.UpdateSession(ctx, u1Caller, a, func(sc *types.SessionContext) error {
		sc.Summary = "first half"
		sc.Tasks = []map[string]any{{"name": "one"}}
		sc.Interactions = []types.SageInteraction{
			{Category: types.SageKnowledge, Success: true, OccurredAt: base},
			{Category: types.SageTask, Success: true, OccurredAt: base.Add(20 * time.Minute)},
		}
		return nil
	})
	require.NoError(t, err)

	b, err := fx.manager.CreateSession(ctx, u1Caller, "u1", "/proj")
	require.NoError(t, err)
	_, err = fx.manager.UpdateSession(ctx, u1Caller, b, func(sc *types.SessionContext) error {
		sc.Summary = "second half"
		sc.Tasks = []map[string]any{{"name": "two"}}
		sc.Interactions = []types.SageInteraction{
			{Category: types.SageIncident, Success: false, Error: "x", OccurredAt: base.Add(10 * time.Minute)},
		}
		return nil
	})
	require.NoError(t, err)

	merged, err := fx.manager.MergeSessions(ctx, u1Caller, []string{b, a})
	require.NoError(t, err)

	require.Len(t, merged.Interactions, 3)
	assert.Equal(t, types.SageKnowledge, merged.Interactions[0].Category)
	assert.Equal(t, types.SageIncident, merged.Interactions[1].Category)
	assert.Equal(t, types.SageTask, merged.Interactions[2].Category)

	require.Len(t, merged.Tasks, 2)
	assert.Contains(t, merged.Summary, "first half")
	assert.Contains(t, merged.Summary, "second half")

	// Embeddings are recomputed from the merged summary.
	require.NotEmpty(t, merged.VectorEmbeddings)
	want, err := fx.embed.Embed(ctx, merged.Summary)
	require.NoError(t, err)
	assert.Equal(t, want, merged.VectorEmbeddings)
}

func TestMergeInputValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.manager.CreateSession(ctx, u1Caller, "u1", "/proj")
	require.NoError(t, err)

	_, err = fx.manager.MergeSessions(ctx, u1Caller, []string{id})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = fx.manager.MergeSessions(ctx, u1Caller, []string{id, id})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = fx.manager.MergeSessions(ctx, u1Caller, []string{id, ""})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = fx.manager.MergeSessions(ctx, u1Caller, []string{id, "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMergeRequiresPermissionOnEverySource(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	mine, err := fx.manager.CreateSession(ctx, u1Caller, "u1", "/proj")
	require.NoError(t, err)
	theirs, err := fx.manager.CreateSession(ctx, u2Caller, "u2", "/proj")
	require.NoError(t, err)

	_, err = fx.manager.MergeSessions(ctx, u1Caller, []string{mine, theirs})
	assert.ErrorIs(t, err, security.ErrPermissionDenied)

	// Admin can merge across owners.
	merged, err := fx.manager.MergeSessions(ctx, adminCaller, []string{mine, theirs})
	require.NoError(t, err)
	assert.NotEmpty(t, merged.SessionID)
}
