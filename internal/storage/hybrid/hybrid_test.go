package hybrid

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/internal/storage/docstore"
	"github.com/scrypster/sessiond/internal/storage/sqlite"
	"github.com/scrypster/sessiond/internal/storage/vectorindex"
	"github.com/scrypster/sessiond/pkg/types"
)

type fixture struct {
	store *Store
	meta  *sqlite.MetadataStore
	docs  *docstore.MemoryStore
	vecs  *vectorindex.MemoryIndex
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	meta, err := sqlite.NewMetadataStore(":memory:")
	require.NoError(t, err)

	docs := docstore.NewMemoryStore()
	vecs := vectorindex.NewMemoryIndex()

	// Tight retry timing keeps failure-path tests fast.
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = storage.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	}

	store := New(meta, docs, vecs, opts)
	t.Cleanup(func() { _ = store.Close() })

	return &fixture{store: store, meta: meta, docs: docs, vecs: vecs}
}

func testSession(id string) *types.SessionContext {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.SessionContext{
		SessionID:   id,
		UserID:      "u1",
		ProjectPath: "/proj",
		CreatedAt:   now,
		UpdatedAt:   now,
		KnowledgeGraph: map[string]any{
			"build_tool": "make",
		},
	}
}

func testSessionWithEmbedding(id string) *types.SessionContext {
	sc := testSession(id)
	sc.Summary = "worked on the build system"
	sc.VectorEmbeddings = []float32{0.1, 0.2, 0.3, 0.4}
	return sc
}

func TestStoreAndLoadRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sc := testSessionWithEmbedding("sess-1")
	id, err := f.store.StoreSession(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	got, meta, err := f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sc.UserID, got.UserID)
	assert.Equal(t, sc.ProjectPath, got.ProjectPath)
	assert.Equal(t, sc.Summary, got.Summary)
	assert.Equal(t, sc.KnowledgeGraph["build_tool"], got.KnowledgeGraph["build_tool"])
	assert.Equal(t, int64(1), meta.Version)
	assert.True(t, meta.HasEmbedding)
	assert.Equal(t, 1, f.vecs.Len())
}

func TestStoreSessionEncrypted(t *testing.T) {
	ring, err := security.NewKeyRing("k1", []byte("test-secret"))
	require.NoError(t, err)

	f := newFixture(t, Options{Cipher: &security.EnvelopeCipher{Ring: ring}})
	ctx := context.Background()

	_, err = f.store.StoreSession(ctx, testSession("sess-1"))
	require.NoError(t, err)

	// The document store must hold ciphertext, not the raw session JSON.
	raw, err := f.docs.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"user_id":"u1"`)

	got, meta, err := f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "k1", meta.KeyID)
}

func TestLoadMissingSession(t *testing.T) {
	f := newFixture(t, Options{})

	_, _, err := f.store.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreDuplicateID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.StoreSession(ctx, testSession("sess-1"))
	require.NoError(t, err)

	_, err = f.store.StoreSession(ctx, testSession("sess-1"))
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestStoreRollsBackMetadataOnDocumentFailure(t *testing.T) {
	// Retry budget of 1 so a single injected failure exhausts it.
	f := newFixture(t, Options{Retry: storage.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}})
	ctx := context.Background()

	f.docs.FailNextPut = true
	_, err := f.store.StoreSession(ctx, testSession("sess-1"))
	require.Error(t, err)

	// The compensating delete must have removed the metadata row: the id is
	// reusable and no phantom session exists.
	_, err = f.meta.Get(ctx, "sess-1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.store.StoreSession(ctx, testSession("sess-1"))
	require.NoError(t, err)
}

func TestStoreRollsBackOnVectorFailure(t *testing.T) {
	f := newFixture(t, Options{Retry: storage.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}})
	ctx := context.Background()

	f.vecs.FailNextUpsert = true
	_, err := f.store.StoreSession(ctx, testSessionWithEmbedding("sess-1"))
	require.Error(t, err)

	_, err = f.meta.Get(ctx, "sess-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, f.docs.Len())
}

func TestStoreRetriesTransientDocumentFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// One injected failure, default budget of 2 attempts: the retry absorbs it.
	f.docs.FailNextPut = true
	_, err := f.store.StoreSession(ctx, testSession("sess-1"))
	require.NoError(t, err)

	_, _, err = f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
}

func TestUpdateConflictOnStaleVersion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sc := testSession("sess-1")
	_, err := f.store.StoreSession(ctx, sc)
	require.NoError(t, err)

	// Two writers read version 1; the first write wins.
	first, _, err := f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	second, _, err := f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)

	first.Summary = "first writer"
	meta, err := f.store.UpdateSession(ctx, first, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.Version)

	second.Summary = "second writer"
	_, err = f.store.UpdateSession(ctx, second, 1)
	require.ErrorIs(t, err, storage.ErrConflict)

	got, _, err := f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "first writer", got.Summary)
}

func TestUpdateCarriesTriageFields(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sc := testSession("sess-1")
	sc.Priority = types.PriorityHigh
	sc.EfficiencyScore = 0.75
	_, err := f.store.StoreSession(ctx, sc)
	require.NoError(t, err)

	meta, err := f.store.GetMetadata(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, meta.Priority)
	assert.Equal(t, 0.75, meta.EfficiencyScore)

	// An unrelated update must not wipe the denormalized triage columns.
	loaded, lmeta, err := f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	loaded.Summary = "revised"
	updated, err := f.store.UpdateSession(ctx, loaded, lmeta.Version)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, updated.Priority)
	assert.Equal(t, 0.75, updated.EfficiencyScore)
	assert.Equal(t, types.SessionActive, updated.Status)
}

func TestUpdateFailureMarksCorrupted(t *testing.T) {
	f := newFixture(t, Options{Retry: storage.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}})
	ctx := context.Background()

	sc := testSession("sess-1")
	_, err := f.store.StoreSession(ctx, sc)
	require.NoError(t, err)

	f.docs.FailNextPut = true
	sc.Summary = "will not land"
	_, err = f.store.UpdateSession(ctx, sc, 1)
	require.ErrorIs(t, err, storage.ErrCorruptedState)

	meta, err := f.meta.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCorrupted, meta.Status)

	// Corrupted sessions refuse normal loads until reconciled.
	_, _, err = f.store.LoadSession(ctx, "sess-1")
	require.ErrorIs(t, err, storage.ErrCorruptedState)
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.StoreSession(ctx, testSessionWithEmbedding("sess-1"))
	require.NoError(t, err)

	ok, err := f.store.DeleteSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, f.docs.Len())
	assert.Equal(t, 0, f.vecs.Len())

	_, _, err = f.store.LoadSession(ctx, "sess-1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.store.DeleteSession(ctx, "sess-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchSimilarOrdersByScore(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	near := testSessionWithEmbedding("sess-near")
	near.VectorEmbeddings = []float32{1, 0, 0, 0}
	far := testSessionWithEmbedding("sess-far")
	far.VectorEmbeddings = []float32{0, 1, 0, 0}

	for _, sc := range []*types.SessionContext{near, far} {
		_, err := f.store.StoreSession(ctx, sc)
		require.NoError(t, err)
	}

	matches, err := f.store.SearchSimilar(ctx, []float32{0.9, 0.1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "sess-near", matches[0].SessionID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
}

func TestOperationTimeoutClassified(t *testing.T) {
	f := newFixture(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, _, err := f.store.LoadSession(ctx, "sess-1")
	require.ErrorIs(t, err, storage.ErrTimeout)
}

func TestReconcileRestoresIntactSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.StoreSession(ctx, testSessionWithEmbedding("sess-1"))
	require.NoError(t, err)

	// Simulate a partial failure flag with intact content.
	require.NoError(t, f.meta.SetStatus(ctx, "sess-1", types.SessionCorrupted))

	report, err := f.store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 0, report.Removed)

	_, meta, err := f.store.LoadSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, meta.Status)
}

func TestReconcilePurgesLostSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.StoreSession(ctx, testSessionWithEmbedding("sess-1"))
	require.NoError(t, err)

	// Lose the document out from under the metadata row.
	require.NoError(t, f.docs.Delete(ctx, "sess-1"))
	require.NoError(t, f.meta.SetStatus(ctx, "sess-1", types.SessionCorrupted))

	report, err := f.store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Removed)

	_, err = f.meta.Get(ctx, "sess-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, f.vecs.Len())
}

func TestReconcileCoversAllPages(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// More corrupted sessions than one listing page (100) holds. Restoring a
	// session removes it from the status-filtered listing mid-scan, which must
	// not cause later pages to be skipped.
	const total = 150
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("sess-%03d", i)
		_, err := f.store.StoreSession(ctx, testSession(id))
		require.NoError(t, err)
		require.NoError(t, f.meta.SetStatus(ctx, id, types.SessionCorrupted))
	}

	report, err := f.store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, report.Scanned)
	assert.Equal(t, total, report.Restored)
	assert.Equal(t, 0, report.Failed)

	remaining, err := f.meta.List(ctx, storage.ListOptions{Status: types.SessionCorrupted, Page: 1, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, remaining.Items)
}

func TestConcurrentUpdatesOneWinner(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.StoreSession(ctx, testSession("sess-1"))
	require.NoError(t, err)

	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			sc, _, err := f.store.LoadSession(ctx, "sess-1")
			if err != nil {
				errs <- err
				return
			}
			sc.Summary = fmt.Sprintf("writer %d", n)
			_, err = f.store.UpdateSession(ctx, sc, 1)
			errs <- err
		}(i)
	}

	var wins, conflicts int
	for i := 0; i < writers; i++ {
		err := <-errs
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, storage.ErrConflict)
			conflicts++
		}
	}

	// All writers presented version 1, so exactly one can win.
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}
