package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sessiond/pkg/types"
)

// stubSage is a scriptable in-process sage for tests.
type stubSage struct {
	category    types.SageCategory
	notifyErr   error
	queryErr    error
	queryResp   *QueryResponse
	notifyCalls atomic.Int32
}

func (s *stubSage) Category() types.SageCategory { return s.category }

func (s *stubSage) Notify(_ context.Context, _ Event) error {
	s.notifyCalls.Add(1)
	return s.notifyErr
}

func (s *stubSage) Query(_ context.Context, _ QueryRequest) (*QueryResponse, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.queryResp, nil
}

func TestHTTPSageNotifyAndQuery(t *testing.T) {
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notify":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEvent))
			w.WriteHeader(http.StatusNoContent)
		case "/query":
			var req QueryRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			json.NewEncoder(w).Encode(QueryResponse{
				Data:       map[string]any{"kind": req.Kind},
				Confidence: 0.9,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sage := NewHTTPSage(types.SageKnowledge, srv.URL, time.Second)
	assert.Equal(t, types.SageKnowledge, sage.Category())

	err := sage.Notify(context.Background(), Event{
		Type:      "session.saved",
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "session.saved", gotEvent.Type)
	assert.Equal(t, "sess-1", gotEvent.SessionID)

	resp, err := sage.Query(context.Background(), QueryRequest{Kind: "related_facts"})
	require.NoError(t, err)
	assert.Equal(t, "related_facts", resp.Data["kind"])
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
}

func TestHTTPSageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sage := NewHTTPSage(types.SageTask, srv.URL, time.Second)

	err := sage.Notify(context.Background(), Event{Type: "session.saved"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	_, err = sage.Query(context.Background(), QueryRequest{Kind: "embed"})
	require.Error(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubSage{category: types.SageIncident, notifyErr: errors.New("down")}
	sage := WithBreaker(stub, BreakerConfig{MaxFailures: 2, Timeout: time.Minute})

	require.Equal(t, "closed", sage.State())

	for i := 0; i < 2; i++ {
		err := sage.Notify(context.Background(), Event{Type: "incident.logged"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	require.Equal(t, "open", sage.State())

	// Open circuit: the call is rejected without touching the collaborator.
	before := stub.notifyCalls.Load()
	err := sage.Notify(context.Background(), Event{Type: "incident.logged"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, stub.notifyCalls.Load())
}

func TestBreakerPassesSuccessThrough(t *testing.T) {
	stub := &stubSage{
		category:  types.SageRetrieval,
		queryResp: &QueryResponse{Confidence: 0.7},
	}
	sage := WithBreaker(stub, BreakerConfig{})

	resp, err := sage.Query(context.Background(), QueryRequest{Kind: "embed"})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, resp.Confidence, 1e-9)
	assert.Equal(t, "closed", sage.State())
}

func TestLocalEmbedderDeterministicUnitVector(t *testing.T) {
	emb := NewLocalEmbedder(64)
	require.Equal(t, 64, emb.Dimension())

	a, err := emb.Embed(context.Background(), "fix the session store race")
	require.NoError(t, err)
	b, err := emb.Embed(context.Background(), "fix the session store race")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	c, err := emb.Embed(context.Background(), "something else entirely")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestLocalEmbedderEmptyText(t *testing.T) {
	emb := NewLocalEmbedder(16)
	vec, err := emb.Embed(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, vec, 16)
	assert.Equal(t, float32(1), vec[0])
}

func TestSageEmbedderUsesCollaborator(t *testing.T) {
	raw := make([]any, 4)
	for i := range raw {
		raw[i] = 0.5
	}
	stub := &stubSage{
		category:  types.SageRetrieval,
		queryResp: &QueryResponse{Data: map[string]any{"embedding": raw}},
	}
	emb := NewSageEmbedder(stub, 4)

	vec, err := emb.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, vec)
}

func TestSageEmbedderFallsBackWhenCollaboratorDown(t *testing.T) {
	stub := &stubSage{category: types.SageRetrieval, queryErr: errors.New("down")}
	emb := NewSageEmbedder(stub, 32)

	vec, err := emb.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, vec, 32)

	local, err := NewLocalEmbedder(32).Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, local, vec)
}

func TestSageEmbedderFallsBackOnWrongDimension(t *testing.T) {
	stub := &stubSage{
		category:  types.SageRetrieval,
		queryResp: &QueryResponse{Data: map[string]any{"embedding": []any{0.1, 0.2}}},
	}
	emb := NewSageEmbedder(stub, 8)

	vec, err := emb.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 8)
}

func TestRegistryBroadcastIsBestEffort(t *testing.T) {
	healthy := &stubSage{category: types.SageKnowledge}
	broken := &stubSage{category: types.SageTask, notifyErr: errors.New("timeout")}

	reg := NewRegistry()
	reg.Register(healthy)
	reg.Register(broken)

	interactions := reg.Broadcast(context.Background(), Event{
		Type:      "session.saved",
		SessionID: "sess-1",
	})
	require.Len(t, interactions, 2)

	byCategory := map[types.SageCategory]types.SageInteraction{}
	for _, in := range interactions {
		byCategory[in.Category] = in
	}

	assert.True(t, byCategory[types.SageKnowledge].Success)
	assert.False(t, byCategory[types.SageTask].Success)
	assert.Contains(t, byCategory[types.SageTask].Error, "timeout")
	assert.Equal(t, int32(1), healthy.notifyCalls.Load())
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	first := &stubSage{category: types.SageKnowledge}
	second := &stubSage{category: types.SageKnowledge}

	reg.Register(first)
	reg.Register(second)

	require.Len(t, reg.Categories(), 1)
	assert.Same(t, Sage(second), reg.Get(types.SageKnowledge))
}

func TestObserve(t *testing.T) {
	ok := Observe(types.SageRetrieval, 0.8, 120*time.Millisecond, nil)
	assert.True(t, ok.Success)
	assert.Empty(t, ok.Error)
	assert.InDelta(t, 0.12, ok.ProcessingTime, 1e-9)
	assert.InDelta(t, 0.8, ok.ConfidenceScore, 1e-9)
	require.NoError(t, ok.Validate())

	bad := Observe(types.SageIncident, 0.8, time.Millisecond, errors.New("nope"))
	assert.False(t, bad.Success)
	assert.Equal(t, "nope", bad.Error)
	assert.Zero(t, bad.ConfidenceScore)
	require.NoError(t, bad.Validate())
}
