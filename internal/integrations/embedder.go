package integrations

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/scrypster/sessiond/pkg/types"
)

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	// Embed returns the embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the length of vectors this embedder produces.
	Dimension() int
}

// SageEmbedder delegates embedding to the retrieval collaborator via an
// "embed" query. If the collaborator is unavailable it falls back to a local
// deterministic embedding so saves keep working while it is down.
type SageEmbedder struct {
	sage     Sage
	fallback *LocalEmbedder
}

// NewSageEmbedder creates an embedder backed by the retrieval sage.
func NewSageEmbedder(sage Sage, dimension int) *SageEmbedder {
	return &SageEmbedder{
		sage:     sage,
		fallback: NewLocalEmbedder(dimension),
	}
}

// Dimension implements Embedder.
func (e *SageEmbedder) Dimension() int {
	return e.fallback.Dimension()
}

// Embed implements Embedder.
func (e *SageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.sage.Query(ctx, QueryRequest{
		Kind:   "embed",
		Params: map[string]any{"text": text},
	})
	if err != nil {
		log.Printf("integrations: %s embed query failed, using local fallback: %v", types.SageRetrieval, err)
		return e.fallback.Embed(ctx, text)
	}

	vec, err := decodeEmbedding(resp.Data["embedding"], e.Dimension())
	if err != nil {
		log.Printf("integrations: %s returned bad embedding, using local fallback: %v", types.SageRetrieval, err)
		return e.fallback.Embed(ctx, text)
	}
	return vec, nil
}

func decodeEmbedding(raw any, want int) ([]float32, error) {
	values, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("embedding payload has type %T, expected array", raw)
	}
	if len(values) != want {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(values), want)
	}

	vec := make([]float32, len(values))
	for i, v := range values {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("embedding element %d has type %T, expected number", i, v)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// LocalEmbedder produces deterministic embeddings from token hashes. It is
// not semantically meaningful, but it is stable: the same text always maps
// to the same unit vector, which keeps similarity search self-consistent
// when no retrieval collaborator is configured.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a local hash-based embedder.
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}
}

// Dimension implements Embedder.
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

// Embed implements Embedder. It never fails; the error return satisfies the
// interface.
func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dimension)
		sign := float32(1)
		if sum[4]&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

var (
	_ Embedder = (*SageEmbedder)(nil)
	_ Embedder = (*LocalEmbedder)(nil)
)
