package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/scrypster/sessiond/internal/storage"
)

// MemoryIndex implements storage.VectorIndex in process memory using exact
// cosine similarity. Used in tests and single-node development setups.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32

	// FailNextUpsert, when set, makes the next Upsert fail with ErrStorage.
	// Supports saga rollback tests; never set in production code.
	FailNextUpsert bool
}

// NewMemoryIndex creates an empty in-memory vector index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string][]float32)}
}

// Upsert stores the embedding for a session.
func (m *MemoryIndex) Upsert(ctx context.Context, sessionID string, embedding []float32) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding", storage.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextUpsert {
		m.FailNextUpsert = false
		return fmt.Errorf("%w: injected failure", storage.ErrStorage)
	}

	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	m.vectors[sessionID] = cp
	return nil
}

// Delete removes the embedding. Idempotent.
func (m *MemoryIndex) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vectors, sessionID)
	return nil
}

// Search returns the top-k most similar sessions by cosine similarity.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, topK int) ([]storage.SimilarityMatch, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidInput)
	}
	if topK < 1 {
		topK = 10
	}

	m.mu.RLock()
	matches := make([]storage.SimilarityMatch, 0, len(m.vectors))
	for id, vec := range m.vectors {
		if len(vec) != len(query) {
			continue
		}
		matches = append(matches, storage.SimilarityMatch{
			SessionID: id,
			Score:     cosineSimilarity(query, vec),
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].SessionID < matches[j].SessionID
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Len returns the number of stored vectors.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// Close is a no-op for the in-memory index.
func (m *MemoryIndex) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Compile-time check that MemoryIndex implements storage.VectorIndex.
var _ storage.VectorIndex = (*MemoryIndex)(nil)
