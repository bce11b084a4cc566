package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/scrypster/sessiond/internal/storage"
)

// MemoryStore implements storage.DocumentStore in process memory. Used in
// tests and single-node development setups where Redis is not available.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte

	// FailNextPut, when set, makes the next Put fail with ErrStorage.
	// Supports saga rollback tests; never set in production code.
	FailNextPut bool
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Put stores the document for a session.
func (s *MemoryStore) Put(ctx context.Context, sessionID string, doc []byte) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if len(doc) == 0 {
		return fmt.Errorf("%w: empty document", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextPut {
		s.FailNextPut = false
		return fmt.Errorf("%w: injected failure", storage.ErrStorage)
	}

	cp := make([]byte, len(doc))
	copy(cp, doc)
	s.docs[sessionID] = cp
	return nil
}

// Get retrieves the document for a session.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) ([]byte, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := make([]byte, len(doc))
	copy(cp, doc)
	return cp, nil
}

// Delete removes the document. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, sessionID)
	return nil
}

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Compile-time check that MemoryStore implements storage.DocumentStore.
var _ storage.DocumentStore = (*MemoryStore)(nil)
