// Package hybrid presents a single logical store over three physically
// distinct backends: the relational metadata store (source of truth for
// existence and version), the document store, and the vector index.
//
// Cross-store writes follow a fixed saga order with compensating actions:
// metadata is written first on create and last on delete, so a reader never
// sees a "real" session the relational store doesn't know about, and never
// sees a dangling document or vector referencing a missing metadata row.
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// Cipher seals session documents before they reach the document store and
// opens them on the way back. Implemented by security.EnvelopeCipher; a nil
// Cipher stores documents in plaintext (development mode).
type Cipher interface {
	// Seal encrypts plaintext bound to keyContext. Returns the sealed bytes
	// and the key version id used.
	Seal(keyContext string, plaintext []byte) (sealed []byte, keyID string, err error)

	// Open decrypts sealed bytes bound to keyContext.
	Open(keyContext string, sealed []byte) ([]byte, error)
}

// Options configures a hybrid Store.
type Options struct {
	// Cipher seals documents at rest. Nil disables encryption.
	Cipher Cipher

	// Retry bounds backoff for transient backend failures.
	Retry storage.RetryPolicy

	// OpTimeout caps each logical operation. Exceeding it fails with
	// ErrTimeout. Default: 10s.
	OpTimeout time.Duration
}

// Store composes the three backends into one consistent session store.
type Store struct {
	meta      storage.MetadataStore
	docs      storage.DocumentStore
	vecs      storage.VectorIndex
	cipher    Cipher
	retry     storage.RetryPolicy
	opTimeout time.Duration
}

// New creates a hybrid store over the given backends.
func New(meta storage.MetadataStore, docs storage.DocumentStore, vecs storage.VectorIndex, opts Options) *Store {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = storage.DefaultRetryPolicy()
	}
	return &Store{
		meta:      meta,
		docs:      docs,
		vecs:      vecs,
		cipher:    opts.Cipher,
		retry:     opts.Retry,
		opTimeout: opts.OpTimeout,
	}
}

// StoreSession persists a new session across all three backends and returns
// its id. Write order: metadata first (reserving the id and version), then
// document, then vector. If a later step fails after retries, the earlier
// writes are compensated and the call fails.
func (s *Store) StoreSession(ctx context.Context, sc *types.SessionContext) (string, error) {
	if sc == nil {
		return "", fmt.Errorf("%w: nil session", storage.ErrInvalidInput)
	}
	if err := sc.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	doc, keyID, err := s.sealDocument(sc)
	if err != nil {
		return "", err
	}

	meta := sc.Metadata()
	meta.KeyID = keyID

	// Step 1: relational row. Reserves the id; ErrAlreadyExists surfaces as-is.
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.meta.Insert(ctx, &meta)
	}); err != nil {
		return "", err
	}

	// Step 2: document. Compensate the metadata row on failure.
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.docs.Put(ctx, sc.SessionID, doc)
	}); err != nil {
		s.compensate(sc.SessionID, "document write", func(ctx context.Context) error {
			return s.meta.Delete(ctx, sc.SessionID)
		})
		return "", err
	}

	// Step 3: vector, only when an embedding is present. Compensate both
	// earlier writes on failure.
	if len(sc.VectorEmbeddings) > 0 {
		if err := s.withRetry(ctx, func(ctx context.Context) error {
			return s.vecs.Upsert(ctx, sc.SessionID, sc.VectorEmbeddings)
		}); err != nil {
			s.compensate(sc.SessionID, "vector write", func(ctx context.Context) error {
				if derr := s.docs.Delete(ctx, sc.SessionID); derr != nil {
					return derr
				}
				return s.meta.Delete(ctx, sc.SessionID)
			})
			return "", err
		}
	}

	return sc.SessionID, nil
}

// LoadSession reads a session. Metadata is read first as a fast existence
// check; the vector is not loaded (similarity search hits the index
// directly). Returns the metadata alongside the context so callers hold the
// version for subsequent optimistic updates.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*types.SessionContext, *types.SessionMetadata, error) {
	if sessionID == "" {
		return nil, nil, fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var meta *types.SessionMetadata
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		meta, err = s.meta.Get(ctx, sessionID)
		return err
	}); err != nil {
		return nil, nil, err
	}

	if meta.Status == types.SessionCorrupted {
		return nil, nil, fmt.Errorf("%w: session %s awaits reconciliation", storage.ErrCorruptedState, sessionID)
	}

	var doc []byte
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		doc, err = s.docs.Get(ctx, sessionID)
		return err
	}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Metadata without a document is a partial-failure artifact.
			s.markCorrupted(sessionID, "document missing on load")
			return nil, nil, fmt.Errorf("%w: session %s has no document", storage.ErrCorruptedState, sessionID)
		}
		return nil, nil, err
	}

	sc, err := s.openDocument(sessionID, meta.KeyID, doc)
	if err != nil {
		return nil, nil, err
	}

	return sc, meta, nil
}

// UpdateSession overwrites a session's state iff the stored version still
// equals expectedVersion. Metadata is CAS-updated first so concurrent
// writers are arbitrated by the relational store; the derived stores are
// then brought up to date.
func (s *Store) UpdateSession(ctx context.Context, sc *types.SessionContext, expectedVersion int64) (*types.SessionMetadata, error) {
	if sc == nil {
		return nil, fmt.Errorf("%w: nil session", storage.ErrInvalidInput)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	doc, keyID, err := s.sealDocument(sc)
	if err != nil {
		return nil, err
	}

	meta := sc.Metadata()
	meta.KeyID = keyID

	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.meta.Update(ctx, &meta, expectedVersion)
	}); err != nil {
		return nil, err
	}

	// The relational record is now ahead of the derived stores; they may lag
	// momentarily but a write failure past retries leaves stale content, so
	// the session is flagged for reconciliation rather than served stale.
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.docs.Put(ctx, sc.SessionID, doc)
	}); err != nil {
		s.markCorrupted(sc.SessionID, "document write on update")
		return nil, fmt.Errorf("%w: session %s document update failed: %v", storage.ErrCorruptedState, sc.SessionID, err)
	}

	if len(sc.VectorEmbeddings) > 0 {
		if err := s.withRetry(ctx, func(ctx context.Context) error {
			return s.vecs.Upsert(ctx, sc.SessionID, sc.VectorEmbeddings)
		}); err != nil {
			s.markCorrupted(sc.SessionID, "vector write on update")
			return nil, fmt.Errorf("%w: session %s vector update failed: %v", storage.ErrCorruptedState, sc.SessionID, err)
		}
	}

	return &meta, nil
}

// DeleteSession removes a session from all three stores. Delete order is the
// reverse of create: derived stores first, metadata last, so a surviving
// metadata row always flags the partial state. Partial failure marks the
// session corrupted for reconciliation rather than letting it silently
// disappear from one store only.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	// Existence check up front so deleting a missing session is a clean
	// ErrNotFound, not a partial saga.
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.meta.Get(ctx, sessionID)
		return err
	}); err != nil {
		return false, err
	}

	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.vecs.Delete(ctx, sessionID)
	}); err != nil {
		s.markCorrupted(sessionID, "vector delete")
		return false, fmt.Errorf("%w: session %s vector delete failed: %v", storage.ErrCorruptedState, sessionID, err)
	}

	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.docs.Delete(ctx, sessionID)
	}); err != nil {
		s.markCorrupted(sessionID, "document delete")
		return false, fmt.Errorf("%w: session %s document delete failed: %v", storage.ErrCorruptedState, sessionID, err)
	}

	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.meta.Delete(ctx, sessionID)
	}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Raced with another delete; the end state is what we wanted.
			return true, nil
		}
		return false, err
	}

	return true, nil
}

// SearchSimilar queries the vector index only; callers hydrate selectively.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, topK int) ([]storage.SimilarityMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var matches []storage.SimilarityMatch
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		matches, err = s.vecs.Search(ctx, query, topK)
		return err
	})
	return matches, err
}

// GetMetadata reads the relational record only.
func (s *Store) GetMetadata(ctx context.Context, sessionID string) (*types.SessionMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var meta *types.SessionMetadata
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		meta, err = s.meta.Get(ctx, sessionID)
		return err
	})
	return meta, err
}

// ListMetadata pages through relational records.
func (s *Store) ListMetadata(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.SessionMetadata], error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var result *storage.PaginatedResult[types.SessionMetadata]
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.meta.List(ctx, opts)
		return err
	})
	return result, err
}

// Close releases all three backends, returning the first error encountered.
func (s *Store) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{s.vecs, s.docs, s.meta} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withRetry applies the store's retry policy and maps deadline expiry onto
// the timeout error class.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := storage.Retry(ctx, s.retry, fn)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, storage.ErrTimeout) {
		return fmt.Errorf("%w: %v", storage.ErrTimeout, err)
	}
	return err
}

// compensate runs a rollback action on a fresh context: the triggering
// failure may have been a cancellation, and a half-created session must
// still be cleaned up. A failed compensation leaves the session corrupted.
func (s *Store) compensate(sessionID, step string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	if err := storage.Retry(ctx, s.retry, fn); err != nil {
		log.Printf("hybrid: compensation after failed %s for session %s failed: %v", step, sessionID, err)
		s.markCorrupted(sessionID, step)
	}
}

// markCorrupted flags the session for reconciliation. Best effort: the flag
// itself may fail, which is logged and picked up by the periodic reconciler.
func (s *Store) markCorrupted(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	if err := s.meta.SetStatus(ctx, sessionID, types.SessionCorrupted); err != nil {
		log.Printf("hybrid: failed to mark session %s corrupted after %s: %v", sessionID, reason, err)
	} else {
		log.Printf("hybrid: session %s marked corrupted (%s)", sessionID, reason)
	}
}

func (s *Store) sealDocument(sc *types.SessionContext) ([]byte, string, error) {
	plain, err := json.Marshal(sc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to serialize session: %v", storage.ErrInvalidInput, err)
	}

	if s.cipher == nil {
		return plain, "", nil
	}

	sealed, keyID, err := s.cipher.Seal(sc.SessionID, plain)
	if err != nil {
		return nil, "", fmt.Errorf("failed to seal session document: %w", err)
	}
	return sealed, keyID, nil
}

func (s *Store) openDocument(sessionID, keyID string, doc []byte) (*types.SessionContext, error) {
	plain := doc
	if s.cipher != nil && keyID != "" {
		var err error
		plain, err = s.cipher.Open(sessionID, doc)
		if err != nil {
			return nil, err
		}
	}

	var sc types.SessionContext
	if err := json.Unmarshal(plain, &sc); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize session %s: %v", storage.ErrCorruptedState, sessionID, err)
	}
	return &sc, nil
}
