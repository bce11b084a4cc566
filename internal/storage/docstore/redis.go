// Package docstore provides document store backends for serialized session
// documents. The document store is a derived store: the relational metadata
// row is the source of truth for session existence.
package docstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scrypster/sessiond/internal/storage"
)

// docKeyPrefix namespaces session documents in Redis.
const docKeyPrefix = "sessiond:doc:"

// RedisStore implements storage.DocumentStore using Redis. Documents are
// stored without TTL: session lifecycle is owned by the metadata store and
// explicit deletes, never by key expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a document store over an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put stores the document for a session (upsert semantics).
func (s *RedisStore) Put(ctx context.Context, sessionID string, doc []byte) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if len(doc) == 0 {
		return fmt.Errorf("%w: empty document", storage.ErrInvalidInput)
	}

	if err := s.client.Set(ctx, s.key(sessionID), doc, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis set failed: %v", storage.ErrStorage, err)
	}
	return nil
}

// Get retrieves the document for a session.
func (s *RedisStore) Get(ctx context.Context, sessionID string) ([]byte, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	doc, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get failed: %v", storage.ErrStorage, err)
	}
	return doc, nil
}

// Delete removes the document. Deleting an absent document is not an error:
// compensating deletes during saga rollback must be idempotent.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: redis del failed: %v", storage.ErrStorage, err)
	}
	return nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return docKeyPrefix + sessionID
}

// Compile-time check that RedisStore implements storage.DocumentStore.
var _ storage.DocumentStore = (*RedisStore)(nil)
