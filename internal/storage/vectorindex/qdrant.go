// Package vectorindex provides vector index backends for session embeddings.
// The index is a derived store keyed by session id; it answers similarity
// queries and never hydrates full sessions.
package vectorindex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/scrypster/sessiond/internal/storage"
)

// QdrantConfig holds Qdrant connection configuration.
type QdrantConfig struct {
	// URL is the Qdrant server address (e.g., "https://example.qdrant.io:6334").
	URL string

	// Collection is the name of the collection holding session embeddings.
	Collection string

	// APIKey is an optional API key for authentication.
	APIKey string
}

// QdrantIndex implements storage.VectorIndex using Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantIndex creates a Qdrant-backed vector index.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}

	parsedURL := cfg.URL
	if !strings.HasPrefix(parsedURL, "http://") && !strings.HasPrefix(parsedURL, "https://") {
		parsedURL = "https://" + parsedURL
	}

	u, err := url.Parse(parsedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse qdrant url: %w", err)
	}

	host := u.Hostname()
	port := 6334 // default gRPC port
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantIndex{client: client, collection: cfg.Collection}, nil
}

// Upsert stores the embedding for a session, replacing any previous one.
func (q *QdrantIndex) Upsert(ctx context.Context, sessionID string, embedding []float32) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if len(embedding) == 0 {
		return fmt.Errorf("%w: empty embedding", storage.ErrInvalidInput)
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(sessionID),
				Vectors: qdrant.NewVectors(embedding...),
				Payload: qdrant.NewValueMap(map[string]any{"session_id": sessionID}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: qdrant upsert failed: %v", storage.ErrStorage, err)
	}

	return nil
}

// Delete removes the embedding. Idempotent.
func (q *QdrantIndex) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(sessionID)),
	})
	if err != nil {
		return fmt.Errorf("%w: qdrant delete failed: %v", storage.ErrStorage, err)
	}

	return nil
}

// Search returns the top-k most similar sessions, ordered by descending score.
func (q *QdrantIndex) Search(ctx context.Context, query []float32, topK int) ([]storage.SimilarityMatch, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidInput)
	}
	if topK < 1 {
		topK = 10
	}

	limit := uint64(topK)
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant query failed: %v", storage.ErrStorage, err)
	}

	matches := make([]storage.SimilarityMatch, 0, len(points))
	for _, point := range points {
		match := storage.SimilarityMatch{Score: point.Score}

		if point.Id != nil {
			if id := point.Id.GetUuid(); id != "" {
				match.SessionID = id
			}
		}
		// Fall back to the payload when the point id is numeric.
		if match.SessionID == "" && point.Payload != nil {
			if v, ok := point.Payload["session_id"]; ok {
				match.SessionID = v.GetStringValue()
			}
		}
		if match.SessionID == "" {
			continue
		}

		matches = append(matches, match)
	}

	return matches, nil
}

// Close releases the Qdrant client.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// Compile-time check that QdrantIndex implements storage.VectorIndex.
var _ storage.VectorIndex = (*QdrantIndex)(nil)
