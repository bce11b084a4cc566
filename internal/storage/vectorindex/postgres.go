package vectorindex

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/sessiond/internal/storage"
)

// postgresSchema creates the embeddings table. The ivfflat index accelerates
// cosine-distance queries once the table is non-empty.
const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS session_embeddings (
    session_id TEXT PRIMARY KEY,
    embedding  vector(%d) NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_embeddings_cosine
    ON session_embeddings USING ivfflat (embedding vector_cosine_ops);
`

// PostgresIndex implements storage.VectorIndex using PostgreSQL with the
// pgvector extension. It is the alternative to Qdrant for deployments that
// already run Postgres.
type PostgresIndex struct {
	db        *sql.DB
	dimension int
}

// NewPostgresIndex opens a Postgres connection and ensures the embeddings
// schema exists. dimension fixes the embedding width for the table.
func NewPostgresIndex(dsn string, dimension int) (*PostgresIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf(postgresSchema, dimension)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create embeddings schema: %w", err)
	}

	return &PostgresIndex{db: db, dimension: dimension}, nil
}

// Upsert stores the embedding for a session, replacing any previous one.
func (p *PostgresIndex) Upsert(ctx context.Context, sessionID string, embedding []float32) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}
	if len(embedding) != p.dimension {
		return fmt.Errorf("%w: embedding length %d does not match dimension %d",
			storage.ErrInvalidInput, len(embedding), p.dimension)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_embeddings (session_id, embedding, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET
			embedding = excluded.embedding,
			updated_at = now()
	`, sessionID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("%w: pgvector upsert failed: %v", storage.ErrStorage, err)
	}

	return nil
}

// Delete removes the embedding. Idempotent.
func (p *PostgresIndex) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM session_embeddings WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("%w: pgvector delete failed: %v", storage.ErrStorage, err)
	}

	return nil
}

// Search returns the top-k most similar sessions using cosine distance.
// Scores are mapped to similarity (1 - distance) so higher is more similar,
// matching the Qdrant backend.
func (p *PostgresIndex) Search(ctx context.Context, query []float32, topK int) ([]storage.SimilarityMatch, error) {
	if len(query) != p.dimension {
		return nil, fmt.Errorf("%w: query length %d does not match dimension %d",
			storage.ErrInvalidInput, len(query), p.dimension)
	}
	if topK < 1 {
		topK = 10
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, 1 - (embedding <=> $1) AS score
		FROM session_embeddings
		ORDER BY embedding <=> $1
		LIMIT $2
	`, pgvector.NewVector(query), topK)
	if err != nil {
		return nil, fmt.Errorf("%w: pgvector search failed: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	var matches []storage.SimilarityMatch
	for rows.Next() {
		var match storage.SimilarityMatch
		if err := rows.Scan(&match.SessionID, &match.Score); err != nil {
			return nil, fmt.Errorf("%w: pgvector scan failed: %v", storage.ErrStorage, err)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: pgvector iteration failed: %v", storage.ErrStorage, err)
	}

	return matches, nil
}

// Close releases the database connection.
func (p *PostgresIndex) Close() error {
	return p.db.Close()
}

// Compile-time check that PostgresIndex implements storage.VectorIndex.
var _ storage.VectorIndex = (*PostgresIndex)(nil)
