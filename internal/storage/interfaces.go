// Package storage provides composable storage interfaces for the sessiond
// system.
//
// A session is split across three physically distinct stores: a relational
// metadata store (source of truth for existence and version), a document
// store holding the full serialized session, and a vector index for
// similarity search. Each backend is a small focused interface that can be
// implemented independently; the hybrid package composes them into one
// logical store.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/sessiond/pkg/types"
)

// MetadataStore is the relational store for denormalized session metadata.
// It is the source of truth for session existence and for the optimistic
// concurrency version counter.
type MetadataStore interface {
	// Insert creates a metadata row with Version set to 1.
	// Returns ErrAlreadyExists if the session id is taken.
	Insert(ctx context.Context, meta *types.SessionMetadata) error

	// Get retrieves metadata by session id.
	// Returns ErrNotFound if the session doesn't exist.
	Get(ctx context.Context, sessionID string) (*types.SessionMetadata, error)

	// Update overwrites metadata if and only if the stored version equals
	// expectedVersion, then increments the version. Returns ErrConflict when
	// the stored version has advanced, ErrNotFound when the row is absent.
	Update(ctx context.Context, meta *types.SessionMetadata, expectedVersion int64) error

	// SetStatus transitions a session's lifecycle status without touching the
	// version counter. Used to flag corrupted sessions during saga rollback
	// and to restore them after reconciliation.
	SetStatus(ctx context.Context, sessionID string, status types.SessionStatus) error

	// Delete removes the metadata row. Returns ErrNotFound if absent.
	Delete(ctx context.Context, sessionID string) error

	// List retrieves metadata rows with pagination and filtering.
	List(ctx context.Context, opts ListOptions) (*PaginatedResult[types.SessionMetadata], error)

	// Close releases any resources held by the store.
	Close() error
}

// DocumentStore holds the full serialized session document (snapshots,
// knowledge graph, raw interaction log). Contents are opaque bytes; the
// hybrid layer seals them with the security envelope before writing.
type DocumentStore interface {
	// Put stores the document for a session (upsert semantics).
	Put(ctx context.Context, sessionID string, doc []byte) error

	// Get retrieves the document for a session.
	// Returns ErrNotFound if absent.
	Get(ctx context.Context, sessionID string) ([]byte, error)

	// Delete removes the document. Deleting an absent document is not an
	// error: compensating deletes during saga rollback must be idempotent.
	Delete(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store.
	Close() error
}

// VectorIndex stores session embeddings and answers similarity queries.
// It is a derived store: entries may lag the relational record but must
// never reference a session the relational store doesn't know about.
type VectorIndex interface {
	// Upsert stores the embedding for a session, replacing any previous one.
	Upsert(ctx context.Context, sessionID string, embedding []float32) error

	// Delete removes the embedding. Idempotent, like DocumentStore.Delete.
	Delete(ctx context.Context, sessionID string) error

	// Search returns the ids of the top-k most similar sessions, ordered by
	// descending score. It does not hydrate full sessions.
	Search(ctx context.Context, query []float32, topK int) ([]SimilarityMatch, error)

	// Close releases any resources held by the index.
	Close() error
}

// SimilarityMatch is one vector search hit.
type SimilarityMatch struct {
	// SessionID is the matched session.
	SessionID string

	// Score is the similarity score, higher is more similar.
	Score float32
}

// PaginatedResult represents a paginated result set.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering options for metadata listing.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 20, max: 100).
	Limit int

	// SortBy specifies the field to sort by (e.g., "created_at", "updated_at").
	SortBy string

	// SortOrder specifies the sort direction ("asc" or "desc", default: "desc").
	SortOrder string

	// UserID filters to sessions owned by a specific user.
	// Empty string means no filter.
	UserID string

	// Status filters by lifecycle status. Empty string means no filter.
	Status types.SessionStatus

	// UpdatedAfter filters to sessions updated strictly after this time.
	// Zero value means no lower bound.
	UpdatedAfter time.Time
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	// Whitelist validation for SortBy to prevent SQL injection
	allowedSortFields := map[string]bool{
		"created_at":       true,
		"updated_at":       true,
		"session_id":       true,
		"status":           true,
		"efficiency_score": true,
	}

	if !allowedSortFields[o.SortBy] {
		o.SortBy = "updated_at"
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}

	if o.Page < 1 {
		o.Page = 1
	}

	if o.Limit < 1 {
		o.Limit = 20
	}

	if o.Limit > 100 {
		o.Limit = 100
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}
