// Package types defines the core data structures for the sessiond system.
// These types represent session contexts, snapshots, sage interactions, and
// their metadata as persisted by the hybrid storage layer.
package types

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

// Session status constants
const (
	// SessionActive indicates the session is live and accepts updates
	SessionActive SessionStatus = "active"

	// SessionArchived indicates the session has ended and is read-only
	SessionArchived SessionStatus = "archived"

	// SessionCorrupted indicates a partial multi-store failure was detected;
	// the session is unavailable for normal operations until reconciled
	SessionCorrupted SessionStatus = "corrupted"
)

// Priority levels for session metadata.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// SessionContext is the aggregate root for one continuous user/assistant
// working session. It is the unit of persistence for HybridStorage: metadata
// and structured fields go to the relational store, the full document to the
// document store, and the embedding (when present) to the vector index.
type SessionContext struct {
	// Core identification fields
	SessionID   string    `json:"session_id"`   // Unique identifier, generated at creation, immutable
	UserID      string    `json:"user_id"`      // Owning user
	ProjectPath string    `json:"project_path"` // Working directory/project
	CreatedAt   time.Time `json:"created_at"`   // When the session was created
	UpdatedAt   time.Time `json:"updated_at"`   // Bumped on every mutation

	// Lifecycle and triage fields, denormalized into SessionMetadata
	Status          SessionStatus `json:"status,omitempty"`           // Defaults to active when unset
	Priority        string        `json:"priority,omitempty"`         // One of the Priority* constants, optional
	EfficiencyScore float64       `json:"efficiency_score,omitempty"` // Caller-maintained 0.0-1.0 productivity signal

	// Accumulated session state
	Tasks           []map[string]any  `json:"tasks,omitempty"`            // Ordered task records (opaque structured maps)
	KnowledgeGraph  map[string]any    `json:"knowledge_graph,omitempty"`  // Learned facts/associations
	ErrorPatterns   []PatternRecord   `json:"error_patterns,omitempty"`   // Failure outcomes for pattern mining
	SuccessPatterns []PatternRecord   `json:"success_patterns,omitempty"` // Success outcomes for pattern mining
	Interactions    []SageInteraction `json:"sage_interactions,omitempty"`

	// Derived/compressed content
	Summary          string             `json:"summary,omitempty"`      // Compressed textual synopsis
	KeyInsights      []string           `json:"key_insights,omitempty"` // Short extracted statements
	Metrics          map[string]float64 `json:"performance_metrics,omitempty"`
	VectorEmbeddings []float32          `json:"vector_embeddings,omitempty"` // Semantic vector, derived from summary

	// Snapshot history, append-only
	Snapshots []ContextSnapshot `json:"snapshots,omitempty"`

	// Extensions holds genuinely free-form data that callers attach to a
	// session. Keys consumed by sessiond itself live in typed fields above.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Validate checks the structural invariants of a SessionContext.
func (s *SessionContext) Validate() error {
	if s.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if s.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if !s.CreatedAt.IsZero() && !s.UpdatedAt.IsZero() && s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("updated_at %v precedes created_at %v", s.UpdatedAt, s.CreatedAt)
	}
	switch s.Status {
	case "", SessionActive, SessionArchived, SessionCorrupted:
	default:
		return fmt.Errorf("invalid status %q", s.Status)
	}
	switch s.Priority {
	case "", PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("invalid priority %q", s.Priority)
	}
	if s.EfficiencyScore < 0.0 || s.EfficiencyScore > 1.0 {
		return fmt.Errorf("efficiency_score %f out of range [0,1]", s.EfficiencyScore)
	}
	// Embeddings are derived from the summary; an embedding without a summary
	// is meaningless and indicates a pipeline bug.
	if len(s.VectorEmbeddings) > 0 && s.Summary == "" {
		return fmt.Errorf("vector_embeddings present without summary")
	}
	for i := range s.Interactions {
		if err := s.Interactions[i].Validate(); err != nil {
			return fmt.Errorf("sage_interactions[%d]: %w", i, err)
		}
	}
	for i := range s.Snapshots {
		if err := s.Snapshots[i].Validate(); err != nil {
			return fmt.Errorf("snapshots[%d]: %w", i, err)
		}
	}
	return nil
}

// Touch bumps UpdatedAt to now, preserving the updated_at >= created_at
// invariant even under clock skew.
func (s *SessionContext) Touch() {
	now := time.Now().UTC()
	if now.Before(s.CreatedAt) {
		now = s.CreatedAt
	}
	s.UpdatedAt = now
}

// InteractionCounts returns per-category call counts across the recorded
// sage interactions. Telemetry only; carries no business logic.
func (s *SessionContext) InteractionCounts() map[SageCategory]int {
	counts := make(map[SageCategory]int, 4)
	for i := range s.Interactions {
		counts[s.Interactions[i].Category]++
	}
	return counts
}

// Metadata derives the denormalized SessionMetadata view of this session.
// The Version field is owned by the relational store and is not set here.
func (s *SessionContext) Metadata() SessionMetadata {
	status := s.Status
	if status == "" {
		status = SessionActive
	}
	return SessionMetadata{
		SessionID:       s.SessionID,
		UserID:          s.UserID,
		ProjectPath:     s.ProjectPath,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		Status:          status,
		Priority:        s.Priority,
		EfficiencyScore: s.EfficiencyScore,
		Summary:         s.Summary,
		SnapshotCount:   len(s.Snapshots),
		HasEmbedding:    len(s.VectorEmbeddings) > 0,
	}
}

// PatternRecord captures one structured outcome (error or success) observed
// during a session, kept for later pattern mining.
type PatternRecord struct {
	Kind       string         `json:"kind"`              // Short classifier, e.g. "build_failure"
	Detail     string         `json:"detail,omitempty"`  // Human-readable description
	Context    map[string]any `json:"context,omitempty"` // Structured context at time of capture
	OccurredAt time.Time      `json:"occurred_at"`
}

// SessionMetadata is the denormalized, fast-access subset of a SessionContext
// kept in the relational store. It supports querying on status, priority, and
// efficiency without deserializing the full document, and carries the version
// counter used for optimistic concurrency.
type SessionMetadata struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	ProjectPath string    `json:"project_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Version is incremented on every successful update. Writers must present
	// the version from their last read; a mismatch is a conflict.
	Version int64 `json:"version"`

	Status          SessionStatus `json:"status"`
	Priority        string        `json:"priority,omitempty"`
	EfficiencyScore float64       `json:"efficiency_score"`
	Summary         string        `json:"summary,omitempty"`
	SnapshotCount   int           `json:"snapshot_count"`
	HasEmbedding    bool          `json:"has_embedding"`

	// KeyID identifies the encryption key version the stored document was
	// sealed with, so decryption can locate the correct key without guessing.
	KeyID string `json:"key_id,omitempty"`
}
