// Package integrations connects sessiond to its external collaborators: the
// knowledge base, task tracker, incident log, and retrieval/embedding
// service. Each collaborator is an injected interface with a narrow
// notify/query contract; the labels carry no special runtime behavior.
//
// Collaborator failures never corrupt session persistence: notifications are
// best-effort, logged on failure, and guarded by a circuit breaker so a down
// collaborator cannot slow the primary save path.
package integrations

import (
	"context"
	"time"

	"github.com/scrypster/sessiond/pkg/types"
)

// Event is a one-way notification pushed to a collaborator.
type Event struct {
	// Type names the event, e.g. "session.saved".
	Type string `json:"type"`

	// SessionID is the session the event concerns.
	SessionID string `json:"session_id"`

	// Payload carries event-specific data.
	Payload map[string]any `json:"payload,omitempty"`
}

// QueryRequest asks a collaborator for data.
type QueryRequest struct {
	// Kind names the query, e.g. "embed", "related_facts".
	Kind string `json:"kind"`

	// Params carries query-specific parameters.
	Params map[string]any `json:"params,omitempty"`
}

// QueryResponse is a collaborator's answer.
type QueryResponse struct {
	// Data carries the result payload.
	Data map[string]any `json:"data,omitempty"`

	// Confidence is the collaborator's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Sage is one external integration.
type Sage interface {
	// Category identifies the integration.
	Category() types.SageCategory

	// Notify pushes an event. Best-effort; errors are recorded but never
	// block the caller's primary path.
	Notify(ctx context.Context, event Event) error

	// Query requests data from the collaborator.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)
}

// Observe wraps a sage call's outcome into a SageInteraction record for the
// session's telemetry. elapsed is the wall time of the call.
func Observe(category types.SageCategory, confidence float64, elapsed time.Duration, err error) types.SageInteraction {
	in := types.SageInteraction{
		Category:        category,
		ConfidenceScore: confidence,
		ProcessingTime:  elapsed.Seconds(),
		Success:         err == nil,
		OccurredAt:      time.Now().UTC(),
	}
	if err != nil {
		in.Error = err.Error()
		in.ConfidenceScore = 0
	}
	return in
}
