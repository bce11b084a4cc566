package types

import (
	"fmt"
	"time"
)

// SageCategory identifies which external integration a call was made to.
// The categories are a fixed enumeration; they are labels over ordinary
// service calls and carry no special runtime behavior.
type SageCategory string

// Sage category constants
const (
	// SageKnowledge is the knowledge base service (knowledge_graph enrichment)
	SageKnowledge SageCategory = "knowledge"

	// SageTask is the task tracker (tasks synchronization)
	SageTask SageCategory = "task"

	// SageIncident is the incident/error log (error_patterns)
	SageIncident SageCategory = "incident"

	// SageRetrieval is the retrieval/embedding service (vector_embeddings)
	SageRetrieval SageCategory = "retrieval"
)

// ValidSageCategories lists all valid categories for validation.
var ValidSageCategories = []SageCategory{
	SageKnowledge,
	SageTask,
	SageIncident,
	SageRetrieval,
}

// IsValidSageCategory checks if the given category is valid.
func IsValidSageCategory(c SageCategory) bool {
	for _, valid := range ValidSageCategories {
		if c == valid {
			return true
		}
	}
	return false
}

// SageInteraction is one record of a call from a session to an external
// integration.
type SageInteraction struct {
	Category        SageCategory `json:"category"`
	ConfidenceScore float64      `json:"confidence_score"` // 0.0–1.0
	ProcessingTime  float64      `json:"processing_time"`  // Seconds, non-negative
	Success         bool         `json:"success"`
	Error           string       `json:"error,omitempty"` // Required when Success is false
	OccurredAt      time.Time    `json:"occurred_at"`
}

// Validate checks the structural invariants of a SageInteraction.
// A failed interaction must carry an error detail; a successful one must not.
func (i *SageInteraction) Validate() error {
	if !IsValidSageCategory(i.Category) {
		return fmt.Errorf("invalid sage category %q", i.Category)
	}
	if i.ConfidenceScore < 0.0 || i.ConfidenceScore > 1.0 {
		return fmt.Errorf("confidence_score %f out of range [0,1]", i.ConfidenceScore)
	}
	if i.ProcessingTime < 0 {
		return fmt.Errorf("processing_time %f is negative", i.ProcessingTime)
	}
	if i.Success && i.Error != "" {
		return fmt.Errorf("successful interaction carries error detail %q", i.Error)
	}
	if !i.Success && i.Error == "" {
		return fmt.Errorf("failed interaction is missing error detail")
	}
	return nil
}
