package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ContextSnapshot is an immutable point-in-time capture of a session's state,
// produced by the compression pipeline. Snapshots are append-only: a session
// accumulates snapshots over its lifetime and never deletes old ones except
// via explicit retention policy.
type ContextSnapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`

	// Compression content
	Summary     string   `json:"summary"`
	KeyInsights []string `json:"key_insights,omitempty"`

	// Size statistics
	OriginalBytes   int `json:"original_bytes"`
	CompressedBytes int `json:"compressed_bytes"`

	// CompressionRatio is the fraction of original size retained, in (0, 1].
	CompressionRatio float64 `json:"compression_ratio"`

	// SimilarityHash is a content-derived hash enabling fast duplicate and
	// near-duplicate detection across snapshots.
	SimilarityHash string `json:"similarity_hash"`
}

// Validate checks the structural invariants of a ContextSnapshot.
func (s *ContextSnapshot) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if s.SessionID == "" {
		return fmt.Errorf("snapshot session_id is required")
	}
	if s.CompressionRatio <= 0 || s.CompressionRatio > 1.0 {
		return fmt.Errorf("compression_ratio %f out of range (0,1]", s.CompressionRatio)
	}
	return nil
}

// SimilarityHash computes the content hash used for snapshot duplicate
// detection. Whitespace is normalized first so that formatting-only changes
// hash identically.
func SimilarityHash(summary string, insights []string) string {
	norm := strings.Join(strings.Fields(summary), " ")
	h := sha256.New()
	h.Write([]byte(norm))
	for _, in := range insights {
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(strings.Fields(in), " ")))
	}
	return hex.EncodeToString(h.Sum(nil))
}
