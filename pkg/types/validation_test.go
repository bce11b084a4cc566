package types

import (
	"strings"
	"testing"
	"time"
)

func validInteraction() SageInteraction {
	return SageInteraction{
		Category:        SageKnowledge,
		ConfidenceScore: 0.9,
		ProcessingTime:  0.12,
		Success:         true,
		OccurredAt:      time.Now().UTC(),
	}
}

func TestSageInteractionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SageInteraction)
		wantErr string
	}{
		{
			name:   "valid success",
			mutate: func(i *SageInteraction) {},
		},
		{
			name: "valid failure with error",
			mutate: func(i *SageInteraction) {
				i.Success = false
				i.Error = "upstream timeout"
			},
		},
		{
			name: "invalid category",
			mutate: func(i *SageInteraction) {
				i.Category = "oracle"
			},
			wantErr: "invalid sage category",
		},
		{
			name: "confidence above range",
			mutate: func(i *SageInteraction) {
				i.ConfidenceScore = 1.5
			},
			wantErr: "out of range",
		},
		{
			name: "negative processing time",
			mutate: func(i *SageInteraction) {
				i.ProcessingTime = -0.5
			},
			wantErr: "negative",
		},
		{
			name: "success with error detail",
			mutate: func(i *SageInteraction) {
				i.Error = "should not be here"
			},
			wantErr: "carries error detail",
		},
		{
			name: "failure without error detail",
			mutate: func(i *SageInteraction) {
				i.Success = false
			},
			wantErr: "missing error detail",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInteraction()
			tt.mutate(&in)
			err := in.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSessionContextValidate(t *testing.T) {
	now := time.Now().UTC()

	base := func() SessionContext {
		return SessionContext{
			SessionID:   "sess-1",
			UserID:      "u1",
			ProjectPath: "/proj",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	t.Run("valid minimal", func(t *testing.T) {
		s := base()
		if err := s.Validate(); err != nil {
			t.Fatalf("Validate() = %v, want nil", err)
		}
	})

	t.Run("updated before created", func(t *testing.T) {
		s := base()
		s.UpdatedAt = now.Add(-time.Hour)
		if err := s.Validate(); err == nil {
			t.Fatal("Validate() = nil, want error for updated_at < created_at")
		}
	})

	t.Run("embedding without summary", func(t *testing.T) {
		s := base()
		s.VectorEmbeddings = []float32{0.1, 0.2}
		if err := s.Validate(); err == nil {
			t.Fatal("Validate() = nil, want error for embedding without summary")
		}
		s.Summary = "a short synopsis"
		if err := s.Validate(); err != nil {
			t.Fatalf("Validate() = %v, want nil once summary present", err)
		}
	})

	t.Run("invalid interaction propagates", func(t *testing.T) {
		s := base()
		s.Interactions = append(s.Interactions, SageInteraction{Category: "bogus"})
		if err := s.Validate(); err == nil {
			t.Fatal("Validate() = nil, want error for invalid interaction")
		}
	})
}

func TestSnapshotValidateRatioBounds(t *testing.T) {
	snap := ContextSnapshot{
		ID:               "snap-1",
		SessionID:        "sess-1",
		CreatedAt:        time.Now().UTC(),
		Summary:          "compressed",
		CompressionRatio: 0.4,
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	for _, ratio := range []float64{0, -0.1, 1.01} {
		snap.CompressionRatio = ratio
		if err := snap.Validate(); err == nil {
			t.Errorf("Validate() with ratio %f = nil, want error", ratio)
		}
	}

	// Exactly 1.0 is allowed: compressing already-minimal content keeps size.
	snap.CompressionRatio = 1.0
	if err := snap.Validate(); err != nil {
		t.Fatalf("Validate() with ratio 1.0 = %v, want nil", err)
	}
}

func TestSimilarityHashNormalizesWhitespace(t *testing.T) {
	a := SimilarityHash("the  quick\nbrown fox", []string{"insight  one"})
	b := SimilarityHash("the quick brown fox", []string{"insight one"})
	if a != b {
		t.Errorf("hashes differ for whitespace-only variation: %s vs %s", a, b)
	}

	c := SimilarityHash("the quick brown dog", []string{"insight one"})
	if a == c {
		t.Error("hashes match for different content")
	}
}

func TestInteractionCounts(t *testing.T) {
	s := SessionContext{SessionID: "sess-1", UserID: "u1"}
	s.Interactions = []SageInteraction{
		{Category: SageKnowledge, Success: true},
		{Category: SageKnowledge, Success: true},
		{Category: SageRetrieval, Success: false, Error: "timeout"},
	}

	counts := s.InteractionCounts()
	if counts[SageKnowledge] != 2 {
		t.Errorf("knowledge count: got %d, want 2", counts[SageKnowledge])
	}
	if counts[SageRetrieval] != 1 {
		t.Errorf("retrieval count: got %d, want 1", counts[SageRetrieval])
	}
	if counts[SageTask] != 0 {
		t.Errorf("task count: got %d, want 0", counts[SageTask])
	}
}

func TestTouchPreservesOrdering(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	s := SessionContext{SessionID: "sess-1", UserID: "u1", CreatedAt: future}
	s.Touch()
	if s.UpdatedAt.Before(s.CreatedAt) {
		t.Errorf("Touch() produced updated_at %v before created_at %v", s.UpdatedAt, s.CreatedAt)
	}
}
