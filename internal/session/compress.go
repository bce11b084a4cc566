package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/pkg/types"
)

// Compression pipeline tuning.
const (
	// summaryBudget is the character budget the summarize stage compacts the
	// session summary into.
	summaryBudget = 1500

	// maxKeyInsights caps the insight list; oldest entries are dropped first.
	maxKeyInsights = 20

	// codeCollapseThreshold is the number of lines above which a fenced code
	// block in the summary is collapsed to a stub.
	codeCollapseThreshold = 4
)

// CompressSession runs the staged compression pipeline over a session and
// appends the resulting snapshot. Stages, in order: drop redundant entries,
// summarize conversational content, extract key decisions, collapse embedded
// code fragments. The snapshot records how much was shed; the session's
// summary and insights are replaced by the compressed forms.
func (m *Manager) CompressSession(ctx context.Context, caller security.Caller, sessionID string) (*types.ContextSnapshot, error) {
	var snapshot *types.ContextSnapshot

	_, err := m.mutateAndSave(ctx, caller, sessionID, security.OpCompress, func(sc *types.SessionContext) error {
		snap, err := compress(sc)
		if err != nil {
			return err
		}
		snapshot = snap
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.recordAudit(ctx, security.AuditSessionCompressed, caller, sessionID, map[string]any{
		"snapshot_id":       snapshot.ID,
		"compression_ratio": snapshot.CompressionRatio,
	}); err != nil {
		return nil, err
	}

	m.broadcast(ctx, "session.compressed", sessionID, map[string]any{
		"snapshot_id": snapshot.ID,
	})
	return snapshot, nil
}

// compress mutates sc in place and returns the appended snapshot.
func compress(sc *types.SessionContext) (*types.ContextSnapshot, error) {
	originalBytes := contentSize(sc)

	dedupeEntries(sc)
	sc.Summary = summarize(sc.Summary)
	sc.KeyInsights = extractKeyDecisions(sc)
	sc.Summary = collapseCodeFragments(sc.Summary)

	compressedBytes := contentSize(sc)

	// Ratio is the fraction of content retained. A session with nothing to
	// shed compresses to itself; the ratio caps at 1 so re-compression of an
	// already-compact session stays valid.
	ratio := 1.0
	if originalBytes > 0 {
		ratio = float64(compressedBytes) / float64(originalBytes)
		if ratio > 1 {
			ratio = 1
		}
		if ratio <= 0 {
			ratio = 1.0 / float64(originalBytes)
		}
	}

	snap := types.ContextSnapshot{
		ID:               uuid.NewString(),
		SessionID:        sc.SessionID,
		CreatedAt:        time.Now().UTC(),
		Summary:          sc.Summary,
		KeyInsights:      append([]string(nil), sc.KeyInsights...),
		OriginalBytes:    originalBytes,
		CompressedBytes:  compressedBytes,
		CompressionRatio: ratio,
		SimilarityHash:   types.SimilarityHash(sc.Summary, sc.KeyInsights),
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("compression produced invalid snapshot: %w", err)
	}

	sc.Snapshots = append(sc.Snapshots, snap)

	if len(sc.VectorEmbeddings) > 0 && sc.Summary == "" {
		// The summary is what the embedding was derived from; losing it
		// would violate the embedding invariant.
		sc.VectorEmbeddings = nil
	}

	return &snap, nil
}

// contentSize measures the compressible content of a session: the summary,
// insights, and accumulated structured state. Snapshots are excluded so that
// prior compressions don't inflate the baseline.
func contentSize(sc *types.SessionContext) int {
	size := len(sc.Summary)
	for _, in := range sc.KeyInsights {
		size += len(in)
	}
	for _, payload := range []any{sc.Tasks, sc.KnowledgeGraph, sc.ErrorPatterns, sc.SuccessPatterns, sc.Interactions} {
		if b, err := json.Marshal(payload); err == nil {
			size += len(b)
		}
	}
	return size
}

// dedupeEntries removes exact-duplicate tasks, pattern records, and insights,
// keeping first occurrences so chronological order is preserved.
func dedupeEntries(sc *types.SessionContext) {
	if len(sc.Tasks) > 1 {
		seen := make(map[string]bool, len(sc.Tasks))
		kept := sc.Tasks[:0]
		for _, task := range sc.Tasks {
			key, err := json.Marshal(task)
			if err != nil || !seen[string(key)] {
				seen[string(key)] = true
				kept = append(kept, task)
			}
		}
		sc.Tasks = kept
	}

	sc.ErrorPatterns = dedupePatterns(sc.ErrorPatterns)
	sc.SuccessPatterns = dedupePatterns(sc.SuccessPatterns)
	sc.KeyInsights = dedupeStrings(sc.KeyInsights)
}

func dedupePatterns(patterns []types.PatternRecord) []types.PatternRecord {
	if len(patterns) < 2 {
		return patterns
	}
	seen := make(map[string]bool, len(patterns))
	kept := patterns[:0]
	for _, p := range patterns {
		key := p.Kind + "\x00" + p.Detail
		if !seen[key] {
			seen[key] = true
			kept = append(kept, p)
		}
	}
	return kept
}

func dedupeStrings(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]bool, len(values))
	kept := values[:0]
	for _, v := range values {
		norm := strings.Join(strings.Fields(v), " ")
		if norm == "" {
			continue
		}
		if !seen[norm] {
			seen[norm] = true
			kept = append(kept, v)
		}
	}
	return kept
}

// summarize compacts a free-text summary into the character budget, cutting
// at sentence boundaries. The earliest sentences carry the session framing
// and are kept; trailing detail is shed.
func summarize(summary string) string {
	summary = strings.TrimSpace(summary)
	if len(summary) <= summaryBudget {
		return summary
	}

	var b strings.Builder
	for _, sentence := range splitSentences(summary) {
		if b.Len()+len(sentence)+1 > summaryBudget {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(sentence)
	}

	if b.Len() == 0 {
		// Single oversized sentence; hard-cut it.
		return summary[:summaryBudget]
	}
	return b.String()
}

// splitSentences is a light sentence splitter, good enough for budget cuts.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?', '\n':
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// decisionMarkers flag sentences that record a decision or conclusion worth
// keeping as a standalone insight.
var decisionMarkers = []string{
	"decided", "decision", "chose", "agreed", "will use", "switched to",
	"root cause", "fixed by", "resolved by", "conclusion",
}

// extractKeyDecisions pulls decision-bearing sentences out of the summary and
// pattern records and merges them into the insight list, newest last, capped.
func extractKeyDecisions(sc *types.SessionContext) []string {
	insights := append([]string(nil), sc.KeyInsights...)

	for _, sentence := range splitSentences(sc.Summary) {
		lower := strings.ToLower(sentence)
		for _, marker := range decisionMarkers {
			if strings.Contains(lower, marker) {
				insights = append(insights, sentence)
				break
			}
		}
	}
	for _, p := range sc.SuccessPatterns {
		if p.Detail != "" {
			insights = append(insights, p.Kind+": "+p.Detail)
		}
	}

	insights = dedupeStrings(insights)
	if len(insights) > maxKeyInsights {
		insights = insights[len(insights)-maxKeyInsights:]
	}
	return insights
}

// collapseCodeFragments replaces long fenced code blocks in the summary with
// a one-line stub noting how much was elided.
func collapseCodeFragments(summary string) string {
	if !strings.Contains(summary, "```") {
		return summary
	}

	var b strings.Builder
	rest := summary
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closeRel := strings.Index(rest[open+3:], "```")
		if closeRel < 0 {
			b.WriteString(rest)
			break
		}
		end := open + 3 + closeRel + 3

		block := rest[open:end]
		lines := strings.Count(block, "\n")
		b.WriteString(rest[:open])
		if lines > codeCollapseThreshold {
			b.WriteString(fmt.Sprintf("```(code elided, %d lines)```", lines))
			log.Printf("manager: collapsed %d-line code fragment during compression", lines)
		} else {
			b.WriteString(block)
		}
		rest = rest[end:]
	}
	return b.String()
}
