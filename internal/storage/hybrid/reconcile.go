package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/pkg/types"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	// Scanned is the number of corrupted sessions examined.
	Scanned int

	// Restored is the number of sessions returned to active status because
	// the derived stores turned out to be consistent with the metadata.
	Restored int

	// Removed is the number of unrecoverable sessions purged from all stores.
	Removed int

	// Failed is the number of sessions that could not be reconciled and
	// remain corrupted.
	Failed int
}

// Reconcile examines every session flagged corrupted and repairs it against
// the relational source of truth:
//
//   - metadata + document both present: the session is intact; dangling
//     vector state is rewritten from the document and the session restored.
//   - metadata present, document missing: the session content is lost; the
//     derived stores and the metadata row are purged (metadata last).
//
// Intended to run periodically or via the sessiond-reconcile job.
func (s *Store) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	// Snapshot the full corrupted set before repairing anything: reconcileOne
	// removes sessions from the status-filtered listing, so paging while
	// mutating would shift later rows past the advancing offset.
	var corrupted []types.SessionMetadata
	page := 1
	for {
		result, err := s.meta.List(ctx, storage.ListOptions{
			Status: types.SessionCorrupted,
			Page:   page,
			Limit:  100,
		})
		if err != nil {
			return report, fmt.Errorf("reconcile: failed to list corrupted sessions: %w", err)
		}
		corrupted = append(corrupted, result.Items...)
		if !result.HasMore {
			break
		}
		page++
	}

	for i := range corrupted {
		meta := &corrupted[i]
		report.Scanned++

		if err := s.reconcileOne(ctx, meta); err != nil {
			report.Failed++
			log.Printf("hybrid: reconcile of session %s failed: %v", meta.SessionID, err)
			continue
		}

		// reconcileOne either restored or removed the session.
		if _, err := s.meta.Get(ctx, meta.SessionID); errors.Is(err, storage.ErrNotFound) {
			report.Removed++
		} else {
			report.Restored++
		}
	}

	return report, nil
}

func (s *Store) reconcileOne(ctx context.Context, meta *types.SessionMetadata) error {
	doc, err := s.docs.Get(ctx, meta.SessionID)

	switch {
	case err == nil:
		// Document intact. Rebuild vector state from it, then restore.
		sc, openErr := s.openDocument(meta.SessionID, meta.KeyID, doc)
		if openErr != nil {
			return openErr
		}
		if len(sc.VectorEmbeddings) > 0 {
			if vErr := s.vecs.Upsert(ctx, meta.SessionID, sc.VectorEmbeddings); vErr != nil {
				return vErr
			}
		} else {
			if vErr := s.vecs.Delete(ctx, meta.SessionID); vErr != nil {
				return vErr
			}
		}
		return s.meta.SetStatus(ctx, meta.SessionID, types.SessionActive)

	case errors.Is(err, storage.ErrNotFound):
		// Content is gone; purge derived state then the metadata row.
		if vErr := s.vecs.Delete(ctx, meta.SessionID); vErr != nil {
			return vErr
		}
		if mErr := s.meta.Delete(ctx, meta.SessionID); mErr != nil && !errors.Is(mErr, storage.ErrNotFound) {
			return mErr
		}
		return nil

	default:
		return err
	}
}
