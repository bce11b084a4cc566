package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Audit event types.
const (
	AuditSessionCreated    = "session.created"
	AuditSessionAccessed   = "session.accessed"
	AuditSessionUpdated    = "session.updated"
	AuditSessionDeleted    = "session.deleted"
	AuditSessionCompressed = "session.compressed"
	AuditSessionMerged     = "session.merged"
	AuditSessionSearched   = "session.searched"
	AuditPermissionDenied  = "security.permission_denied"
	AuditDecryptionFailed  = "security.decryption_failed"
	AuditKeyRotated        = "security.key_rotated"
	AuditReconcileRun      = "maintenance.reconcile"
)

// genesisHash anchors the integrity chain for the first record.
const genesisHash = "sessiond-audit-genesis"

// AuditRecord is one entry in the append-only audit trail. Integrity covers
// the record's own fields plus the previous record's integrity hash, so
// altering any historical record invalidates every record after it.
type AuditRecord struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Integrity string         `json:"integrity"`
	PrevHash  string         `json:"prev_hash"`
}

// AuditStore persists audit records. Implementations must be append-only:
// no update or delete surface exists.
type AuditStore interface {
	// Append writes one record.
	Append(ctx context.Context, rec *AuditRecord) error

	// Last returns the most recent record, or nil when the log is empty.
	Last(ctx context.Context) (*AuditRecord, error)

	// Walk visits every record in append order. The callback returning an
	// error stops the walk and propagates the error.
	Walk(ctx context.Context, fn func(rec *AuditRecord) error) error
}

// AuditLogger appends tamper-evident records to an AuditStore. Writes are
// serialized so the integrity chain is never forked; Record does not return
// until the entry is durably appended, guaranteeing no unaudited successful
// privileged operation exists.
type AuditLogger struct {
	mu       sync.Mutex
	store    AuditStore
	lastHash string
}

// NewAuditLogger creates a logger, resuming the integrity chain from the
// store's most recent record.
func NewAuditLogger(ctx context.Context, store AuditStore) (*AuditLogger, error) {
	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit head: %w", err)
	}

	lastHash := genesisHash
	if last != nil {
		lastHash = last.Integrity
	}

	return &AuditLogger{store: store, lastHash: lastHash}, nil
}

// Record appends one audit entry. Audit writes are not cancellable once
// started; a failed append is returned to the caller so the triggering
// operation can refuse to report success.
func (l *AuditLogger) Record(ctx context.Context, eventType, actor, resource string, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := &AuditRecord{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Actor:     actor,
		Resource:  resource,
		Details:   details,
		CreatedAt: time.Now().UTC(),
		PrevHash:  l.lastHash,
	}
	rec.Integrity = integrityHash(rec)

	if err := l.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit append failed: %w", err)
	}

	l.lastHash = rec.Integrity
	return nil
}

// Verify walks the full log and checks the integrity chain. Returns
// ErrAuditChainBroken (wrapped with the offending event id) on the first
// record whose hash does not verify.
func (l *AuditLogger) Verify(ctx context.Context) error {
	prev := genesisHash
	return l.store.Walk(ctx, func(rec *AuditRecord) error {
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: record %s chains to %q, want %q",
				ErrAuditChainBroken, rec.EventID, rec.PrevHash, prev)
		}
		if integrityHash(rec) != rec.Integrity {
			return fmt.Errorf("%w: record %s content hash mismatch",
				ErrAuditChainBroken, rec.EventID)
		}
		prev = rec.Integrity
		return nil
	})
}

// integrityHash computes the content hash of a record, covering everything
// except the Integrity field itself.
func integrityHash(rec *AuditRecord) string {
	detailsJSON, _ := json.Marshal(rec.Details)

	h := sha256.New()
	h.Write([]byte(rec.EventID))
	h.Write([]byte{0})
	h.Write([]byte(rec.EventType))
	h.Write([]byte{0})
	h.Write([]byte(rec.Actor))
	h.Write([]byte{0})
	h.Write([]byte(rec.Resource))
	h.Write([]byte{0})
	h.Write(detailsJSON)
	h.Write([]byte{0})
	h.Write([]byte(rec.CreatedAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(rec.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}
