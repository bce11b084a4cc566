// Package session implements the orchestration layer consumed by callers: it
// composes the security layer (permission checks, auditing) with the hybrid
// store and the external integrations into the public session lifecycle API.
//
// Every operation checks permission before touching data and audits before
// returning success. Permission and validation failures are never retried;
// optimistic-concurrency conflicts are retried a bounded number of times.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/sessiond/internal/integrations"
	"github.com/scrypster/sessiond/internal/security"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/internal/storage/hybrid"
	"github.com/scrypster/sessiond/pkg/types"
)

// ErrConflictRetriesExhausted wraps storage.ErrConflict when an update loses
// the version race more times than the retry budget allows.
var ErrConflictRetriesExhausted = fmt.Errorf("%w: conflict retries exhausted", storage.ErrConflict)

// Mutator applies an in-place change to a freshly loaded session. It may be
// called multiple times if the save loses a version race, so it must be safe
// to re-apply to a fresh copy.
type Mutator func(sc *types.SessionContext) error

// Options configures a Manager.
type Options struct {
	// ConflictRetries is how many times an update is retried after losing
	// the optimistic-concurrency race before ErrConflictRetriesExhausted is
	// surfaced. Default: 3.
	ConflictRetries int

	// SearchCacheSize bounds the metadata cache used to hydrate search
	// results. Default: 512.
	SearchCacheSize int
}

// Manager is the session lifecycle orchestrator.
type Manager struct {
	store *hybrid.Store
	authz *security.Authorizer
	audit *security.AuditLogger
	embed integrations.Embedder
	sages *integrations.Registry

	searchCache     *lru.Cache[string, searchCacheEntry]
	conflictRetries int
}

type searchCacheEntry struct {
	meta     types.SessionMetadata
	cachedAt time.Time
}

// searchCacheTTL bounds how stale a cached summary may be. Search results
// show metadata only, so mild staleness is acceptable.
const searchCacheTTL = 30 * time.Second

// NewManager wires the orchestrator. The embedder and registry may be nil
// for deployments without a retrieval collaborator; embedding-dependent
// features degrade gracefully.
func NewManager(store *hybrid.Store, authz *security.Authorizer, audit *security.AuditLogger, embed integrations.Embedder, sages *integrations.Registry, opts Options) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session: hybrid store is required")
	}
	if authz == nil {
		return nil, fmt.Errorf("session: authorizer is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("session: audit logger is required")
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	if opts.SearchCacheSize <= 0 {
		opts.SearchCacheSize = 512
	}

	cache, err := lru.New[string, searchCacheEntry](opts.SearchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("session: failed to create search cache: %w", err)
	}

	return &Manager{
		store:           store,
		authz:           authz,
		audit:           audit,
		embed:           embed,
		sages:           sages,
		searchCache:     cache,
		conflictRetries: opts.ConflictRetries,
	}, nil
}

// CreateSession constructs and persists a new empty session for the given
// owner and returns its id.
func (m *Manager) CreateSession(ctx context.Context, caller security.Caller, userID, projectPath string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}

	resource := security.Resource{OwnerID: userID, ProjectPath: projectPath}
	if err := m.checkPermission(ctx, caller, security.OpCreate, resource); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	sc := &types.SessionContext{
		SessionID:   uuid.NewString(),
		UserID:      userID,
		ProjectPath: projectPath,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      types.SessionActive,
	}

	if _, err := m.store.StoreSession(ctx, sc); err != nil {
		return "", err
	}

	if err := m.recordAudit(ctx, security.AuditSessionCreated, caller, sc.SessionID, map[string]any{
		"user_id":      userID,
		"project_path": projectPath,
	}); err != nil {
		return "", err
	}

	m.broadcast(ctx, "session.created", sc.SessionID, nil)
	return sc.SessionID, nil
}

// LoadSession reads a session. The returned metadata carries the version the
// caller must present on a subsequent update.
func (m *Manager) LoadSession(ctx context.Context, caller security.Caller, sessionID string) (*types.SessionContext, *types.SessionMetadata, error) {
	sc, meta, err := m.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	resource := security.Resource{SessionID: sessionID, OwnerID: meta.UserID, ProjectPath: meta.ProjectPath}
	if err := m.checkPermission(ctx, caller, security.OpRead, resource); err != nil {
		return nil, nil, err
	}

	if err := m.recordAudit(ctx, security.AuditSessionAccessed, caller, sessionID, nil); err != nil {
		return nil, nil, err
	}

	return sc, meta, nil
}

// UpdateSession loads the session, applies the mutator, and re-saves under
// optimistic concurrency. A lost version race reloads and re-applies the
// mutator, up to the configured retry budget.
func (m *Manager) UpdateSession(ctx context.Context, caller security.Caller, sessionID string, mutate Mutator) (*types.SessionContext, error) {
	sc, err := m.mutateAndSave(ctx, caller, sessionID, security.OpUpdate, mutate)
	if err != nil {
		return nil, err
	}

	if err := m.recordAudit(ctx, security.AuditSessionUpdated, caller, sessionID, nil); err != nil {
		return nil, err
	}

	m.broadcast(ctx, "session.updated", sessionID, nil)
	return sc, nil
}

// DeleteSession removes a session from all stores.
func (m *Manager) DeleteSession(ctx context.Context, caller security.Caller, sessionID string) error {
	meta, err := m.store.GetMetadata(ctx, sessionID)
	if err != nil {
		return err
	}

	resource := security.Resource{SessionID: sessionID, OwnerID: meta.UserID, ProjectPath: meta.ProjectPath}
	if err := m.checkPermission(ctx, caller, security.OpDelete, resource); err != nil {
		return err
	}

	if _, err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	m.searchCache.Remove(sessionID)

	if err := m.recordAudit(ctx, security.AuditSessionDeleted, caller, sessionID, nil); err != nil {
		return err
	}

	m.broadcast(ctx, "session.deleted", sessionID, nil)
	return nil
}

// ListSessions pages through session metadata the caller may see. Non-admin,
// non-operator callers are forced onto their own sessions.
func (m *Manager) ListSessions(ctx context.Context, caller security.Caller, opts storage.ListOptions) (*storage.PaginatedResult[types.SessionMetadata], error) {
	if err := m.checkPermission(ctx, caller, security.OpRead, security.Resource{OwnerID: caller.UserID}); err != nil {
		return nil, err
	}

	if caller.Role != security.RoleAdmin && caller.Role != security.RoleOperator {
		opts.UserID = caller.UserID
	}

	return m.store.ListMetadata(ctx, opts)
}

// mutateAndSave is the shared load/permission/mutate/CAS-save loop behind
// UpdateSession and CompressSession.
func (m *Manager) mutateAndSave(ctx context.Context, caller security.Caller, sessionID string, op security.Operation, mutate Mutator) (*types.SessionContext, error) {
	var lastErr error

	for attempt := 0; attempt <= m.conflictRetries; attempt++ {
		sc, meta, err := m.store.LoadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		resource := security.Resource{SessionID: sessionID, OwnerID: meta.UserID, ProjectPath: meta.ProjectPath}
		if err := m.checkPermission(ctx, caller, op, resource); err != nil {
			return nil, err
		}

		if err := mutate(sc); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		if sc.SessionID != sessionID {
			return nil, fmt.Errorf("%w: session_id is immutable", storage.ErrInvalidInput)
		}
		sc.Touch()

		newMeta, err := m.store.UpdateSession(ctx, sc, meta.Version)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				lastErr = err
				log.Printf("manager: session %s update lost version race (attempt %d/%d)",
					sessionID, attempt+1, m.conflictRetries+1)
				continue
			}
			return nil, err
		}

		m.searchCache.Add(sessionID, searchCacheEntry{meta: *newMeta, cachedAt: time.Now()})
		return sc, nil
	}

	return nil, fmt.Errorf("%w for session %s: %v", ErrConflictRetriesExhausted, sessionID, lastErr)
}

// checkPermission evaluates the policy and audits denials. Denials are
// security-relevant events and are always recorded, even though the
// triggering operation fails.
func (m *Manager) checkPermission(ctx context.Context, caller security.Caller, op security.Operation, resource security.Resource) error {
	err := m.authz.CheckPermission(caller, op, resource)
	if err == nil {
		return nil
	}

	if aerr := m.audit.Record(ctx, security.AuditPermissionDenied, caller.UserID, resource.SessionID, map[string]any{
		"operation": string(op),
		"role":      string(caller.Role),
		"reason":    err.Error(),
	}); aerr != nil {
		log.Printf("manager: failed to audit permission denial: %v", aerr)
	}

	return err
}

// recordAudit appends the operation's audit record. Audit writes
// happen-before success is reported: a failed append fails the operation.
func (m *Manager) recordAudit(ctx context.Context, eventType string, caller security.Caller, sessionID string, details map[string]any) error {
	if err := m.audit.Record(ctx, eventType, caller.UserID, sessionID, details); err != nil {
		return fmt.Errorf("operation succeeded but could not be audited: %w", err)
	}
	return nil
}

// broadcast pushes a lifecycle event to the registered collaborators.
// Best-effort by contract.
func (m *Manager) broadcast(ctx context.Context, eventType, sessionID string, payload map[string]any) {
	if m.sages == nil {
		return
	}
	m.sages.Broadcast(ctx, integrations.Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
	})
}
