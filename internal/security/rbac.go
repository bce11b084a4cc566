package security

import (
	"fmt"
	"sync"
)

// Role identifies a position in the access hierarchy, ordered from broadest
// to narrowest: admin, operator, user, readonly.
type Role string

// Role constants
const (
	// RoleAdmin has near-universal access, subject to mandatory auditing
	RoleAdmin Role = "admin"

	// RoleOperator can read and maintain any session but not delete or
	// manage keys
	RoleOperator Role = "operator"

	// RoleUser has full access to sessions they own
	RoleUser Role = "user"

	// RoleReadonly can only read and search sessions they own
	RoleReadonly Role = "readonly"
)

// Operation names a privileged action checked against the role policy.
type Operation string

// Operation constants
const (
	OpCreate    Operation = "session.create"
	OpRead      Operation = "session.read"
	OpUpdate    Operation = "session.update"
	OpDelete    Operation = "session.delete"
	OpCompress  Operation = "session.compress"
	OpMerge     Operation = "session.merge"
	OpSearch    Operation = "session.search"
	OpReconcile Operation = "session.reconcile"
	OpRotateKey Operation = "security.rotate_key"
)

// Restriction names a predicate that must pass even when the base permission
// is granted.
type Restriction string

// Restriction constants
const (
	// RestrictOwnerOnly limits the operation to resources the caller owns.
	RestrictOwnerOnly Restriction = "owner_only"

	// RestrictRequiresAudit requires the operation to be audited before its
	// result is returned. All operations are audited in practice; the
	// restriction makes it a hard precondition for broad roles.
	RestrictRequiresAudit Restriction = "requires_audit"

	// RestrictProjectScoped limits the operation to resources under the
	// caller's declared project scope.
	RestrictProjectScoped Restriction = "project_scoped"
)

// Caller describes the identity on whose behalf an operation runs.
type Caller struct {
	// UserID is the caller's identity.
	UserID string

	// Role is the caller's position in the hierarchy.
	Role Role

	// ProjectScope optionally limits the caller to one project path prefix.
	// Empty means unscoped.
	ProjectScope string
}

// Resource describes the object an operation targets. A zero Resource is
// used for operations that don't target a specific session (create, search).
type Resource struct {
	// SessionID is the targeted session, if any.
	SessionID string

	// OwnerID is the user owning the targeted session.
	OwnerID string

	// ProjectPath is the project the targeted session belongs to.
	ProjectPath string
}

// RolePolicy is one role's permission set and restriction list.
type RolePolicy struct {
	Permissions  []Operation   `yaml:"permissions"`
	Restrictions []Restriction `yaml:"restrictions"`
}

// Policy maps roles to their permissions. Denial is the default: a
// permission is granted only if explicitly present and all restrictions pass.
type Policy struct {
	Roles map[Role]RolePolicy `yaml:"roles"`
}

// DefaultPolicy returns the built-in role hierarchy.
func DefaultPolicy() *Policy {
	return &Policy{
		Roles: map[Role]RolePolicy{
			RoleAdmin: {
				Permissions: []Operation{
					OpCreate, OpRead, OpUpdate, OpDelete,
					OpCompress, OpMerge, OpSearch, OpReconcile, OpRotateKey,
				},
				Restrictions: []Restriction{RestrictRequiresAudit},
			},
			RoleOperator: {
				Permissions: []Operation{
					OpRead, OpUpdate, OpCompress, OpMerge, OpSearch, OpReconcile,
				},
				Restrictions: []Restriction{RestrictRequiresAudit},
			},
			RoleUser: {
				Permissions: []Operation{
					OpCreate, OpRead, OpUpdate, OpCompress, OpMerge, OpSearch,
				},
				Restrictions: []Restriction{RestrictOwnerOnly, RestrictProjectScoped},
			},
			RoleReadonly: {
				Permissions:  []Operation{OpRead, OpSearch},
				Restrictions: []Restriction{RestrictOwnerOnly, RestrictProjectScoped},
			},
		},
	}
}

// Validate checks that a policy references only known restrictions.
func (p *Policy) Validate() error {
	known := map[Restriction]bool{
		RestrictOwnerOnly:     true,
		RestrictRequiresAudit: true,
		RestrictProjectScoped: true,
	}
	for role, rp := range p.Roles {
		for _, r := range rp.Restrictions {
			if !known[r] {
				return fmt.Errorf("role %q references unknown restriction %q", role, r)
			}
		}
	}
	return nil
}

// Authorizer evaluates callers against the active policy. The policy can be
// swapped atomically at runtime (see PolicyWatcher).
type Authorizer struct {
	mu     sync.RWMutex
	policy *Policy

	// auditing reports whether the audit pipeline is live. The
	// requires_audit restriction fails closed when it is not.
	auditing bool
}

// NewAuthorizer creates an authorizer over the given policy. The auditing
// flag should be true once an audit logger is attached to the pipeline.
func NewAuthorizer(policy *Policy, auditing bool) (*Authorizer, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Authorizer{policy: policy, auditing: auditing}, nil
}

// SetPolicy atomically replaces the active policy.
func (a *Authorizer) SetPolicy(policy *Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.policy = policy
	a.mu.Unlock()
	return nil
}

// CheckPermission evaluates whether the caller may perform op on resource.
// Returns nil when allowed, ErrPermissionDenied (wrapped with the reason)
// otherwise.
func (a *Authorizer) CheckPermission(caller Caller, op Operation, resource Resource) error {
	if caller.UserID == "" {
		return fmt.Errorf("%w: anonymous caller", ErrPermissionDenied)
	}

	a.mu.RLock()
	rp, ok := a.policy.Roles[caller.Role]
	a.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrPermissionDenied, caller.Role)
	}

	granted := false
	for _, p := range rp.Permissions {
		if p == op {
			granted = true
			break
		}
	}
	if !granted {
		return fmt.Errorf("%w: role %q lacks %s", ErrPermissionDenied, caller.Role, op)
	}

	for _, r := range rp.Restrictions {
		if err := a.checkRestriction(r, caller, op, resource); err != nil {
			return err
		}
	}

	return nil
}

func (a *Authorizer) checkRestriction(r Restriction, caller Caller, op Operation, resource Resource) error {
	switch r {
	case RestrictOwnerOnly:
		// Operations without a concrete resource (create, search) are scoped
		// to the caller by construction.
		if resource.OwnerID != "" && resource.OwnerID != caller.UserID {
			return fmt.Errorf("%w: %s restricted to owner", ErrPermissionDenied, op)
		}
	case RestrictRequiresAudit:
		if !a.auditing {
			return fmt.Errorf("%w: %s requires a live audit trail", ErrPermissionDenied, op)
		}
	case RestrictProjectScoped:
		if caller.ProjectScope != "" && resource.ProjectPath != "" &&
			!hasPathPrefix(resource.ProjectPath, caller.ProjectScope) {
			return fmt.Errorf("%w: %s outside caller project scope", ErrPermissionDenied, op)
		}
	default:
		// Unknown restrictions fail closed.
		return fmt.Errorf("%w: unevaluable restriction %q", ErrPermissionDenied, r)
	}
	return nil
}

// hasPathPrefix reports whether path is scope or lives under scope.
func hasPathPrefix(path, scope string) bool {
	if path == scope {
		return true
	}
	if len(path) > len(scope) && path[:len(scope)] == scope && path[len(scope)] == '/' {
		return true
	}
	return false
}
