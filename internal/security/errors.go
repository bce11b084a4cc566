// Package security enforces authorization and confidentiality for every
// operation that touches hybrid storage: role-based access control,
// envelope encryption-at-rest with versioned keys, and a tamper-evident
// append-only audit trail.
package security

import "errors"

var (
	// ErrPermissionDenied indicates the caller lacks the required permission
	// or fails a restriction predicate. Never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDecryption indicates an authentication/integrity failure during
	// decrypt, or an unknown key version. Fatal, never retried, always
	// audited as a potential security event.
	ErrDecryption = errors.New("decryption failed")

	// ErrUnknownKey indicates the envelope references a key version that is
	// not in the ring (e.g. rotated out and removed).
	ErrUnknownKey = errors.New("unknown key version")

	// ErrAuditChainBroken indicates the audit log integrity chain does not
	// verify; a record was altered or removed.
	ErrAuditChainBroken = errors.New("audit chain integrity violation")
)
