package security

import "context"

// EnvelopeCipher adapts a KeyRing to the hybrid storage cipher contract,
// optionally auditing decryption failures as potential security events.
type EnvelopeCipher struct {
	Ring *KeyRing

	// Audit, when non-nil, records decryption failures.
	Audit *AuditLogger
}

// Seal encrypts a session document under the ring's current key version and
// returns the marshaled envelope plus the key id used.
func (c *EnvelopeCipher) Seal(keyContext string, plaintext []byte) ([]byte, string, error) {
	env, err := c.Ring.Encrypt(plaintext, keyContext)
	if err != nil {
		return nil, "", err
	}

	sealed, err := env.Marshal()
	if err != nil {
		return nil, "", err
	}
	return sealed, env.KeyID, nil
}

// Open parses and decrypts a sealed session document. Failures are audited
// before being returned: a tag mismatch on stored data is a potential
// tampering signal, not a routine error.
func (c *EnvelopeCipher) Open(keyContext string, sealed []byte) ([]byte, error) {
	env, err := UnmarshalEnvelope(sealed)
	if err != nil {
		c.auditFailure(keyContext, "malformed envelope")
		return nil, err
	}

	plaintext, err := c.Ring.Decrypt(env, keyContext)
	if err != nil {
		c.auditFailure(keyContext, err.Error())
		return nil, err
	}
	return plaintext, nil
}

func (c *EnvelopeCipher) auditFailure(keyContext, detail string) {
	if c.Audit == nil {
		return
	}
	// Audit writes are not cancellable once started.
	_ = c.Audit.Record(context.Background(), AuditDecryptionFailed, "system", keyContext,
		map[string]any{"detail": detail})
}
