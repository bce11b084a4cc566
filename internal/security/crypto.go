package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Envelope is the ciphertext container produced by Encrypt. It carries the
// key version identifier so Decrypt can locate the correct key without
// guessing, and the nonce used for this message. The GCM authentication tag
// is appended to Ciphertext by the cipher.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Marshal serializes the envelope for storage.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses a stored envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryption, err)
	}
	return &e, nil
}

// KeyRing holds versioned AES-256 keys. Encryption always uses the current
// version; decryption accepts any retained version, so keys can rotate
// without forced re-encryption of historical data.
type KeyRing struct {
	mu      sync.RWMutex
	keys    map[string][]byte // key id -> 32-byte key
	current string
}

// NewKeyRing creates a ring with a single initial key version derived from
// the given secret. The secret may be any length; it is stretched to 32
// bytes with SHA-256.
func NewKeyRing(keyID string, secret []byte) (*KeyRing, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}

	ring := &KeyRing{keys: make(map[string][]byte)}
	ring.keys[keyID] = deriveKey(secret, keyID)
	ring.current = keyID
	return ring, nil
}

// Rotate adds a new key version and makes it current. Previously stored data
// remains decryptable as long as the old versions stay in the ring.
func (r *KeyRing) Rotate(keyID string, secret []byte) error {
	if keyID == "" || len(secret) == 0 {
		return fmt.Errorf("key id and secret are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[keyID]; exists {
		return fmt.Errorf("key version %q already exists", keyID)
	}
	r.keys[keyID] = deriveKey(secret, keyID)
	r.current = keyID
	return nil
}

// CurrentKeyID returns the key version used for new encryptions.
func (r *KeyRing) CurrentKeyID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// KeyIDs returns all retained key versions, sorted.
func (r *KeyRing) KeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Encrypt seals plaintext with AES-256-GCM under the current key version.
// The additional data binds the ciphertext to its key context (typically the
// session id), so an envelope cannot be replayed onto another resource.
func (r *KeyRing) Encrypt(plaintext []byte, keyContext string) (*Envelope, error) {
	r.mu.RLock()
	keyID := r.current
	key := r.keys[keyID]
	r.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(keyContext))

	return &Envelope{
		KeyID:      keyID,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt opens an envelope. It fails closed: an authentication tag mismatch
// or an unknown key version returns ErrDecryption, never corrupted data.
func (r *KeyRing) Decrypt(envelope *Envelope, keyContext string) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrDecryption)
	}

	r.mu.RLock()
	key, ok := r.keys[envelope.KeyID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (%w)", ErrDecryption, envelope.KeyID, ErrUnknownKey)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(envelope.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecryption, len(envelope.Nonce))
	}

	plaintext, err := gcm.Open(nil, envelope.Nonce, envelope.Ciphertext, []byte(keyContext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// deriveKey stretches a secret into a 32-byte AES key bound to its version id,
// so two versions sharing a secret still yield distinct keys.
func deriveKey(secret []byte, keyID string) []byte {
	h := sha256.New()
	h.Write([]byte("sessiond/v1/"))
	h.Write([]byte(keyID))
	h.Write([]byte{0})
	h.Write(secret)
	return h.Sum(nil)
}
