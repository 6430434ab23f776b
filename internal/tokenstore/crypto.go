// Package tokenstore implements the card tokenization service: client
// payloads are decrypted with a caller-selected key, validated, and
// re-encrypted at rest under a versioned service key. Plaintext card data
// exists only in memory between those two operations and is never logged.
package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// AlgorithmAESGCM is the only algorithm accepted in client
	// encryption metadata. GCM authenticates the ciphertext, so a wrong
	// key or a tampered payload fails closed.
	AlgorithmAESGCM = "AES-256-GCM"

	keySize   = 32
	nonceSize = 12

	deviceKeyInfo  = "payment-token-v1:"
	serviceKeyInfo = "service-key:"
)

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// Keyring resolves every key the service uses from a single 32-byte master
// secret. Device keys and per-version service keys are derived with
// HKDF-SHA256, so any historical key version can be re-derived on demand
// and rotation never requires re-keying stored material eagerly.
type Keyring struct {
	master    []byte
	namedKeys map[string][]byte
}

// Named key ids accepted on the partner/web flow. Both resolve to the
// master key; real partner keys would be provisioned per key id.
var partnerKeyIDs = []string{"primary", "demo-primary-key-001"}

// NewKeyring parses the hex-encoded 32-byte master secret.
func NewKeyring(masterHex string) (*Keyring, error) {
	master, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(master))
	}

	named := make(map[string][]byte, len(partnerKeyIDs))
	for _, id := range partnerKeyIDs {
		named[id] = master
	}

	return &Keyring{master: master, namedKeys: named}, nil
}

// DeviceKey derives the AEAD key bound to a hardware-terminal device token.
// The same device token always derives the same key.
func (k *Keyring) DeviceKey(deviceToken string) ([]byte, error) {
	return k.derive(deviceKeyInfo + deviceToken)
}

// NamedKey looks up a partner key by id. The second return is false for
// unknown key ids.
func (k *Keyring) NamedKey(keyID string) ([]byte, bool) {
	key, ok := k.namedKeys[keyID]
	return key, ok
}

// ServiceKey derives the at-rest key for a key version. Tokens decrypt
// under the version recorded at creation time regardless of which version
// is current.
func (k *Keyring) ServiceKey(version string) ([]byte, error) {
	if version == "" {
		return nil, errors.New("key version is required")
	}
	return k.derive(serviceKeyInfo + version)
}

func (k *Keyring) derive(info string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, k.master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh random nonce and returns
// nonce || ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce || ciphertext blob produced by Seal or by a device
// client using the same layout.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errCiphertextTooShort
	}
	return OpenWithNonce(key, sealed[:nonceSize], sealed[nonceSize:])
}

// OpenWithNonce decrypts ciphertext whose nonce travels separately, as on
// the partner flow where the IV rides in encryption metadata.
func OpenWithNonce(key, nonce, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", gcm.NonceSize(), len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return gcm, nil
}

// wipe zeroes a buffer that held card plaintext.
func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
