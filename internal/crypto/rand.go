// Package crypto implements AES-256-GCM envelopes and the key derivations built on them.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyLen is the AES-256 key length.
const KeyLen = 32

// ErrInvalidKey is returned when a key has the wrong length.
var ErrInvalidKey = errors.New("crypto: key must be 32 bytes")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewMasterKey generates a fresh tenant master key.
func NewMasterKey() ([]byte, error) { return RandBytes(KeyLen) }

// DeriveUserKey derives the per-user key as the first 32 hex chars of
// sha256(masterKey || userID). The hex characters themselves are the key bytes.
func DeriveUserKey(userID string, masterKey []byte) []byte {
	h := sha256.New()
	h.Write(masterKey)
	h.Write([]byte(userID))
	sum := hex.EncodeToString(h.Sum(nil))
	return []byte(sum[:KeyLen])
}

// Fingerprint returns a short non-reversible identifier of a secret.
func Fingerprint(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])[:16]
}

// DeriveBlobKey derives the key protecting one blob from the deployment KEK
// via HKDF-SHA256 using the blob name as info.
func DeriveBlobKey(kek []byte, name string) ([]byte, error) {
	r := hkdf.New(sha256.New, kek, nil, []byte(name))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
