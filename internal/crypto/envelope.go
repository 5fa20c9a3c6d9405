package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/notikeeper/internal/errs"
)

const (
	gcmNonceLen     = 12
	compactNonceLen = 16
	tagLen          = 16

	v1Prefix = "v1"
)

// ErrMalformedEnvelope is returned for envelopes that cannot be parsed.
var ErrMalformedEnvelope = errors.New("crypto: malformed envelope")

// Envelope is the JSON transport form; each field is standard base64.
type Envelope struct {
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	EncryptedData string `json:"encryptedData"`
}

type sealed struct {
	iv, tag, ct []byte
}

func newGCM(key []byte, nonceLen int) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if nonceLen == gcmNonceLen {
		return cipher.NewGCM(block)
	}
	return cipher.NewGCMWithNonceSize(block, nonceLen)
}

func seal(key, plaintext []byte, nonceLen int) (sealed, error) {
	aead, err := newGCM(key, nonceLen)
	if err != nil {
		return sealed{}, err
	}
	iv, err := RandBytes(nonceLen)
	if err != nil {
		return sealed{}, err
	}
	out := aead.Seal(nil, iv, plaintext, nil)
	n := len(out) - tagLen
	return sealed{iv: iv, tag: out[n:], ct: out[:n]}, nil
}

func open(key []byte, s sealed, nonceLen int) ([]byte, error) {
	if len(s.iv) != nonceLen || len(s.tag) != tagLen {
		return nil, ErrMalformedEnvelope
	}
	aead, err := newGCM(key, nonceLen)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(s.ct)+len(s.tag))
	buf = append(buf, s.ct...)
	buf = append(buf, s.tag...)
	pt, err := aead.Open(nil, s.iv, buf, nil)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	return pt, nil
}

// Encrypt seals plaintext into a JSON envelope.
func Encrypt(plaintext, key []byte) (Envelope, error) {
	s, err := seal(key, plaintext, gcmNonceLen)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		IV:            base64.StdEncoding.EncodeToString(s.iv),
		AuthTag:       base64.StdEncoding.EncodeToString(s.tag),
		EncryptedData: base64.StdEncoding.EncodeToString(s.ct),
	}, nil
}

// Decrypt opens a JSON envelope. A failed tag check yields errs.ErrDecryptionFailed.
func Decrypt(env Envelope, key []byte) ([]byte, error) {
	iv, err1 := base64.StdEncoding.DecodeString(env.IV)
	tag, err2 := base64.StdEncoding.DecodeString(env.AuthTag)
	ct, err3 := base64.StdEncoding.DecodeString(env.EncryptedData)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return open(key, sealed{iv: iv, tag: tag, ct: ct}, gcmNonceLen)
}

// EncryptV1 seals plaintext into "v1.<iv>.<tag>.<ciphertext>" with URL-safe base64 parts.
func EncryptV1(plaintext, key []byte) (string, error) {
	s, err := seal(key, plaintext, gcmNonceLen)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return strings.Join([]string{v1Prefix, enc.EncodeToString(s.iv), enc.EncodeToString(s.tag), enc.EncodeToString(s.ct)}, "."), nil
}

// DecryptV1 opens a dotted v1 envelope.
func DecryptV1(s string, key []byte) ([]byte, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 || parts[0] != v1Prefix {
		return nil, ErrMalformedEnvelope
	}
	enc := base64.RawURLEncoding
	iv, err1 := enc.DecodeString(parts[1])
	tag, err2 := enc.DecodeString(parts[2])
	ct, err3 := enc.DecodeString(parts[3])
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return open(key, sealed{iv: iv, tag: tag, ct: ct}, gcmNonceLen)
}

// EncryptCompact seals plaintext into hex "iv:authTag:ciphertext" with a 16-byte IV.
func EncryptCompact(plaintext, key []byte) (string, error) {
	s, err := seal(key, plaintext, compactNonceLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(s.iv) + ":" + hex.EncodeToString(s.tag) + ":" + hex.EncodeToString(s.ct), nil
}

// DecryptCompact opens a compact hex envelope.
func DecryptCompact(s string, key []byte) ([]byte, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, ErrMalformedEnvelope
	}
	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return open(key, sealed{iv: iv, tag: tag, ct: ct}, compactNonceLen)
}
