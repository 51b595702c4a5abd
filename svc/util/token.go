package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Share tokens are canonical lowercase-insensitive v4 UUIDs, 36 characters.
// Anything else is rejected before a single storage lookup happens.
const shareTokenLength = 36

func NewShareToken() string {
	return uuid.New().String()
}

// ValidShareToken reports whether tok is a well-formed share token. It is
// deliberately strict about length first: uuid.Parse accepts urn: and braced
// forms that must never appear in links.
func ValidShareToken(tok string) bool {
	if len(tok) != shareTokenLength {
		return false
	}
	_, err := uuid.Parse(tok)
	return err == nil
}

// Deletion tokens let a creator destroy a capsule without an account. Each
// token binds a capsule ID and an expiry under an HMAC, and the whole
// payload is sealed with XChaCha20-Poly1305 so it is opaque to the bearer.

var (
	ErrTokenExpired   = errors.New("deletion token expired")
	ErrTokenForged    = errors.New("deletion token signature invalid")
	ErrTokenMalformed = errors.New("deletion token malformed")

	tokenSecretKey []byte
	tokenMu        sync.RWMutex
)

func InitDeletionTokenKey(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("deletion token key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("deletion token key has insufficient entropy")
	}
	tokenMu.Lock()
	tokenSecretKey = secret
	tokenMu.Unlock()
	return nil
}

func GenerateDeletionToken(capsuleID string, validFor time.Duration) (string, error) {
	tokenMu.RLock()
	key := tokenSecretKey
	tokenMu.RUnlock()
	if key == nil {
		return "", errors.New("deletion token key not initialized")
	}
	expiry := time.Now().Add(validFor).Unix()
	expiryBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(expiryBytes, uint64(expiry))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(capsuleID))
	mac.Write(expiryBytes)
	signature := mac.Sum(nil)

	payload := make([]byte, 0, 8+len(capsuleID)+sha256.Size)
	payload = append(payload, expiryBytes...)
	payload = append(payload, []byte(capsuleID)...)
	payload = append(payload, signature...)

	aead, err := chacha20poly1305.NewX(key[:chacha20poly1305.KeySize])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func VerifyDeletionToken(token, capsuleID string) error {
	tokenMu.RLock()
	key := tokenSecretKey
	tokenMu.RUnlock()
	if key == nil {
		return errors.New("deletion token key not initialized")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMalformed
	}
	aead, err := chacha20poly1305.NewX(key[:chacha20poly1305.KeySize])
	if err != nil {
		return ErrTokenMalformed
	}
	if len(decoded) < aead.NonceSize() {
		return ErrTokenMalformed
	}
	nonce, ciphertext := decoded[:aead.NonceSize()], decoded[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrTokenMalformed
	}
	if len(plaintext) < 8+sha256.Size+1 {
		return ErrTokenMalformed
	}
	expiry := int64(binary.BigEndian.Uint64(plaintext[0:8]))
	embeddedID := plaintext[8 : len(plaintext)-sha256.Size]
	providedMAC := plaintext[len(plaintext)-sha256.Size:]

	mac := hmac.New(sha256.New, key)
	mac.Write(embeddedID)
	mac.Write(plaintext[0:8])
	expectedMAC := mac.Sum(nil)

	macMatch := subtle.ConstantTimeCompare(providedMAC, expectedMAC) == 1
	idMatch := subtle.ConstantTimeCompare(embeddedID, []byte(capsuleID)) == 1
	if !macMatch || !idMatch {
		return ErrTokenForged
	}
	if time.Now().Unix() > expiry {
		return ErrTokenExpired
	}
	return nil
}
