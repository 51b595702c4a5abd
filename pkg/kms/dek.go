package kms

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"timevault/metrics"
)

// GenerateDEK mints a fresh 256-bit data-encryption key. One DEK per
// capsule; the adapter wraps it before it is persisted.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// AEADSeal encrypts a capsule's content blob under its DEK with
// XChaCha20-Poly1305, nonce prefixed.
func AEADSeal(plaintext, dek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func AEADOpen(ciphertext, dek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := aead.Open(nil, ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	metrics.EncryptionOps.WithLabelValues("open").Inc()
	return plaintext, nil
}
