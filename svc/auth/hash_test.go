package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"timevault/pkg/domain"
)

func startedHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(domain.PBKDF2Iterations)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if err := h.Start(2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestHashProducesCurrentShape(t *testing.T) {
	h := startedHasher(t)

	stored, err := h.Hash("petal")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	parts := strings.Split(stored, ":")
	if len(parts) != 3 || parts[0] != domain.PBKDF2Prefix {
		t.Fatalf("unexpected shape: %s", stored)
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil || len(salt) != domain.SaltSize {
		t.Errorf("salt segment invalid: %s", parts[1])
	}
	key, err := hex.DecodeString(parts[2])
	if err != nil || len(key) != domain.KeySize {
		t.Errorf("hash segment invalid: %s", parts[2])
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	h := startedHasher(t)

	for _, pwd := range []string{"petal", "a", "pässwörd with ümlauts", strings.Repeat("x", 100)} {
		stored, err := h.Hash(pwd)
		if err != nil {
			t.Fatalf("Hash(%q): %v", pwd, err)
		}
		if !h.Verify(pwd, stored) {
			t.Errorf("Verify(%q, hash(%q)) = false", pwd, pwd)
		}
	}
}

func TestVerifyRejectsWrongPassword(t *testing.T) {
	h := startedHasher(t)

	stored, err := h.Hash("petal")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h.Verify("petals", stored) {
		t.Error("near-miss password verified")
	}
	if h.Verify("", stored) {
		t.Error("empty password verified")
	}
}

func TestVerifyLegacySalted(t *testing.T) {
	h := startedHasher(t)

	saltHex := "00112233445566778899aabbccddeeff"
	sum := sha256.Sum256([]byte(saltHex + "petal"))
	stored := saltHex + ":" + hex.EncodeToString(sum[:])

	if !h.Verify("petal", stored) {
		t.Error("legacy salted record did not verify")
	}
	if h.Verify("rose", stored) {
		t.Error("legacy salted record verified wrong password")
	}
}

func TestVerifyLegacyPlain(t *testing.T) {
	h := startedHasher(t)

	stored := base64.StdEncoding.EncodeToString([]byte("petal"))
	if !h.Verify("petal", stored) {
		t.Error("legacy plain record did not verify")
	}
	if h.Verify("rose", stored) {
		t.Error("legacy plain record verified wrong password")
	}
}

func TestVerifyEmptyStoredNeverMatches(t *testing.T) {
	h := startedHasher(t)

	if h.Verify("anything", "") {
		t.Error("empty stored record matched")
	}
	if h.Verify("", "") {
		t.Error("empty password matched empty record")
	}
}

func TestVerifyMalformedStored(t *testing.T) {
	h := startedHasher(t)

	for _, stored := range []string{
		"pbkdf2::",
		"pbkdf2:zz:zz",
		"pbkdf2:0011:deadbeef:extra",
		":",
		"::::",
	} {
		if h.Verify("petal", stored) {
			t.Errorf("malformed record %q verified", stored)
		}
	}
}
