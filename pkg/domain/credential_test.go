package domain

import (
	"encoding/hex"
	"testing"
)

func TestParseCredentialPBKDF2(t *testing.T) {
	salt := "00112233445566778899aabbccddeeff"
	hash := "aa" + "bb" + "cc" + "dd" + "00112233445566778899aabbccddeeff00112233445566778899aabb"
	cred := ParseCredential("pbkdf2:" + salt + ":" + hash)

	if cred.Scheme != SchemePBKDF2 {
		t.Fatalf("scheme = %d, want SchemePBKDF2", cred.Scheme)
	}
	if cred.SaltHex != salt {
		t.Errorf("salt hex mismatch: %s", cred.SaltHex)
	}
	if len(cred.Salt) != SaltSize {
		t.Errorf("salt length = %d, want %d", len(cred.Salt), SaltSize)
	}
	if cred.Iterations != PBKDF2Iterations {
		t.Errorf("iterations = %d, want %d", cred.Iterations, PBKDF2Iterations)
	}
	if hex.EncodeToString(cred.Hash) != hash {
		t.Errorf("hash round-trip mismatch")
	}
}

func TestParseCredentialLegacySalted(t *testing.T) {
	cred := ParseCredential("00112233445566778899aabbccddeeff:deadbeef")
	if cred.Scheme != SchemeLegacySalted {
		t.Fatalf("scheme = %d, want SchemeLegacySalted", cred.Scheme)
	}
	if cred.SaltHex != "00112233445566778899aabbccddeeff" {
		t.Errorf("salt hex mismatch")
	}
	if hex.EncodeToString(cred.Hash) != "deadbeef" {
		t.Errorf("hash mismatch")
	}
}

func TestParseCredentialLegacyPlain(t *testing.T) {
	for _, stored := range []string{
		"cGV0YWw=",                  // plain base64, no separators
		"a:b:c",                     // three parts but wrong prefix
		"pbkdf2:not-hex:deadbeef",   // pbkdf2 shape with invalid salt
		"pbkdf2:0011:zz",            // invalid hash hex
		"pbkdf2:00112233445566778899aabbccddeeff:deadbeef", // truncated hash
		"salt:not-hex-at-all-here!",                        // 2-part with undecodable hash
	} {
		cred := ParseCredential(stored)
		if cred.Scheme == SchemePBKDF2 {
			t.Errorf("ParseCredential(%q) classified as PBKDF2", stored)
		}
		if cred.Raw != stored {
			t.Errorf("Raw not retained for %q", stored)
		}
	}
}
