package kms

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	dek, err := GenerateDEK()
	if err != nil {
		t.Fatalf("GenerateDEK: %v", err)
	}
	plaintext := []byte(`{"content":"dear future me","version":1}`)

	sealed, err := AEADSeal(plaintext, dek)
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	if bytes.Contains(sealed, []byte("future")) {
		t.Error("sealed blob leaks plaintext")
	}
	opened, err := AEADOpen(sealed, dek)
	if err != nil {
		t.Fatalf("AEADOpen: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("round trip mismatch")
	}
}

func TestOpenWithWrongDEK(t *testing.T) {
	dek1, _ := GenerateDEK()
	dek2, _ := GenerateDEK()
	sealed, err := AEADSeal([]byte("secret"), dek1)
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	if _, err := AEADOpen(sealed, dek2); err != ErrDecryptionFailed {
		t.Errorf("want ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenTamperedBlob(t *testing.T) {
	dek, _ := GenerateDEK()
	sealed, err := AEADSeal([]byte("secret"), dek)
	if err != nil {
		t.Fatalf("AEADSeal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := AEADOpen(sealed, dek); err != ErrDecryptionFailed {
		t.Errorf("tampered blob: want ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenTruncatedBlob(t *testing.T) {
	dek, _ := GenerateDEK()
	if _, err := AEADOpen([]byte("short"), dek); err == nil {
		t.Error("truncated blob opened without error")
	}
}
