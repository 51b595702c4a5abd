package test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"timevault/pkg/domain"
	"timevault/svc/util"
)

// Records written by earlier scheme generations must still verify through
// the full service path.
func TestLegacyCredentialRecords(t *testing.T) {
	capsuleSvc, sqlDB, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	salt := "00112233445566778899aabbccddeeff"
	sum := sha256.Sum256([]byte(salt + "petal"))
	legacySalted := salt + ":" + hex.EncodeToString(sum[:])
	legacyPlain := base64.StdEncoding.EncodeToString([]byte("petal"))

	cases := []struct {
		name   string
		stored string
	}{
		{"legacy salted", legacySalted},
		{"legacy plain", legacyPlain},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			capsule := &domain.Capsule{
				ID:           "legacy00" + string(rune('1'+i)),
				ShareToken:   util.NewShareToken(),
				Title:        "legacy",
				PasswordHash: tc.stored,
				UnlockAt:     time.Now().Add(-time.Minute),
				CreatedAt:    time.Now(),
			}
			if err := sqlDB.Create(ctx, capsule); err != nil {
				t.Fatal(err)
			}
			if _, err := capsuleSvc.Verify(ctx, capsule.ShareToken, strPtr("rose")); !errors.Is(err, domain.ErrWrongPassword) {
				t.Fatalf("wrong password: err = %v, want ErrWrongPassword", err)
			}
			if _, err := capsuleSvc.Verify(ctx, capsule.ShareToken, strPtr("petal")); err != nil {
				t.Fatalf("correct password: %v", err)
			}
		})
	}
}

// A wrong password, a missing password, and a nonexistent token must all
// produce the same code, message, and status; only log lines may differ. A
// caller holding a well formed token must not learn whether it exists.
func TestCredentialDenialsIndistinguishable(t *testing.T) {
	for _, e := range []*domain.Err{domain.ErrPasswordRequired, domain.ErrWrongPassword} {
		if e.Code != domain.ErrCapsuleNotFound.Code {
			t.Errorf("denial code %q differs from not-found", e.Code)
		}
		if e.Msg != domain.ErrCapsuleNotFound.Msg {
			t.Errorf("denial message %q differs from not-found", e.Msg)
		}
		if domain.Status(e) != domain.Status(domain.ErrCapsuleNotFound) {
			t.Errorf("denial status %d differs from not-found", domain.Status(e))
		}
	}

	capsuleSvc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	params := unlockedParams("guarded", "hidden")
	params.Password = "petal"
	result, err := capsuleSvc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitForUnlock()

	_, wrongErr := capsuleSvc.Verify(ctx, result.Capsule.ShareToken, strPtr("rose"))
	_, missingErr := capsuleSvc.Verify(ctx, util.NewShareToken(), strPtr("rose"))

	var wrong, missing *domain.Err
	if !errors.As(wrongErr, &wrong) || !errors.As(missingErr, &missing) {
		t.Fatalf("expected domain errors, got %v and %v", wrongErr, missingErr)
	}
	if wrong.Code != missing.Code || wrong.Msg != missing.Msg || wrong.Status != missing.Status {
		t.Errorf("wrong password (%s/%d) distinguishable from missing capsule (%s/%d)",
			wrong.Code, wrong.Status, missing.Code, missing.Status)
	}
}

func TestPublicViewNeverLeaksSecrets(t *testing.T) {
	capsuleSvc, _, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	params := unlockedParams("leak check", "contents")
	params.Password = "petal"
	params.RecipientEmail = "future@example.com"
	result, err := capsuleSvc.Create(ctx, params)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitForUnlock()
	view, err := capsuleSvc.Verify(ctx, result.Capsule.ShareToken, strPtr("petal"))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	data, err := json.Marshal(view)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	for _, forbidden := range []string{
		"password_hash",
		"pbkdf2:",
		"recipient_email",
		"sealed_blob",
		"encrypted_dek",
		result.Capsule.ID,
	} {
		if strings.Contains(body, forbidden) {
			t.Errorf("public view contains %q: %s", forbidden, body)
		}
	}
	if !strings.Contains(body, `"has_password":true`) {
		t.Errorf("public view should flag password presence: %s", body)
	}
}

// Stored rows hold ciphertext only.
func TestContentEncryptedAtRest(t *testing.T) {
	capsuleSvc, sqlDB, cleanup := createTestService(t)
	defer cleanup()
	ctx := context.Background()

	secret := "the plaintext that must not appear in the database"
	result, err := capsuleSvc.Create(ctx, unlockedParams("at rest", secret))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	row, err := sqlDB.GetByShareToken(ctx, result.Capsule.ShareToken)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(row.SealedBlob), secret) {
		t.Error("sealed blob contains plaintext")
	}
	if row.Content != "" {
		t.Error("content column should be empty")
	}
}
