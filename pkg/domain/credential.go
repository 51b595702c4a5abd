package domain

import (
	"encoding/hex"
	"strings"
)

type CredentialScheme int

const (
	SchemeLegacyPlain CredentialScheme = iota
	SchemeLegacySalted
	SchemePBKDF2
)

const (
	PBKDF2Prefix     = "pbkdf2"
	PBKDF2Iterations = 100000
	SaltSize         = 16
	KeySize          = 32
	MaxPasswordLen   = 100
)

// Credential is a stored password record parsed into its scheme once at the
// boundary. Three shapes exist, oldest first:
//
//	legacy-plain:  base64(password), reversible, pre-dates salting
//	legacy-salted: <saltHex>:<sha256Hex>
//	pbkdf2:        pbkdf2:<saltHex>:<hashHex>
//
// Creation only ever writes the pbkdf2 shape; the older two are accepted for
// records written before the scheme upgrades.
type Credential struct {
	Scheme     CredentialScheme
	Salt       []byte
	SaltHex    string
	Hash       []byte
	Iterations int

	// Raw is the stored string, retained for legacy-plain comparison.
	Raw string
}

// ParseCredential classifies a stored record. It never fails: a record that
// fits no structured shape is treated as legacy-plain, matching how the data
// was written historically. Empty records are rejected by the verifier, not
// here.
func ParseCredential(stored string) Credential {
	parts := strings.Split(stored, ":")
	switch {
	case len(parts) == 3 && parts[0] == PBKDF2Prefix:
		salt, err := hex.DecodeString(parts[1])
		if err != nil || len(salt) == 0 {
			break
		}
		// The hash is exactly the derived key size; a truncated record must
		// not verify against an equally truncated derivation.
		hash, err := hex.DecodeString(parts[2])
		if err != nil || len(hash) != KeySize {
			break
		}
		return Credential{
			Scheme:     SchemePBKDF2,
			Salt:       salt,
			SaltHex:    parts[1],
			Hash:       hash,
			Iterations: PBKDF2Iterations,
			Raw:        stored,
		}
	case len(parts) == 2:
		hash, err := hex.DecodeString(parts[1])
		if err != nil || len(hash) == 0 {
			break
		}
		return Credential{
			Scheme:  SchemeLegacySalted,
			SaltHex: parts[0],
			Hash:    hash,
			Raw:     stored,
		}
	}
	return Credential{Scheme: SchemeLegacyPlain, Raw: stored}
}
