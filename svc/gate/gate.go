package gate

import (
	"time"

	"timevault/pkg/domain"
)

// State is the access-control state of a capsule at a given instant.
type State int

const (
	// StateSealed means the unlock instant has not passed.
	StateSealed State = iota
	// StateUnlockedLocked means unlocked by time but still behind a password.
	StateUnlockedLocked
	// StateUnlockedOpen means the payload may be disclosed.
	StateUnlockedOpen
	// StateExhausted is terminal: an open-once capsule that has been opened.
	StateExhausted
)

// Verifier decides whether a password attempt matches a stored credential.
type Verifier interface {
	Verify(password, stored string) bool
}

// Decision is the outcome of an access evaluation. Exactly one of Disclose
// or Deny is meaningful; Deny is nil when Disclose is true.
type Decision struct {
	Disclose bool
	// FirstOpen is set on the disclosure that should flip isOpened.
	FirstOpen bool
	Deny      *domain.Err
}

func deny(err *domain.Err) Decision {
	return Decision{Deny: err}
}

// StateOf classifies a capsule without evaluating credentials.
func StateOf(c *domain.Capsule, now time.Time) State {
	if now.Before(c.UnlockAt) {
		return StateSealed
	}
	if c.OpenOnce && c.IsOpened {
		return StateExhausted
	}
	if c.HasPassword() {
		return StateUnlockedLocked
	}
	return StateUnlockedOpen
}

// Evaluate runs the full gate for a disclosure attempt. The caller supplies
// now from its own clock; client-reported time never reaches this package.
// attempt is nil when no password was supplied.
//
// Check order is fixed: sealed, exhausted, then credentials. An exhausted
// capsule denies even a correct password, and a sealed one denies before any
// credential work happens.
func Evaluate(c *domain.Capsule, now time.Time, attempt *string, v Verifier) Decision {
	if now.Before(c.UnlockAt) {
		return deny(domain.ErrStillSealed)
	}
	if c.OpenOnce && c.IsOpened {
		return deny(domain.ErrAlreadyOpened)
	}
	if c.HasPassword() {
		if attempt == nil {
			return deny(domain.ErrPasswordRequired)
		}
		if !v.Verify(*attempt, c.PasswordHash) {
			return deny(domain.ErrWrongPassword)
		}
	}
	return Decision{Disclose: true, FirstOpen: !c.IsOpened}
}
