package gate

import (
	"testing"
	"time"

	"timevault/pkg/domain"
)

// staticVerifier matches a single password without any derivation work.
type staticVerifier struct {
	accept string
}

func (v staticVerifier) Verify(password, stored string) bool {
	return stored != "" && password == v.accept
}

func strPtr(s string) *string { return &s }

func TestEvaluateStillSealed(t *testing.T) {
	unlock := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &domain.Capsule{UnlockAt: unlock}
	v := staticVerifier{accept: "petal"}

	for _, now := range []time.Time{
		unlock.Add(-time.Nanosecond),
		unlock.Add(-time.Hour),
		unlock.AddDate(-1, 0, 0),
	} {
		d := Evaluate(c, now, nil, v)
		if d.Disclose || d.Deny != domain.ErrStillSealed {
			t.Errorf("Evaluate at %v: want StillSealed, got %+v", now, d)
		}
	}

	// never sealed at or after the unlock instant
	for _, now := range []time.Time{unlock, unlock.Add(time.Nanosecond), unlock.AddDate(1, 0, 0)} {
		d := Evaluate(c, now, nil, v)
		if d.Deny == domain.ErrStillSealed {
			t.Errorf("Evaluate at %v: sealed past unlock", now)
		}
	}
}

func TestEvaluateOpenOnceTerminal(t *testing.T) {
	unlock := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &domain.Capsule{
		UnlockAt:     unlock,
		OpenOnce:     true,
		IsOpened:     true,
		PasswordHash: "stored",
	}
	v := staticVerifier{accept: "petal"}

	// denied regardless of password correctness and however late
	for _, attempt := range []*string{nil, strPtr("petal"), strPtr("wrong")} {
		d := Evaluate(c, unlock.AddDate(10, 0, 0), attempt, v)
		if d.Disclose || d.Deny != domain.ErrAlreadyOpened {
			t.Errorf("attempt %v: want AlreadyOpened, got %+v", attempt, d)
		}
	}
}

func TestEvaluatePasswordGate(t *testing.T) {
	unlock := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	now := unlock.Add(24 * time.Hour)
	c := &domain.Capsule{UnlockAt: unlock, PasswordHash: "stored"}
	v := staticVerifier{accept: "petal"}

	d := Evaluate(c, now, nil, v)
	if d.Deny != domain.ErrPasswordRequired {
		t.Errorf("no attempt: want PasswordRequired, got %+v", d)
	}
	d = Evaluate(c, now, strPtr("wrong"), v)
	if d.Deny != domain.ErrWrongPassword {
		t.Errorf("wrong attempt: want WrongPassword, got %+v", d)
	}
	d = Evaluate(c, now, strPtr("petal"), v)
	if !d.Disclose || !d.FirstOpen {
		t.Errorf("correct attempt: want first disclosure, got %+v", d)
	}
}

func TestEvaluateOpenOnceScenario(t *testing.T) {
	// capsule unlocking 2099-01-01, open-once, password "petal"
	unlock := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2099, 1, 2, 0, 0, 0, 0, time.UTC)
	c := &domain.Capsule{UnlockAt: unlock, OpenOnce: true, PasswordHash: "stored"}
	v := staticVerifier{accept: "petal"}

	d := Evaluate(c, now, strPtr("petal"), v)
	if !d.Disclose || !d.FirstOpen {
		t.Fatalf("first open: want disclosure, got %+v", d)
	}
	c.IsOpened = true // persisted by the caller

	d = Evaluate(c, now, strPtr("petal"), v)
	if d.Disclose || d.Deny != domain.ErrAlreadyOpened {
		t.Errorf("second open: want AlreadyOpened, got %+v", d)
	}
}

func TestEvaluateNoPasswordCapsule(t *testing.T) {
	c := &domain.Capsule{UnlockAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	v := staticVerifier{}

	d := Evaluate(c, time.Now(), nil, v)
	if !d.Disclose {
		t.Errorf("no-password unlocked capsule: want disclosure, got %+v", d)
	}
}

func TestEvaluateRepeatOpenNotFirst(t *testing.T) {
	// non-open-once capsules disclose repeatedly, but only the first
	// disclosure reports FirstOpen
	c := &domain.Capsule{UnlockAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), IsOpened: true}
	d := Evaluate(c, time.Now(), nil, staticVerifier{})
	if !d.Disclose || d.FirstOpen {
		t.Errorf("reopened capsule: want disclosure without FirstOpen, got %+v", d)
	}
}

func TestStateOf(t *testing.T) {
	unlock := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	before := unlock.Add(-time.Hour)
	after := unlock.Add(time.Hour)

	cases := []struct {
		name string
		c    domain.Capsule
		now  time.Time
		want State
	}{
		{"sealed", domain.Capsule{UnlockAt: unlock}, before, StateSealed},
		{"open", domain.Capsule{UnlockAt: unlock}, after, StateUnlockedOpen},
		{"locked", domain.Capsule{UnlockAt: unlock, PasswordHash: "x"}, after, StateUnlockedLocked},
		{"exhausted", domain.Capsule{UnlockAt: unlock, OpenOnce: true, IsOpened: true}, after, StateExhausted},
		{"opened not once", domain.Capsule{UnlockAt: unlock, IsOpened: true}, after, StateUnlockedOpen},
	}
	for _, tc := range cases {
		if got := StateOf(&tc.c, tc.now); got != tc.want {
			t.Errorf("%s: StateOf = %d, want %d", tc.name, got, tc.want)
		}
	}
}
