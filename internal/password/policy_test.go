package password

import (
	"errors"
	"testing"
)

func TestValidateAcceptsStrongPassword(t *testing.T) {
	if err := Validate("Abcdef1!"); err != nil {
		t.Fatalf("expected password to pass policy, got %v", err)
	}
	if err := Validate("Xy9#longenough"); err != nil {
		t.Fatalf("expected password to pass policy, got %v", err)
	}
}

func TestValidateRejectsMissingPassword(t *testing.T) {
	err := Validate("")
	if !errors.Is(err, ErrMissingPassword) {
		t.Fatalf("expected ErrMissingPassword, got %v", err)
	}
	if errors.Is(err, ErrWeakPassword) {
		t.Fatalf("missing password must be distinct from weak password, got %v", err)
	}
}

func TestValidateLengthBounds(t *testing.T) {
	if err := Validate("Ab1!xyz"); !errors.Is(err, ErrPasswordLength) {
		t.Fatalf("expected length violation for 7 characters, got %v", err)
	}
	if err := Validate("Ab1!abcdefghijklm"); !errors.Is(err, ErrPasswordLength) {
		t.Fatalf("expected length violation for 17 characters, got %v", err)
	}
	if err := Validate("Ab1!abcd"); err != nil {
		t.Fatalf("expected 8 characters to pass, got %v", err)
	}
	if err := Validate("Ab1!abcdefghijkl"); err != nil {
		t.Fatalf("expected 16 characters to pass, got %v", err)
	}
}

func TestValidateReportsFirstViolationInPriorityOrder(t *testing.T) {
	// Short AND missing uppercase: length must win.
	if err := Validate("ab1!x"); !errors.Is(err, ErrPasswordLength) {
		t.Fatalf("expected length to be reported first, got %v", err)
	}
	// No lowercase AND no digit: lowercase must win.
	if err := Validate("ABCDEFG!HI"); !errors.Is(err, ErrPasswordLowercase) {
		t.Fatalf("expected lowercase to be reported before digit, got %v", err)
	}
	if err := Validate("abcdefg!1hi"); !errors.Is(err, ErrPasswordUppercase) {
		t.Fatalf("expected uppercase violation, got %v", err)
	}
	if err := Validate("Abcdefg!hij"); !errors.Is(err, ErrPasswordDigit) {
		t.Fatalf("expected digit violation, got %v", err)
	}
	if err := Validate("Abcdefg1hij"); !errors.Is(err, ErrPasswordSymbol) {
		t.Fatalf("expected symbol violation, got %v", err)
	}
}

func TestValidateRuleErrorsWrapWeakPassword(t *testing.T) {
	for _, secret := range []string{"short", "ABCDEFG!1", "abcdefg!1", "Abcdefgh!", "Abcdefgh1"} {
		if err := Validate(secret); !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("expected %q to fail wrapping ErrWeakPassword, got %v", secret, err)
		}
	}
}
