// Package password validates user-chosen passwords against the strength policy
// applied to credential-based registration and password resets. Federated
// sign-ins never pass through here: their effective secret is an opaque
// provider token, not a user-chosen password.
package password

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	minLength = 8
	maxLength = 16

	symbolSet = "!@#$%^&*()_+-=[]{};':\"\\|,.<>/?~`"
)

var (
	// ErrMissingPassword indicates no password was supplied at all.
	ErrMissingPassword = errors.New("password: password is required")
	// ErrWeakPassword is the base error wrapped by every policy violation.
	ErrWeakPassword = errors.New("password: password too weak")

	ErrPasswordLength    = fmt.Errorf("%w: length must be between %d and %d characters", ErrWeakPassword, minLength, maxLength)
	ErrPasswordLowercase = fmt.Errorf("%w: at least one lowercase letter required", ErrWeakPassword)
	ErrPasswordUppercase = fmt.Errorf("%w: at least one uppercase letter required", ErrWeakPassword)
	ErrPasswordDigit     = fmt.Errorf("%w: at least one digit required", ErrWeakPassword)
	ErrPasswordSymbol    = fmt.Errorf("%w: at least one symbol required", ErrWeakPassword)
)

// Validate checks the password against every policy rule and returns the first
// violation in priority order: presence, length, lowercase, uppercase, digit,
// symbol.
func Validate(secret string) error {
	if secret == "" {
		return ErrMissingPassword
	}

	runes := []rune(secret)
	if len(runes) < minLength || len(runes) > maxLength {
		return ErrPasswordLength
	}

	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range runes {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(symbolSet, r):
			hasSymbol = true
		}
	}

	if !hasLower {
		return ErrPasswordLowercase
	}
	if !hasUpper {
		return ErrPasswordUppercase
	}
	if !hasDigit {
		return ErrPasswordDigit
	}
	if !hasSymbol {
		return ErrPasswordSymbol
	}
	return nil
}
