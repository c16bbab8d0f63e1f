package provider

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinSecretLength is the shortest password accepted when creating accounts
const MinSecretLength = 6

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail reports whether email looks like an address
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// ValidateCredentials checks sign-in input before any network call
func ValidateCredentials(email, secret string) error {
	if !ValidEmail(strings.TrimSpace(email)) || secret == "" {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidateNewAccount checks account creation input
func ValidateNewAccount(email, secret string) error {
	if !ValidEmail(strings.TrimSpace(email)) {
		return ErrInvalidCredentials
	}
	if utf8.RuneCountInString(secret) < MinSecretLength {
		return ErrWeakSecret
	}
	return nil
}
