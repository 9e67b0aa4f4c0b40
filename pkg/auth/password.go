package auth

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const MinPasswordLength = 12

var (
	ErrPasswordTooShort     = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordMissingUpper = errors.New("password must contain an uppercase letter")
	ErrPasswordMissingLower = errors.New("password must contain a lowercase letter")
	ErrPasswordMissingDigit = errors.New("password must contain a digit")
	ErrPasswordMissingOther = errors.New("password must contain a special character")
)

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a bcrypt hash.
func CheckPassword(password, stored string) bool {
	if stored == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ValidatePassword enforces the sign-up password policy.
func ValidatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	var upper, lower, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			other = true
		}
	}
	switch {
	case !upper:
		return ErrPasswordMissingUpper
	case !lower:
		return ErrPasswordMissingLower
	case !digit:
		return ErrPasswordMissingDigit
	case !other:
		return ErrPasswordMissingOther
	}
	return nil
}
