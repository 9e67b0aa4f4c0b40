package app

import "errors"

// Messages of these errors are returned to clients as-is.
var (
	// ErrInvalidCredentials deliberately does not say whether the email exists.
	ErrInvalidCredentials       = errors.New("Incorrect email address or password")
	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrUserDisabled             = errors.New("user disabled")
	ErrUnauthorized             = errors.New("unauthorized")
)

// Sign-up.
var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// Refresh.
var (
	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
)

// Password change.
var (
	ErrUserNotFound            = errors.New("user not found")
	ErrPasswordNotSet          = errors.New("password not set")
	ErrCurrentPasswordRequired = errors.New("current password required")
	ErrNewPasswordRequired     = errors.New("new password required")
	ErrPasswordUnchanged       = errors.New("new password must differ from current password")
)
