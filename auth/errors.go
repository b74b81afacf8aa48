package auth

import "errors"

var (
	// ErrInvalidCredentials indicates the email/password pair was rejected.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDisabled indicates the account's profile is inactive or suspended.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrSessionNotFound indicates the session token is unknown, revoked or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotSignedIn indicates the provider holds no session.
	ErrNotSignedIn = errors.New("not signed in")
)
