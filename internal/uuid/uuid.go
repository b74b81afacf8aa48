// Package uuid wraps github.com/google/uuid for session tokens and record IDs.
package uuid

import "github.com/google/uuid"

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID. Tokens arriving from cookies
// are checked before touching storage.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
