// Package auth defines the authentication gateway contract and the
// per-client authentication context built on top of it.
package auth

import (
	"context"
	"time"
)

// Session is an authenticated session issued by a Gateway.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// User identifies the signed-in user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Role is a staff member's role in the back office.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
	RoleOwner   Role = "owner"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleAgent, RoleOwner:
		return true
	}
	return false
}

// Status is an account status.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// Profile is the application-side record attached to a user.
type Profile struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
	Status   Status `json:"status"`
}

// Enabled reports whether the profile may hold a session.
func (p Profile) Enabled() bool {
	return p.Status == StatusActive
}

// ChangeEvent is pushed by a Gateway when a session changes outside the
// caller's control. A nil Session means Token is no longer signed in.
type ChangeEvent struct {
	Token   string
	Session *Session
}

// Gateway is the authentication backend.
type Gateway interface {
	// SignIn exchanges credentials for a session.
	SignIn(ctx context.Context, email, password string) (*Session, error)
	// SignOut terminates the session. Callers must not let its failure
	// block local teardown.
	SignOut(ctx context.Context, token string) error
	// GetSession returns the live session for token.
	GetSession(ctx context.Context, token string) (*Session, error)
	// OnSessionChange registers fn for change notifications.
	OnSessionChange(fn func(ChangeEvent)) (unsubscribe func())
}

// ProfileLoader is implemented by gateways that also serve profiles.
type ProfileLoader interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// Warmer pre-loads per-user data after sign-in.
type Warmer interface {
	Warm(ctx context.Context, userID string) error
	Invalidate(userID string)
}
