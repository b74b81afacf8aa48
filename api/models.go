package api

import (
	"time"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/guard"
)

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ActivityRequest is the JSON body for POST /auth/activity. Kind is one of
// pointer, key, scroll or touch.
type ActivityRequest struct {
	Kind string `json:"kind"`
}

// SessionResponse describes the signed-in session and its inactivity
// guard. RemainingTimeMs is null outside the warning window.
type SessionResponse struct {
	SignedIn              bool          `json:"signed_in"`
	Phase                 guard.Phase   `json:"phase"`
	SessionTimeoutWarning bool          `json:"session_timeout_warning"`
	RemainingTimeMs       *int64        `json:"remaining_time_ms"`
	LastActivityAt        *time.Time    `json:"last_activity_at,omitempty"`
	ExpiresAt             *time.Time    `json:"expires_at,omitempty"`
	User                  *auth.User    `json:"user,omitempty"`
	Profile               *auth.Profile `json:"profile,omitempty"`
}

// LogoutResponse is returned from POST /auth/logout. RemoteSignOut is
// "failed" when the backend could not be reached; the local session is
// gone either way.
type LogoutResponse struct {
	RemoteSignOut string `json:"remote_sign_out"`
}

// ListDatasetsResponse is returned from GET /cache.
type ListDatasetsResponse struct {
	Datasets []string `json:"datasets"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

func newSessionResponse(state auth.State) SessionResponse {
	snap := state.Guard
	resp := SessionResponse{
		SignedIn:              state.SignedIn(),
		Phase:                 snap.Phase,
		SessionTimeoutWarning: snap.WarningActive,
		User:                  state.User,
		Profile:               state.Profile,
	}
	if ms, ok := snap.RemainingMs(); ok {
		resp.RemainingTimeMs = &ms
	}
	if !snap.LastActivityAt.IsZero() {
		at := snap.LastActivityAt.UTC()
		resp.LastActivityAt = &at
	}
	if state.Session != nil && !state.Session.ExpiresAt.IsZero() {
		at := state.Session.ExpiresAt.UTC()
		resp.ExpiresAt = &at
	}
	return resp
}
