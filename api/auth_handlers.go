package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/internal/util"
)

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	email := util.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	// Check rate limits before any expensive work: global, IP, email.
	clientIP := a.clientIP(r)
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited", slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(email); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "account rate limited")
		writeRateLimited(w, retryAfter, "too many failed login attempts; try again later")
		return
	}

	p := a.newProvider()
	state, err := p.SignIn(r.Context(), email, req.Password)
	if err != nil {
		p.Close()
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			a.globalLimiter.recordFailure()
			a.ipLimiter.recordFailure(clientIP)
			a.rateLimiter.recordFailure(email)
			a.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
		case errors.Is(err, auth.ErrAccountDisabled):
			a.audit.logFailure(AuditLoginFailure, r, "account disabled")
		default:
			a.logger.Error("sign-in failed", "error", err)
		}
		mapError(w, err)
		return
	}
	a.rateLimiter.recordSuccess(email)
	a.ipLimiter.recordSuccess(clientIP)

	// A new sign-in replaces whatever session this browser held.
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != state.Session.Token {
		a.endBrowserSession(r.Context(), cookie.Value)
	}

	a.sessions.put(state.Session.Token, p)
	writeSessionCookie(w, r, state.Session.Token, state.Session.ExpiresAt)
	writeCSRFCookie(w, r, state.Session.ExpiresAt)

	a.audit.log(r.Context(), AuditLoginSuccess, r, state.Session.UserID)
	writeJSON(w, http.StatusOK, newSessionResponse(state))
}

// Logout handles POST /auth/logout. Local state is always cleared; the
// response reports whether the backend accepted the sign-out.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	resp := LogoutResponse{RemoteSignOut: "ok"}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		userID, err := a.endBrowserSession(r.Context(), cookie.Value)
		if err != nil {
			resp.RemoteSignOut = "failed"
		}
		a.audit.log(r.Context(), AuditLogout, r, userID)
	}
	clearSessionCookie(w, r)
	clearCSRFCookie(w, r)
	writeJSON(w, http.StatusOK, resp)
}

// endBrowserSession signs token out, through its provider when one is
// registered. Tokens the backend no longer knows count as signed out.
func (a *API) endBrowserSession(ctx context.Context, token string) (userID string, err error) {
	if p, ok := a.sessions.get(token); ok {
		if state := p.State(); state.User != nil {
			userID = state.User.ID
		}
		err = p.SignOut(ctx)
	} else {
		a.sessions.end(token)
		err = a.gateway.SignOut(ctx, token)
	}
	if errors.Is(err, auth.ErrSessionNotFound) || errors.Is(err, auth.ErrNotSignedIn) {
		return userID, nil
	}
	return userID, err
}

// GetSession handles GET /auth/session.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	p := providerFromContext(r.Context())
	writeJSON(w, http.StatusOK, newSessionResponse(p.State()))
}

var activityKinds = map[string]bool{
	"pointer": true,
	"key":     true,
	"scroll":  true,
	"touch":   true,
}

// RecordActivity handles POST /auth/activity.
func (a *API) RecordActivity(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ActivityRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if !activityKinds[req.Kind] {
		writeError(w, http.StatusBadRequest, "kind must be pointer, key, scroll or touch")
		return
	}
	if !a.activity.allow(tokenFromContext(r.Context())) {
		writeRateLimited(w, 0, "activity reported too often")
		return
	}
	providerFromContext(r.Context()).RecordActivity()
	w.WriteHeader(http.StatusNoContent)
}

// ExtendSession handles POST /auth/session/extend.
func (a *API) ExtendSession(w http.ResponseWriter, r *http.Request) {
	p := providerFromContext(r.Context())
	if err := p.ExtendSession(); err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(p.State()))
}
