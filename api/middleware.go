package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/backoffice/auth"
)

type contextKey int

const (
	providerKey contextKey = iota
	tokenKey
)

const sessionCookieName = "backoffice_session"

// AuthMiddleware resolves the session cookie to its provider and stores
// it on the request context. Unknown tokens are restored from the gateway
// once; anything else is rejected with 401.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		token := cookie.Value

		p, err := a.sessions.restore(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrSessionNotFound) && !errors.Is(err, auth.ErrAccountDisabled) {
				a.logger.Warn("session restore failed", "error", err)
			}
			clearSessionCookie(w, r)
			writeError(w, http.StatusUnauthorized, "session expired or signed out")
			return
		}
		if !p.State().SignedIn() {
			// Ended between lookup and use.
			clearSessionCookie(w, r)
			writeError(w, http.StatusUnauthorized, "session expired or signed out")
			return
		}

		ctx := context.WithValue(r.Context(), providerKey, p)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func providerFromContext(ctx context.Context) *auth.Provider {
	p, _ := ctx.Value(providerKey).(*auth.Provider)
	return p
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
	// Without an absolute expiry it stays a browser-session cookie.
	if !expiresAt.IsZero() {
		cookie.Expires = expiresAt
	}
	http.SetCookie(w, cookie)
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// SecurityHeaders sets the response headers shared by the API and the
// embedded web app. Mount it before both.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "same-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; frame-ancestors 'none'")
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
