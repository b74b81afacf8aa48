package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmcleod/backoffice/internal/uuid"
)

const (
	csrfCookieName = "backoffice_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware protects the session mutations of a signed-in browser
// (activity reports, extending the session, logout) with a
// double-submit token: the SPA copies the backoffice_csrf cookie into the
// X-CSRF-Token header.
//
// Only requests carrying the session cookie are checked. The session
// cookie is SameSite=Lax, so a cross-site POST arrives without it and has
// no session to act on. Sign-in is mounted outside this middleware since
// it issues a fresh token pair.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if c, err := r.Cookie(sessionCookieName); err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := r.Cookie(csrfCookieName)
		if err != nil || token.Value == "" {
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token.Value), []byte(r.Header.Get(csrfHeaderName))) != 1 {
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie issues a token readable from script. It expires with
// the session cookie so a persistent session never outlives its token.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request, expiresAt time.Time) {
	c := csrfCookie(r, uuid.New())
	if !expiresAt.IsZero() {
		c.Expires = expiresAt
	}
	http.SetCookie(w, c)
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	c := csrfCookie(r, "")
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}

func csrfCookie(r *http.Request, value string) *http.Cookie {
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/",
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	}
}
