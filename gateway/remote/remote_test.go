package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/internal/clock"
)

const testAPIKey = "anon-key"

// fakeBackend is a minimal GoTrue + PostgREST stand-in. Access tokens
// expire after ttl on the fake clock; refresh tokens are single use.
type fakeBackend struct {
	clock     clock.Clock
	ttl       time.Duration
	noRefresh bool

	mu        sync.Mutex
	issued    int
	tokens    map[string]accessGrant
	refreshes map[string]string // refresh token -> user ID
	profiles  map[string]remoteProfile
	failNext  int
	logouts   int
	refreshed int
}

type accessGrant struct {
	userID  string
	expires time.Time
}

func newFakeBackend(clk clock.Clock) *fakeBackend {
	return &fakeBackend{
		clock:     clk,
		ttl:       time.Hour,
		tokens:    make(map[string]accessGrant),
		refreshes: make(map[string]string),
		profiles: map[string]remoteProfile{
			"u-1": {ID: "u-1", FullName: "Morgan Agent", Role: "agent", Status: "active"},
		},
	}
}

// grant issues a token pair for userID. Callers hold b.mu.
func (b *fakeBackend) grant(userID, email string) map[string]any {
	b.issued++
	access := fmt.Sprintf("jwt-%d", b.issued)
	b.tokens[access] = accessGrant{userID: userID, expires: b.clock.Now().Add(b.ttl)}
	resp := map[string]any{
		"access_token": access,
		"token_type":   "bearer",
		"expires_in":   int(b.ttl / time.Second),
		"user":         map[string]string{"id": userID, "email": email},
	}
	if !b.noRefresh {
		refresh := fmt.Sprintf("rt-%d", b.issued)
		b.refreshes[refresh] = userID
		resp["refresh_token"] = refresh
	}
	return resp
}

// userFor returns the user behind a live access token. Callers hold b.mu.
func (b *fakeBackend) userFor(access string) (string, bool) {
	g, ok := b.tokens[access]
	if !ok || !b.clock.Now().Before(g.expires) {
		return "", false
	}
	return g.userID, true
}

func (b *fakeBackend) router(t *testing.T) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("apikey") != testAPIKey {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "No API key found in request"})
				return
			}
			b.mu.Lock()
			fail := b.failNext > 0
			if fail {
				b.failNext--
			}
			b.mu.Unlock()
			if fail {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "upstream unavailable"})
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Post("/auth/v1/token", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Email        string `json:"email"`
			Password     string `json:"password"`
			RefreshToken string `json:"refresh_token"`
		}
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		invalid := map[string]string{"error": "invalid_grant", "error_description": "Invalid login credentials"}

		b.mu.Lock()
		defer b.mu.Unlock()
		switch req.URL.Query().Get("grant_type") {
		case "password":
			if body.Email != "agent@example.com" || body.Password != "pw" {
				writeJSON(w, http.StatusBadRequest, invalid)
				return
			}
			writeJSON(w, http.StatusOK, b.grant("u-1", body.Email))
		case "refresh_token":
			userID, ok := b.refreshes[body.RefreshToken]
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error":             "invalid_grant",
					"error_description": "Invalid Refresh Token: Already Used",
				})
				return
			}
			delete(b.refreshes, body.RefreshToken)
			b.refreshed++
			writeJSON(w, http.StatusOK, b.grant(userID, "agent@example.com"))
		default:
			t.Errorf("unexpected grant_type %q", req.URL.Query().Get("grant_type"))
			writeJSON(w, http.StatusBadRequest, invalid)
		}
	})

	r.Post("/auth/v1/logout", func(w http.ResponseWriter, req *http.Request) {
		token := bearer(req)
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.userFor(token); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid JWT"})
			return
		}
		delete(b.tokens, token)
		clear(b.refreshes)
		b.logouts++
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/auth/v1/user", func(w http.ResponseWriter, req *http.Request) {
		b.mu.Lock()
		userID, ok := b.userFor(bearer(req))
		b.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid JWT: token is expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": userID, "email": "agent@example.com"})
	})

	r.Get("/rest/v1/profiles", func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Query().Get("id"), "eq.")
		b.mu.Lock()
		p, ok := b.profiles[id]
		b.mu.Unlock()
		rows := []remoteProfile{}
		if ok {
			rows = append(rows, p)
		}
		writeJSON(w, http.StatusOK, rows)
	})
	return r
}

func (b *fakeBackend) failRequests(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

func (b *fakeBackend) logoutCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logouts
}

func (b *fakeBackend) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshed
}

func (b *fakeBackend) revokeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.tokens)
	clear(b.refreshes)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeBackend, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	backend := newFakeBackend(fake)
	return startTestClient(t, backend, fake, opts...), backend, fake
}

func startTestClient(t *testing.T, backend *fakeBackend, fake *clock.FakeClock, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(backend.router(t))
	t.Cleanup(srv.Close)

	opts = append([]Option{
		WithClock(fake),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPollInterval(0),
	}, opts...)
	c, err := New(srv.URL+"/", testAPIKey, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewValidation(t *testing.T) {
	_, err := New("ftp://example.com", testAPIKey)
	assert.Error(t, err)
	_, err = New("https://example.com", "")
	assert.Error(t, err)
}

func TestSignInAndGetSession(t *testing.T) {
	ctx := context.Background()
	c, _, fake := newTestClient(t)

	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u-1", session.UserID)
	assert.Equal(t, fake.Now(), session.IssuedAt)
	assert.True(t, session.ExpiresAt.IsZero(), "a refreshable session has no absolute expiry")

	got, err := c.GetSession(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Token, got.Token)
	assert.Equal(t, "agent@example.com", got.Email)
}

func TestSignInWithoutRefreshTokenExpiresWithAccessToken(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	backend := newFakeBackend(fake)
	backend.noRefresh = true
	c := startTestClient(t, backend, fake)

	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, fake.Now().Add(time.Hour), session.ExpiresAt)

	fake.Advance(time.Hour + time.Minute)
	assert.Equal(t, 1, c.Validate(ctx))
}

func TestExpiredAccessTokenIsRefreshed(t *testing.T) {
	ctx := context.Background()
	c, backend, fake := newTestClient(t)
	var (
		mu     sync.Mutex
		events []auth.ChangeEvent
	)
	c.OnSessionChange(func(ev auth.ChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	fake.Advance(time.Hour + time.Minute)
	got, err := c.GetSession(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Token, got.Token, "the handle survives the refresh")
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, 1, backend.refreshCount())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, session.Token, events[1].Token)
	require.NotNil(t, events[1].Session, "a refresh is pushed as a session update")
}

func TestValidateRefreshesInsteadOfDropping(t *testing.T) {
	ctx := context.Background()
	c, backend, fake := newTestClient(t)
	var revoked []string
	c.OnSessionChange(func(ev auth.ChangeEvent) {
		if ev.Session == nil {
			revoked = append(revoked, ev.Token)
		}
	})
	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	// Inside the refresh lead.
	fake.Advance(time.Hour - time.Minute)
	assert.Equal(t, 0, c.Validate(ctx))
	assert.Equal(t, 1, backend.refreshCount())

	// Past the expiry of the second access token.
	fake.Advance(time.Hour + time.Minute)
	assert.Equal(t, 0, c.Validate(ctx))
	assert.Equal(t, 2, backend.refreshCount())
	assert.Empty(t, revoked)

	// A refresh token the backend no longer accepts is a real revocation.
	backend.revokeAll()
	fake.Advance(time.Hour)
	assert.Equal(t, 1, c.Validate(ctx))
	assert.Equal(t, []string{session.Token}, revoked)
}

func TestValidateKeepsSessionOnRefreshOutage(t *testing.T) {
	ctx := context.Background()
	c, backend, fake := newTestClient(t)
	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	fake.Advance(time.Hour - time.Minute)
	backend.failRequests(1)
	assert.Equal(t, 0, c.Validate(ctx))
	assert.Equal(t, 0, backend.refreshCount())

	assert.Equal(t, 0, c.Validate(ctx))
	assert.Equal(t, 1, backend.refreshCount())
	_, err = c.GetSession(ctx, session.Token)
	assert.NoError(t, err)
}

func TestSignOutUsesRefreshedAccessToken(t *testing.T) {
	ctx := context.Background()
	c, backend, fake := newTestClient(t)
	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	fake.Advance(time.Hour + time.Minute)
	require.Equal(t, 0, c.Validate(ctx))

	require.NoError(t, c.SignOut(ctx, session.Token))
	assert.Equal(t, 1, backend.logoutCount())
}

func TestSignInInvalidCredentials(t *testing.T) {
	c, _, _ := newTestClient(t)
	_, err := c.SignIn(context.Background(), "agent@example.com", "nope")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestServerErrorsSurface(t *testing.T) {
	c, backend, _ := newTestClient(t)
	backend.failRequests(1)

	_, err := c.SignIn(context.Background(), "agent@example.com", "pw")
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestClient(t)
	var events []auth.ChangeEvent
	c.OnSessionChange(func(ev auth.ChangeEvent) { events = append(events, ev) })

	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)
	require.NoError(t, c.SignOut(ctx, session.Token))
	assert.Equal(t, 1, backend.logoutCount())

	require.Len(t, events, 2)
	assert.NotNil(t, events[0].Session)
	assert.Nil(t, events[1].Session)
	assert.Equal(t, session.Token, events[1].Token)

	_, err = c.GetSession(ctx, session.Token)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
	assert.ErrorIs(t, c.SignOut(ctx, session.Token), auth.ErrSessionNotFound)
}

func TestSignOutNetworkFailure(t *testing.T) {
	ctx := context.Background()
	c, backend, fake := newTestClient(t)
	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	backend.failRequests(1)
	err = c.SignOut(ctx, session.Token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrSessionNotFound)

	// The session is no longer tracked, so it is left to expire.
	fake.Advance(time.Hour - time.Minute)
	c.Validate(ctx)
	assert.Equal(t, 0, backend.refreshCount())
}

func TestGetProfile(t *testing.T) {
	c, _, _ := newTestClient(t)

	profile, err := c.GetProfile(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAgent, profile.Role)
	assert.Equal(t, auth.StatusActive, profile.Status)
	assert.Equal(t, "Morgan Agent", profile.FullName)

	_, err = c.GetProfile(context.Background(), "u-missing")
	assert.Error(t, err)
}

func TestValidateReportsRevocation(t *testing.T) {
	ctx := context.Background()
	c, backend, _ := newTestClient(t)
	var (
		mu      sync.Mutex
		revoked []string
	)
	c.OnSessionChange(func(ev auth.ChangeEvent) {
		if ev.Session == nil {
			mu.Lock()
			revoked = append(revoked, ev.Token)
			mu.Unlock()
		}
	})
	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	assert.Equal(t, 0, c.Validate(ctx))

	backend.revokeAll()
	assert.Equal(t, 1, c.Validate(ctx))
	assert.Equal(t, []string{session.Token}, revoked)
	assert.Equal(t, 0, c.Validate(ctx))
}

func TestPollLoop(t *testing.T) {
	ctx := context.Background()
	c, backend, fake := newTestClient(t, WithPollInterval(time.Minute))
	revoked := make(chan string, 1)
	c.OnSessionChange(func(ev auth.ChangeEvent) {
		if ev.Session == nil {
			revoked <- ev.Token
		}
	})
	session, err := c.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	backend.revokeAll()
	fake.Advance(time.Minute)

	select {
	case token := <-revoked:
		assert.Equal(t, session.Token, token)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not report the revoked session")
	}
}

func TestProviderOverRemote(t *testing.T) {
	c, backend, fake := newTestClient(t)
	p := auth.NewProvider(c,
		auth.WithClock(fake),
		auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer p.Close()

	state, err := p.SignIn(context.Background(), "agent@example.com", "pw")
	require.NoError(t, err)
	require.NotNil(t, state.Profile)
	assert.Equal(t, auth.RoleAgent, state.Profile.Role)

	fake.Advance(30 * time.Minute)
	assert.False(t, p.State().SignedIn())
	assert.Equal(t, 1, backend.logoutCount())
	_, err = c.GetSession(context.Background(), state.Session.Token)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound, "expiry must revoke the remote session")
}

func TestActiveProviderOutlivesAccessToken(t *testing.T) {
	ctx := context.Background()
	c, backend, fake := newTestClient(t)
	p := auth.NewProvider(c,
		auth.WithClock(fake),
		auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer p.Close()

	state, err := p.SignIn(ctx, "agent@example.com", "pw")
	require.NoError(t, err)

	// Working steadily for two hours, with the poller running every ten
	// minutes.
	for i := 0; i < 12; i++ {
		fake.Advance(10 * time.Minute)
		p.RecordActivity()
		assert.Equal(t, 0, c.Validate(ctx))
	}

	current := p.State()
	require.True(t, current.SignedIn())
	assert.Equal(t, state.Session.Token, current.Session.Token)
	assert.GreaterOrEqual(t, backend.refreshCount(), 2)
	assert.Equal(t, 0, backend.logoutCount())
}
