// Package remote implements auth.Gateway against a hosted GoTrue-compatible
// auth service with a PostgREST profiles table.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/internal/clock"
)

const (
	// DefaultPollInterval is how often tracked sessions are re-validated.
	DefaultPollInterval = time.Minute
	// DefaultRefreshLead is how long before its access token expires a
	// session is refreshed by the poller.
	DefaultRefreshLead = 2 * time.Minute
)

const userAgent = "Backoffice-Auth-Client/1.0"

// Client is an auth.Gateway and auth.ProfileLoader for a hosted backend.
//
// Sessions created through SignIn or seen through GetSession are tracked
// and re-validated every poll interval; a session the backend no longer
// accepts is reported to listeners as signed out.
//
// The token handed to callers is the first access token of the session.
// It stays the session's handle after the backend rotates the access
// token through the refresh grant, so cookies and provider registries
// keyed by it keep working.
type Client struct {
	baseURL      *url.URL
	apiKey       string
	http         *http.Client
	logger       *slog.Logger
	clock        clock.Clock
	pollInterval time.Duration
	refreshLead  time.Duration

	mu           sync.Mutex
	tracked      map[string]*remoteSession
	listeners    map[uint64]func(auth.ChangeEvent)
	nextListener uint64

	// refreshMu serializes refresh grants; refresh tokens are single use.
	refreshMu sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// remoteSession holds the backend credentials behind a session handle.
type remoteSession struct {
	session       auth.Session
	accessToken   string
	refreshToken  string
	accessExpires time.Time
}

var (
	_ auth.Gateway       = (*Client)(nil)
	_ auth.ProfileLoader = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock sets the time source for the validation poller.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithPollInterval sets the validation interval. Zero disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithRefreshLead sets how long before access token expiry the poller
// refreshes a session.
func WithRefreshLead(d time.Duration) Option {
	return func(c *Client) { c.refreshLead = d }
}

// New creates a client for the backend at baseURL using the project's
// public API key.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", baseURL)
	}
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}
	c := &Client{
		baseURL:      u,
		apiKey:       apiKey,
		http:         &http.Client{Timeout: 10 * time.Second},
		pollInterval: DefaultPollInterval,
		refreshLead:  DefaultRefreshLead,
		tracked:      make(map[string]*remoteSession),
		listeners:    make(map[uint64]func(auth.ChangeEvent)),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	c.logger = c.logger.With("component", "remote_gateway")

	if c.pollInterval > 0 {
		go c.pollLoop(c.clock.NewTicker(c.pollInterval))
	} else {
		close(c.done)
	}
	return c, nil
}

// Close stops the validation poller.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.done
	})
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	User         remoteUser `json:"user"`
}

// accessExpiry returns when the access token stops being accepted, or
// the zero time when the backend did not say.
func (r tokenResponse) accessExpiry(now time.Time) time.Time {
	switch {
	case r.ExpiresAt > 0:
		return time.Unix(r.ExpiresAt, 0).UTC()
	case r.ExpiresIn > 0:
		return now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

type remoteUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type remoteProfile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	Status   string `json:"status"`
}

// apiError covers both GoTrue and PostgREST error bodies.
type apiError struct {
	Status           int    `json:"-"`
	Code             any    `json:"code,omitempty"`
	ErrorCode        string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	Msg              string `json:"msg,omitempty"`
	Message          string `json:"message,omitempty"`
}

func (e *apiError) Error() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.ErrorCode} {
		if s != "" {
			return fmt.Sprintf("backend returned %d: %s", e.Status, s)
		}
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// SignIn exchanges email and password for an access token.
func (c *Client) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"password"}}, "", body, &resp)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnauthorized) {
			return nil, auth.ErrInvalidCredentials
		}
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, errors.New("backend returned no access token")
	}

	now := c.clock.Now().UTC()
	rs := &remoteSession{
		session: auth.Session{
			Token:    resp.AccessToken,
			UserID:   resp.User.ID,
			Email:    resp.User.Email,
			IssuedAt: now,
		},
		accessToken:   resp.AccessToken,
		refreshToken:  resp.RefreshToken,
		accessExpires: resp.accessExpiry(now),
	}
	// A refreshable session has no absolute expiry; it lasts until
	// sign-out, revocation or the refresh token is rejected.
	if rs.refreshToken == "" {
		rs.session.ExpiresAt = rs.accessExpires
	}
	session := rs.session

	c.mu.Lock()
	c.tracked[session.Token] = rs
	c.mu.Unlock()
	c.notify(auth.ChangeEvent{Token: session.Token, Session: &session})
	return &session, nil
}

// SignOut revokes the session's current access token. The session stops
// being tracked, and so refreshed, even when the backend call fails.
func (c *Client) SignOut(ctx context.Context, token string) error {
	access, _, _ := c.credentials(token)
	err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, access, nil, nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			err = auth.ErrSessionNotFound
		}
	}
	if c.untrack(token) {
		c.notify(auth.ChangeEvent{Token: token})
	}
	return err
}

// GetSession validates token against the backend. An access token the
// backend rejects is refreshed once before the session is reported gone.
func (c *Client) GetSession(ctx context.Context, token string) (*auth.Session, error) {
	access, refresh, _ := c.credentials(token)
	user, err := c.fetchUser(ctx, access)
	if errors.Is(err, auth.ErrSessionNotFound) && refresh != "" {
		if err = c.refresh(ctx, token, refresh); err == nil {
			access, _, _ = c.credentials(token)
			user, err = c.fetchUser(ctx, access)
		}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	rs, ok := c.tracked[token]
	if !ok {
		rs = &remoteSession{
			session:     auth.Session{Token: token, IssuedAt: c.clock.Now().UTC()},
			accessToken: token,
		}
		c.tracked[token] = rs
	}
	rs.session.UserID = user.ID
	rs.session.Email = user.Email
	session := rs.session
	c.mu.Unlock()
	return &session, nil
}

func (c *Client) fetchUser(ctx context.Context, access string) (*remoteUser, error) {
	var user remoteUser
	err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, access, nil, &user)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return nil, auth.ErrSessionNotFound
		}
		return nil, err
	}
	return &user, nil
}

// credentials returns the current access token behind a handle. An
// untracked handle, such as a cookie presented after a restart, is used
// as the access token itself and cannot be refreshed.
func (c *Client) credentials(token string) (access, refresh string, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.tracked[token]
	if !ok {
		return token, "", time.Time{}
	}
	return rs.accessToken, rs.refreshToken, rs.accessExpires
}

// refresh runs the refresh grant for token, unless another caller
// already rotated stale away. A rejected refresh token means the session
// is gone and yields auth.ErrSessionNotFound. Listeners receive the
// refreshed session.
func (c *Client) refresh(ctx context.Context, token, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	_, current, _ := c.credentials(token)
	if current == "" {
		return auth.ErrSessionNotFound
	}
	if current != stale {
		return nil
	}

	var resp tokenResponse
	body := map[string]string{"refresh_token": current}
	err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"refresh_token"}}, "", body, &resp)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnauthorized) {
			return auth.ErrSessionNotFound
		}
		return fmt.Errorf("refreshing session: %w", err)
	}
	if resp.AccessToken == "" {
		return errors.New("backend returned no access token")
	}

	now := c.clock.Now().UTC()
	c.mu.Lock()
	rs, ok := c.tracked[token]
	if !ok {
		// Signed out while the grant was in flight.
		c.mu.Unlock()
		return auth.ErrSessionNotFound
	}
	rs.accessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		rs.refreshToken = resp.RefreshToken
	}
	rs.accessExpires = resp.accessExpiry(now)
	session := rs.session
	c.mu.Unlock()

	c.logger.Debug("session refreshed", "user", session.UserID)
	c.notify(auth.ChangeEvent{Token: token, Session: &session})
	return nil
}

// GetProfile reads the profiles table.
func (c *Client) GetProfile(ctx context.Context, userID string) (*auth.Profile, error) {
	query := url.Values{
		"id":     {"eq." + userID},
		"select": {"id,full_name,role,status"},
	}
	var rows []remoteProfile
	if err := c.do(ctx, http.MethodGet, "/rest/v1/profiles", query, "", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no profile for user %s", userID)
	}
	row := rows[0]
	profile := &auth.Profile{
		UserID:   row.ID,
		FullName: row.FullName,
		Role:     auth.Role(row.Role),
		Status:   auth.Status(row.Status),
	}
	if profile.Status == "" {
		profile.Status = auth.StatusActive
	}
	return profile, nil
}

// OnSessionChange registers fn for change notifications.
func (c *Client) OnSessionChange(fn func(auth.ChangeEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Validate refreshes sessions whose access token is about to expire,
// re-checks every tracked session and reports the revoked ones as signed
// out. It returns the number of sessions dropped.
func (c *Client) Validate(ctx context.Context) int {
	c.mu.Lock()
	tokens := make([]string, 0, len(c.tracked))
	for token := range c.tracked {
		tokens = append(tokens, token)
	}
	c.mu.Unlock()

	now := c.clock.Now()
	dropped := 0
	for _, token := range tokens {
		var err error
		_, refresh, expires := c.credentials(token)
		if refresh != "" && !expires.IsZero() && !now.Before(expires.Add(-c.refreshLead)) {
			err = c.refresh(ctx, token, refresh)
		}
		if err == nil {
			_, err = c.GetSession(ctx, token)
		}
		if errors.Is(err, auth.ErrSessionNotFound) {
			if c.untrack(token) {
				c.notify(auth.ChangeEvent{Token: token})
				dropped++
			}
			continue
		}
		if err != nil {
			c.logger.Warn("session validation failed", "error", err)
		}
	}
	return dropped
}

func (c *Client) pollLoop(ticker *clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.Validate(context.Background()); n > 0 {
				c.logger.Info("remote sessions revoked", "count", n)
			}
		}
	}
}

func (c *Client) untrack(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[token]
	delete(c.tracked, token)
	return ok
}

func (c *Client) notify(ev auth.ChangeEvent) {
	c.mu.Lock()
	fns := make([]func(auth.ChangeEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// do sends a request. bearer defaults to the API key. A non-2xx status
// is returned as *apiError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
