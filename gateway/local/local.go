// Package local implements auth.Gateway on top of a storage.Repository.
//
// Accounts are keyed by normalized email and hold an argon2id password
// hash. Sessions are random UUID tokens with an absolute lifetime, stored
// AES-256-GCM sealed under a session key. The session key is itself
// sealed with an externally provided wrapping key before it is persisted,
// and is kept in a memguard enclave while the gateway runs.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/internal/clock"
	"github.com/jmcleod/backoffice/internal/util"
	"github.com/jmcleod/backoffice/internal/uuid"
	"github.com/jmcleod/backoffice/storage"
)

const (
	namespace             = "__auth"
	accountType           = "ACCOUNT"
	profileType           = "PROFILE"
	sessionType           = "SESSION"
	sessionKeyType        = "SESSION_KEY"
	sessionKeyID          = "current"
	sessionAADPrefix      = "session:"
	sessionKeyWrappingAAD = "backoffice:session_key:v1"

	// DefaultSessionLifetime is the absolute lifetime of a session token.
	DefaultSessionLifetime = 12 * time.Hour
	// DefaultSweepInterval is how often expired sessions are removed.
	DefaultSweepInterval = 5 * time.Minute
)

var (
	// ErrInvalidCredentials is returned for an unknown email or wrong password.
	ErrInvalidCredentials = auth.ErrInvalidCredentials
	// ErrAccountDisabled is returned when the account is inactive or suspended.
	ErrAccountDisabled = auth.ErrAccountDisabled
	// ErrSessionNotFound is returned for unknown, revoked or expired tokens.
	ErrSessionNotFound = auth.ErrSessionNotFound
	// ErrAccountExists is returned by CreateAccount for a taken email.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when no account matches the email.
	ErrAccountNotFound = errors.New("account not found")
)

type account struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type sessionRecord struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r sessionRecord) session(token string) *auth.Session {
	return &auth.Session{
		Token:     token,
		UserID:    r.UserID,
		Email:     r.Email,
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

// Gateway is a self-hosted auth.Gateway and auth.ProfileLoader.
type Gateway struct {
	repo           storage.Repository
	key            *memguard.Enclave
	clock          clock.Clock
	logger         *slog.Logger
	lifetime       time.Duration
	sweepInterval  time.Duration
	passwordParams util.PasswordParams

	mu           sync.Mutex
	listeners    map[uint64]func(auth.ChangeEvent)
	nextListener uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

var (
	_ auth.Gateway       = (*Gateway)(nil)
	_ auth.ProfileLoader = (*Gateway)(nil)
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the time source for session expiry and the sweeper.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithSessionLifetime sets the absolute session lifetime.
func WithSessionLifetime(d time.Duration) Option {
	return func(g *Gateway) { g.lifetime = d }
}

// WithSweepInterval sets how often expired sessions are removed.
// Zero disables the background sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(g *Gateway) { g.sweepInterval = d }
}

// WithPasswordParams sets the argon2id cost for new password hashes.
func WithPasswordParams(p util.PasswordParams) Option {
	return func(g *Gateway) { g.passwordParams = p }
}

// New opens the gateway over repo. wrappingKey (32 bytes) seals the
// session key at rest and is never stored.
func New(ctx context.Context, repo storage.Repository, wrappingKey []byte, opts ...Option) (*Gateway, error) {
	if len(wrappingKey) != util.SealKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.SealKeySize, len(wrappingKey))
	}
	g := &Gateway{
		repo:           repo,
		lifetime:       DefaultSessionLifetime,
		sweepInterval:  DefaultSweepInterval,
		passwordParams: util.DefaultPasswordParams(),
		listeners:      make(map[uint64]func(auth.ChangeEvent)),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.logger = g.logger.With("component", "local_gateway")

	key, err := loadOrCreateSessionKey(ctx, repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	g.key = memguard.NewEnclave(key)

	if g.sweepInterval > 0 {
		go g.sweepLoop(g.clock.NewTicker(g.sweepInterval))
	} else {
		close(g.done)
	}
	return g, nil
}

// Close stops the sweeper. The repository is not closed.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		<-g.done
	})
}

// CreateAccount registers an active account.
func (g *Gateway) CreateAccount(ctx context.Context, email, password, fullName string, role auth.Role) (*auth.Profile, error) {
	email = util.NormalizeEmail(email)
	if email == "" {
		return nil, errors.New("email is required")
	}
	if password == "" {
		return nil, errors.New("password is required")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	hash, err := util.HashPassword(password, g.passwordParams)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	acct := account{
		UserID:       uuid.New(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    g.clock.Now().UTC(),
	}
	profile := auth.Profile{UserID: acct.UserID, FullName: fullName, Role: role, Status: auth.StatusActive}

	acctEnv, err := storage.PlainRecord(acct, 1)
	if err != nil {
		return nil, err
	}
	profileEnv, err := storage.PlainRecord(profile, 1)
	if err != nil {
		return nil, err
	}
	err = g.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(accountType, email, 0, acctEnv); err != nil {
			return err
		}
		return tx.Put(profileType, acct.UserID, profileEnv)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, fmt.Errorf("%s: %w", email, ErrAccountExists)
	}
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	g.logger.Info("account created", "user", acct.UserID, "role", string(role))
	return &profile, nil
}

// SetStatus changes the account status. Leaving StatusActive revokes all
// of the user's sessions and notifies listeners.
func (g *Gateway) SetStatus(ctx context.Context, email string, status auth.Status) (*auth.Profile, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	acct, err := g.loadAccount(ctx, util.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}

	env, err := g.repo.Get(ctx, namespace, profileType, acct.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	var profile auth.Profile
	if err := storage.DecodePlain(env, &profile); err != nil {
		return nil, err
	}
	profile.Status = status
	next, err := storage.PlainRecord(profile, env.Version+1)
	if err != nil {
		return nil, err
	}
	if err := g.repo.PutCAS(ctx, namespace, profileType, acct.UserID, env.Version, next); err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}

	if status != auth.StatusActive {
		revoked, err := g.RevokeUser(ctx, acct.UserID)
		if err != nil {
			return &profile, err
		}
		g.logger.Info("account disabled", "user", acct.UserID, "status", string(status), "revoked_sessions", revoked)
	}
	return &profile, nil
}

// ListProfiles returns every account's email and profile.
func (g *Gateway) ListProfiles(ctx context.Context) (map[string]auth.Profile, error) {
	emails, err := g.repo.List(ctx, namespace, accountType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return map[string]auth.Profile{}, nil
		}
		return nil, err
	}
	out := make(map[string]auth.Profile, len(emails))
	for _, email := range emails {
		acct, err := g.loadAccount(ctx, email)
		if err != nil {
			return nil, err
		}
		profile, err := g.GetProfile(ctx, acct.UserID)
		if err != nil {
			return nil, err
		}
		out[email] = *profile
	}
	return out, nil
}

// SignIn verifies credentials and issues a session.
func (g *Gateway) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	acct, err := g.loadAccount(ctx, util.NormalizeEmail(email))
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := util.VerifyPassword(password, acct.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	profile, err := g.GetProfile(ctx, acct.UserID)
	if err != nil {
		return nil, err
	}
	if !profile.Enabled() {
		return nil, ErrAccountDisabled
	}

	now := g.clock.Now().UTC()
	token := uuid.New()
	rec := sessionRecord{
		UserID:    acct.UserID,
		Email:     acct.Email,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.lifetime),
	}
	if err := g.putSession(ctx, token, rec); err != nil {
		return nil, err
	}
	session := rec.session(token)
	g.notify(auth.ChangeEvent{Token: token, Session: session})
	return session, nil
}

// SignOut deletes the session.
func (g *Gateway) SignOut(ctx context.Context, token string) error {
	err := g.repo.Delete(ctx, namespace, sessionType, token)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	g.notify(auth.ChangeEvent{Token: token})
	return nil
}

// GetSession returns the live session for token. Expired sessions are
// removed on access.
func (g *Gateway) GetSession(ctx context.Context, token string) (*auth.Session, error) {
	if !uuid.Valid(token) {
		return nil, ErrSessionNotFound
	}
	rec, err := g.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if !g.clock.Now().Before(rec.ExpiresAt) {
		g.expireSession(ctx, token)
		return nil, ErrSessionNotFound
	}
	return rec.session(token), nil
}

// GetProfile returns the profile for userID.
func (g *Gateway) GetProfile(ctx context.Context, userID string) (*auth.Profile, error) {
	env, err := g.repo.Get(ctx, namespace, profileType, userID)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	var profile auth.Profile
	if err := storage.DecodePlain(env, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// OnSessionChange registers fn for session change notifications. fn runs
// on the goroutine that caused the change.
func (g *Gateway) OnSessionChange(fn func(auth.ChangeEvent)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextListener
	g.nextListener++
	g.listeners[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
	}
}

// RevokeUser deletes every session belonging to userID and returns how
// many were removed.
func (g *Gateway) RevokeUser(ctx context.Context, userID string) (int, error) {
	tokens, err := g.sessionTokens(ctx)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, token := range tokens {
		rec, err := g.loadSession(ctx, token)
		if err != nil || rec.UserID != userID {
			continue
		}
		if err := g.repo.Delete(ctx, namespace, sessionType, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return revoked, err
		}
		revoked++
		g.notify(auth.ChangeEvent{Token: token})
	}
	return revoked, nil
}

// Sweep removes expired and unreadable sessions and returns how many
// were removed.
func (g *Gateway) Sweep(ctx context.Context) (int, error) {
	tokens, err := g.sessionTokens(ctx)
	if err != nil {
		return 0, err
	}
	now := g.clock.Now()
	removed := 0
	for _, token := range tokens {
		rec, err := g.loadSession(ctx, token)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			// Corrupt or sealed under an old key.
			_ = g.repo.Delete(ctx, namespace, sessionType, token)
			removed++
			continue
		}
		if !now.Before(rec.ExpiresAt) {
			g.expireSession(ctx, token)
			removed++
		}
	}
	return removed, nil
}

func (g *Gateway) sweepLoop(ticker *clock.Ticker) {
	defer close(g.done)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if n, err := g.Sweep(context.Background()); err != nil {
				g.logger.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				g.logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

func (g *Gateway) expireSession(ctx context.Context, token string) {
	if err := g.repo.Delete(ctx, namespace, sessionType, token); err != nil {
		return
	}
	g.notify(auth.ChangeEvent{Token: token})
}

func (g *Gateway) sessionTokens(ctx context.Context) ([]string, error) {
	tokens, err := g.repo.List(ctx, namespace, sessionType)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return tokens, err
}

func (g *Gateway) loadAccount(ctx context.Context, email string) (*account, error) {
	env, err := g.repo.Get(ctx, namespace, accountType, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", email, ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	var acct account
	if err := storage.DecodePlain(env, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (g *Gateway) putSession(ctx context.Context, token string, rec sessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	buf, err := g.key.Open()
	if err != nil {
		return fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	env, err := storage.SealRecord(buf.Bytes(), data, []byte(sessionAADPrefix+token), 0)
	if err != nil {
		return err
	}
	return g.repo.Put(ctx, namespace, sessionType, token, env)
}

func (g *Gateway) loadSession(ctx context.Context, token string) (*sessionRecord, error) {
	env, err := g.repo.Get(ctx, namespace, sessionType, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	buf, err := g.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	data, err := storage.OpenRecord(buf.Bytes(), env, []byte(sessionAADPrefix+token))
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("unsealing session: %w", err)
	}
	defer util.WipeBytes(data)
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (g *Gateway) notify(ev auth.ChangeEvent) {
	g.mu.Lock()
	fns := make([]func(auth.ChangeEvent), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// loadOrCreateSessionKey unseals the persisted session key with
// wrappingKey. If none exists, or the wrapping key changed, a new key is
// generated and persisted; sessions sealed under the old key become
// unreadable and are removed by the sweeper.
func loadOrCreateSessionKey(ctx context.Context, repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)

	env, err := repo.Get(ctx, namespace, sessionKeyType, sessionKeyID)
	if err == nil && env.Scheme == storage.SchemeSealed {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.SealKeySize {
			return key, nil
		}
		util.WipeBytes(key)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	key, err := util.NewSealKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad, 0)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(ctx, namespace, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
