package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/backoffice/guard"
	"github.com/jmcleod/backoffice/internal/clock"
)

const defaultWarmTimeout = 30 * time.Second

// EventType identifies a provider lifecycle event.
type EventType string

const (
	EventSignedIn      EventType = "signed_in"
	EventRestored      EventType = "restored"
	EventWarning       EventType = "warning"
	EventExtended      EventType = "extended"
	EventExpired       EventType = "expired"
	EventSignedOut     EventType = "signed_out"
	EventRevoked       EventType = "revoked"
	EventSignOutFailed EventType = "signout_failed"
)

// Ends reports whether the event ends the session.
func (t EventType) Ends() bool {
	return t == EventExpired || t == EventSignedOut || t == EventRevoked
}

// Event describes something that happened to the provider's session.
type Event struct {
	Type    EventType
	Session Session
	Err     error
}

// State is a copy of the provider's authentication context.
type State struct {
	User    *User
	Session *Session
	Profile *Profile
	Guard   guard.Snapshot
}

// SignedIn reports whether the state holds a session.
func (s State) SignedIn() bool { return s.Session != nil }

// Provider is the authentication context of one client. It holds the
// signed-in user, session and profile and owns the session guard.
type Provider struct {
	gateway      Gateway
	profiles     ProfileLoader
	warmer       Warmer
	logger       *slog.Logger
	clock        clock.Clock
	guardConfig  guard.Config
	warmTimeout  time.Duration
	onEvent      func(Event)
	onEnd        func(Session, EventType)
	onTransition func(from, to guard.Phase)

	guard       *guard.Guard
	unsubscribe func()

	mu         sync.Mutex
	user       *User
	session    *Session
	profile    *Profile
	warmCancel context.CancelFunc
	warmDone   chan struct{}
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// WithClock sets the time source used by the session guard.
func WithClock(c clock.Clock) ProviderOption {
	return func(p *Provider) { p.clock = c }
}

// WithGuardConfig sets the session guard timings.
func WithGuardConfig(cfg guard.Config) ProviderOption {
	return func(p *Provider) { p.guardConfig = cfg }
}

// WithWarmer sets the cache warmed after sign-in.
func WithWarmer(w Warmer) ProviderOption {
	return func(p *Provider) { p.warmer = w }
}

// WithWarmTimeout bounds a single warm-up. Default: 30s.
func WithWarmTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) { p.warmTimeout = d }
}

// WithEventHook registers fn for lifecycle events. fn must not block.
func WithEventHook(fn func(Event)) ProviderOption {
	return func(p *Provider) { p.onEvent = fn }
}

// WithEndHook registers fn to run once for every session that ends,
// whatever the reason.
func WithEndHook(fn func(Session, EventType)) ProviderOption {
	return func(p *Provider) { p.onEnd = fn }
}

// WithTransitionHook observes session guard phase changes.
func WithTransitionHook(fn func(from, to guard.Phase)) ProviderOption {
	return func(p *Provider) { p.onTransition = fn }
}

// NewProvider creates a signed-out Provider over gateway. If gateway also
// implements ProfileLoader, profiles are loaded on sign-in.
func NewProvider(gateway Gateway, opts ...ProviderOption) *Provider {
	p := &Provider{
		gateway:     gateway,
		guardConfig: guard.DefaultConfig(),
		warmTimeout: defaultWarmTimeout,
	}
	p.profiles, _ = gateway.(ProfileLoader)
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	p.logger = p.logger.With("component", "auth_provider")

	p.guard = guard.New(p.expiredSignOut,
		guard.WithClock(p.clock),
		guard.WithLogger(p.logger),
		guard.WithConfig(p.guardConfig),
		guard.WithExpireHook(p.handleExpire),
		guard.WithTransitionHook(p.handleTransition),
	)
	p.unsubscribe = gateway.OnSessionChange(p.handleChange)
	return p
}

// SignIn authenticates against the gateway and establishes the session.
func (p *Provider) SignIn(ctx context.Context, email, password string) (State, error) {
	session, err := p.gateway.SignIn(ctx, email, password)
	if err != nil {
		return State{}, err
	}
	if err := p.establish(ctx, session, EventSignedIn); err != nil {
		return State{}, err
	}
	return p.State(), nil
}

// Restore establishes an existing session, as on application load.
func (p *Provider) Restore(ctx context.Context, token string) (State, error) {
	session, err := p.gateway.GetSession(ctx, token)
	if err != nil {
		return State{}, err
	}
	if err := p.establish(ctx, session, EventRestored); err != nil {
		return State{}, err
	}
	return p.State(), nil
}

func (p *Provider) establish(ctx context.Context, session *Session, event EventType) error {
	var profile *Profile
	if p.profiles != nil {
		loaded, err := p.profiles.GetProfile(ctx, session.UserID)
		if err != nil {
			p.discardRemote(ctx, session.Token)
			return fmt.Errorf("loading profile: %w", err)
		}
		if !loaded.Enabled() {
			p.discardRemote(ctx, session.Token)
			return fmt.Errorf("%w: status %s", ErrAccountDisabled, loaded.Status)
		}
		profile = loaded
	}

	p.mu.Lock()
	previous := p.session
	p.mu.Unlock()
	if previous != nil && previous.Token != session.Token {
		p.end(previous.Token, EventSignedOut, true)
	}

	s := *session
	p.mu.Lock()
	p.user = &User{ID: s.UserID, Email: s.Email}
	p.session = &s
	p.profile = profile
	p.mu.Unlock()

	p.guard.Activate(s.Token)
	p.startWarm(s.UserID)
	p.emit(Event{Type: event, Session: s})
	return nil
}

func (p *Provider) discardRemote(ctx context.Context, token string) {
	if err := p.gateway.SignOut(ctx, token); err != nil {
		p.logger.Warn("discarding rejected session failed", "error", err)
	}
}

// SignOut tears the session down locally, then signs out remotely. The
// remote error, if any, is returned after local state is already gone.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return ErrNotSignedIn
	}

	p.end(session.Token, EventSignedOut, true)
	if err := p.gateway.SignOut(ctx, session.Token); err != nil {
		p.emit(Event{Type: EventSignOutFailed, Session: *session, Err: err})
		return err
	}
	return nil
}

// RecordActivity forwards a user activity signal to the session guard.
func (p *Provider) RecordActivity() {
	p.guard.RecordActivity()
}

// ExtendSession is the explicit "stay signed in" action.
func (p *Provider) ExtendSession() error {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return ErrNotSignedIn
	}
	p.guard.ExtendSession()
	p.emit(Event{Type: EventExtended, Session: *session})
	return nil
}

// State returns a copy of the authentication context.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := State{Guard: p.guard.Snapshot()}
	if p.user != nil {
		u := *p.user
		state.User = &u
	}
	if p.session != nil {
		s := *p.session
		state.Session = &s
	}
	if p.profile != nil {
		pr := *p.profile
		state.Profile = &pr
	}
	return state
}

// Subscribe registers fn for session guard state changes.
func (p *Provider) Subscribe(fn func(guard.Snapshot)) (cancel func()) {
	return p.guard.Subscribe(fn)
}

// WaitWarm blocks until the current warm-up finishes or ctx is done.
func (p *Provider) WaitWarm(ctx context.Context) error {
	p.mu.Lock()
	done := p.warmDone
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops listening to the gateway and releases the guard. It does
// not sign out remotely.
func (p *Provider) Close() {
	p.unsubscribe()
	p.guard.Close()
	p.mu.Lock()
	if p.warmCancel != nil {
		p.warmCancel()
	}
	p.mu.Unlock()
}

func (p *Provider) startWarm(userID string) {
	if p.warmer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.warmTimeout)
	done := make(chan struct{})

	p.mu.Lock()
	if p.warmCancel != nil {
		p.warmCancel()
	}
	p.warmCancel = cancel
	p.warmDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if err := p.warmer.Warm(ctx, userID); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("cache warm-up failed", "user", userID, "error", err)
		}
	}()
}

// end clears local state for token. The guard is torn down unless it is
// already settling an expiry itself.
func (p *Provider) end(token string, reason EventType, teardownGuard bool) {
	p.mu.Lock()
	if p.session == nil || p.session.Token != token {
		p.mu.Unlock()
		return
	}
	session := *p.session
	p.user, p.session, p.profile = nil, nil, nil
	if p.warmCancel != nil {
		p.warmCancel()
		p.warmCancel = nil
	}
	p.mu.Unlock()

	if teardownGuard {
		p.guard.Teardown()
	}
	if p.warmer != nil {
		p.warmer.Invalidate(session.UserID)
	}
	p.logger.Info("session ended", "user", session.UserID, "reason", string(reason))
	p.emit(Event{Type: reason, Session: session})
}

func (p *Provider) handleExpire(token string) {
	p.end(token, EventExpired, false)
}

func (p *Provider) expiredSignOut(ctx context.Context, token string) error {
	err := p.gateway.SignOut(ctx, token)
	if err != nil {
		p.emit(Event{Type: EventSignOutFailed, Session: Session{Token: token}, Err: err})
	}
	return err
}

func (p *Provider) handleTransition(from, to guard.Phase) {
	if to == guard.PhaseWarning {
		p.mu.Lock()
		var session Session
		if p.session != nil {
			session = *p.session
		}
		p.mu.Unlock()
		p.emit(Event{Type: EventWarning, Session: session})
	}
	if p.onTransition != nil {
		p.onTransition(from, to)
	}
}

func (p *Provider) handleChange(ev ChangeEvent) {
	p.mu.Lock()
	current := p.session
	p.mu.Unlock()
	if current == nil || current.Token != ev.Token {
		return
	}

	if ev.Session == nil {
		p.end(ev.Token, EventRevoked, true)
		return
	}

	s := *ev.Session
	p.mu.Lock()
	if p.session != nil && p.session.Token == ev.Token {
		p.session = &s
	}
	p.mu.Unlock()
	if p.guard.Snapshot().Phase == guard.PhaseIdle {
		p.guard.Activate(s.Token)
	}
}

func (p *Provider) emit(e Event) {
	if p.onEvent != nil {
		p.onEvent(e)
	}
	if p.onEnd != nil && e.Type.Ends() {
		p.onEnd(e.Session, e.Type)
	}
}
