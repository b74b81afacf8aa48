package guard

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/backoffice/internal/clock"
)

// SignOutFunc terminates the remote session identified by sessionID.
// Its error is logged and never retried.
type SignOutFunc func(ctx context.Context, sessionID string) error

// Guard is the session-timeout state machine for one session. It is safe
// for concurrent use.
type Guard struct {
	cfg          Config
	clock        clock.Clock
	logger       *slog.Logger
	signOut      SignOutFunc
	onExpire     func(sessionID string)
	onTransition func(from, to Phase)

	mu             sync.Mutex
	phase          Phase
	sessionID      string
	lastActivityAt time.Time
	remaining      time.Duration
	generation     uint64
	seq            uint64
	warningTimer   *clock.Timer
	expiryTimer    *clock.Timer
	tickTimer      *clock.Timer
	subscribers    map[uint64]func(Snapshot)
	nextSubscriber uint64
	closed         bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock sets the time source. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithConfig replaces DefaultConfig. New panics if cfg does not validate.
func WithConfig(cfg Config) Option {
	return func(g *Guard) { g.cfg = cfg }
}

// WithExpireHook registers fn to run when the expiry timer fires, after
// the guard has entered PhaseExpired and before the remote sign-out.
func WithExpireHook(fn func(sessionID string)) Option {
	return func(g *Guard) { g.onExpire = fn }
}

// WithTransitionHook registers fn to observe every phase change.
func WithTransitionHook(fn func(from, to Phase)) Option {
	return func(g *Guard) { g.onTransition = fn }
}

// New creates an idle Guard. signOut may be nil.
func New(signOut SignOutFunc, opts ...Option) *Guard {
	g := &Guard{
		cfg:         DefaultConfig(),
		signOut:     signOut,
		subscribers: make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.cfg.Validate(); err != nil {
		panic(err)
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.logger = g.logger.With("component", "session_guard")
	return g
}

// Config returns the guard timings.
func (g *Guard) Config() Config { return g.cfg }

// Activate starts guarding sessionID, replacing any previous cycle. An
// empty sessionID leaves the guard untouched.
func (g *Guard) Activate(sessionID string) {
	if sessionID == "" {
		return
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	from := g.phase
	g.sessionID = sessionID
	g.armLocked(g.clock.Now())
	n := g.changeLocked(from)
	g.mu.Unlock()

	g.logger.Debug("session guard armed", "session", sessionID)
	n.deliver()
}

// RecordActivity reports user activity. Calls spaced no more than
// ActivityDebounce after the last recorded activity are ignored. In the
// warning phase the guard re-arms; while armed only the timestamp moves.
func (g *Guard) RecordActivity() {
	g.mu.Lock()
	if g.phase != PhaseArmed && g.phase != PhaseWarning {
		g.mu.Unlock()
		return
	}
	now := g.clock.Now()
	if now.Sub(g.lastActivityAt) <= g.cfg.ActivityDebounce {
		g.mu.Unlock()
		return
	}
	from := g.phase
	if g.phase == PhaseWarning {
		g.armLocked(now)
	} else {
		g.lastActivityAt = now
	}
	n := g.changeLocked(from)
	g.mu.Unlock()

	n.deliver()
}

// ExtendSession re-arms the guard from now. It is a no-op when no session
// is being guarded or the session has already expired.
func (g *Guard) ExtendSession() {
	g.mu.Lock()
	if g.phase != PhaseArmed && g.phase != PhaseWarning {
		g.mu.Unlock()
		return
	}
	from := g.phase
	g.armLocked(g.clock.Now())
	n := g.changeLocked(from)
	g.mu.Unlock()

	n.deliver()
}

// Teardown cancels every timer and returns the guard to idle. A fresh
// Activate is required to guard again.
func (g *Guard) Teardown() {
	g.mu.Lock()
	from := g.phase
	g.resetLocked()
	n := g.changeLocked(from)
	g.mu.Unlock()

	if from != PhaseIdle {
		g.logger.Debug("session guard torn down", "from", from.String())
	}
	n.deliver()
}

// Close tears the guard down and drops all subscribers. Later calls to
// Activate are ignored.
func (g *Guard) Close() {
	g.Teardown()
	g.mu.Lock()
	g.closed = true
	clear(g.subscribers)
	g.mu.Unlock()
}

// Snapshot returns the current state.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Subscribe registers fn to receive a Snapshot after every state change.
// fn runs outside the guard lock, possibly concurrently with other
// notifications, and may call back into the guard. Concurrent
// notifications can arrive out of order; a subscriber that keeps state
// should ignore a Snapshot whose Seq is not above the last one it saw.
func (g *Guard) Subscribe(fn func(Snapshot)) (cancel func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextSubscriber
	g.nextSubscriber++
	g.subscribers[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subscribers, id)
	}
}

// armLocked starts a new cycle with both deadlines measured from now.
func (g *Guard) armLocked(now time.Time) {
	g.stopTimersLocked()
	g.generation++
	g.phase = PhaseArmed
	g.lastActivityAt = now
	g.remaining = 0
	g.scheduleLocked(g.cfg.WarningAfter(), g.cfg.TotalTimeout)
}

// scheduleLocked arms the warning and expiry timers for the current
// generation. The expiry timer is registered first.
func (g *Guard) scheduleLocked(warnIn, expireIn time.Duration) {
	gen := g.generation
	g.expiryTimer = g.clock.AfterFunc(expireIn, func() { g.expire(gen) })
	g.warningTimer = g.clock.AfterFunc(warnIn, func() { g.warn(gen) })
}

func (g *Guard) stopTimersLocked() {
	g.warningTimer.Stop()
	g.expiryTimer.Stop()
	g.tickTimer.Stop()
	g.warningTimer, g.expiryTimer, g.tickTimer = nil, nil, nil
}

func (g *Guard) resetLocked() {
	g.stopTimersLocked()
	g.generation++
	g.phase = PhaseIdle
	g.sessionID = ""
	g.lastActivityAt = time.Time{}
	g.remaining = 0
}

func (g *Guard) warn(gen uint64) {
	g.mu.Lock()
	if gen != g.generation || g.phase != PhaseArmed {
		g.mu.Unlock()
		return
	}
	g.warningTimer = nil

	now := g.clock.Now()
	idle := now.Sub(g.lastActivityAt)
	if threshold := g.cfg.WarningAfter(); idle < threshold {
		// Activity arrived while armed; move both deadlines.
		g.expiryTimer.Stop()
		g.generation++
		g.scheduleLocked(threshold-idle, g.cfg.TotalTimeout-idle)
		g.mu.Unlock()
		return
	}

	g.phase = PhaseWarning
	g.remaining = g.cfg.WarningLead
	g.scheduleTickLocked()
	session := g.sessionID
	n := g.changeLocked(PhaseArmed)
	g.mu.Unlock()

	g.logger.Info("session inactivity warning", "session", session,
		"remaining_ms", g.cfg.WarningLead.Milliseconds())
	n.deliver()
}

func (g *Guard) scheduleTickLocked() {
	gen := g.generation
	g.tickTimer = g.clock.AfterFunc(g.cfg.CountdownInterval, func() { g.tick(gen) })
}

func (g *Guard) tick(gen uint64) {
	g.mu.Lock()
	if gen != g.generation || g.phase != PhaseWarning {
		g.mu.Unlock()
		return
	}
	g.remaining -= g.cfg.CountdownInterval
	if g.remaining <= 0 {
		g.remaining = 0
		g.tickTimer = nil
	} else {
		g.scheduleTickLocked()
	}
	n := g.changeLocked(PhaseWarning)
	g.mu.Unlock()

	n.deliver()
}

func (g *Guard) expire(gen uint64) {
	g.mu.Lock()
	if gen != g.generation || (g.phase != PhaseArmed && g.phase != PhaseWarning) {
		g.mu.Unlock()
		return
	}
	from := g.phase
	g.stopTimersLocked()
	g.phase = PhaseExpired
	g.remaining = 0
	session := g.sessionID
	n := g.changeLocked(from)
	g.mu.Unlock()

	g.logger.Info("session expired after inactivity", "session", session)
	n.deliver()

	if g.onExpire != nil {
		g.onExpire(session)
	}
	if g.signOut != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SignOutTimeout)
		err := g.signOut(ctx, session)
		cancel()
		if err != nil {
			g.logger.Warn("remote sign-out after expiry failed", "session", session, "error", err)
		}
	}

	g.mu.Lock()
	if gen != g.generation || g.phase != PhaseExpired {
		// Torn down or re-activated while signing out.
		g.mu.Unlock()
		return
	}
	g.resetLocked()
	n = g.changeLocked(PhaseExpired)
	g.mu.Unlock()

	n.deliver()
}

func (g *Guard) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:          g.phase,
		SessionID:      g.sessionID,
		LastActivityAt: g.lastActivityAt,
		WarningActive:  g.phase == PhaseWarning,
		Seq:            g.seq,
	}
	if s.WarningActive {
		s.Remaining = g.remaining
	}
	return s
}

// notification is a state change captured under the lock and delivered
// after it is released.
type notification struct {
	from, to     Phase
	snapshot     Snapshot
	subscribers  []func(Snapshot)
	onTransition func(from, to Phase)
}

func (g *Guard) changeLocked(from Phase) notification {
	g.seq++
	subs := make([]func(Snapshot), 0, len(g.subscribers))
	for _, fn := range g.subscribers {
		subs = append(subs, fn)
	}
	return notification{
		from:         from,
		to:           g.phase,
		snapshot:     g.snapshotLocked(),
		subscribers:  subs,
		onTransition: g.onTransition,
	}
}

func (n notification) deliver() {
	if n.from != n.to && n.onTransition != nil {
		n.onTransition(n.from, n.to)
	}
	for _, fn := range n.subscribers {
		fn(n.snapshot)
	}
}
