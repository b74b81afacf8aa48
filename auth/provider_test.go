package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/auth/authtest"
	"github.com/jmcleod/backoffice/guard"
	"github.com/jmcleod/backoffice/internal/clock"
)

type recordingWarmer struct {
	mu          sync.Mutex
	warmed      []string
	invalidated []string
	err         error
}

func (w *recordingWarmer) Warm(_ context.Context, userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warmed = append(w.warmed, userID)
	return w.err
}

func (w *recordingWarmer) Invalidate(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invalidated = append(w.invalidated, userID)
}

func (w *recordingWarmer) snapshot() (warmed, invalidated []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.warmed...), append([]string(nil), w.invalidated...)
}

type eventLog struct {
	mu     sync.Mutex
	events []auth.Event
}

func (l *eventLog) record(e auth.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []auth.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []auth.EventType
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	gateway  *authtest.Gateway
	clock    *clock.FakeClock
	warmer   *recordingWarmer
	events   *eventLog
	provider *auth.Provider
	userID   string
}

func newFixture(t *testing.T, opts ...auth.ProviderOption) *fixture {
	t.Helper()
	f := &fixture{
		gateway: authtest.New(),
		clock:   clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		warmer:  &recordingWarmer{},
		events:  &eventLog{},
	}
	f.userID = f.gateway.AddUser("agent@example.com", "correct horse", auth.RoleAgent)
	opts = append([]auth.ProviderOption{
		auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		auth.WithClock(f.clock),
		auth.WithWarmer(f.warmer),
		auth.WithEventHook(f.events.record),
	}, opts...)
	f.provider = auth.NewProvider(f.gateway, opts...)
	t.Cleanup(f.provider.Close)
	return f
}

func (f *fixture) signIn(t *testing.T) auth.State {
	t.Helper()
	state, err := f.provider.SignIn(context.Background(), "agent@example.com", "correct horse")
	require.NoError(t, err)
	require.NoError(t, f.provider.WaitWarm(context.Background()))
	return state
}

func TestSignInEstablishesSession(t *testing.T) {
	f := newFixture(t)

	state := f.signIn(t)

	require.True(t, state.SignedIn())
	assert.Equal(t, f.userID, state.User.ID)
	assert.Equal(t, "agent@example.com", state.User.Email)
	require.NotNil(t, state.Profile)
	assert.Equal(t, auth.RoleAgent, state.Profile.Role)
	assert.Equal(t, guard.PhaseArmed, state.Guard.Phase)
	assert.Equal(t, state.Session.Token, state.Guard.SessionID)

	warmed, _ := f.warmer.snapshot()
	assert.Equal(t, []string{f.userID}, warmed)
	assert.Equal(t, []auth.EventType{auth.EventSignedIn}, f.events.types())
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.provider.SignIn(context.Background(), "agent@example.com", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.False(t, f.provider.State().SignedIn())
	assert.Equal(t, guard.PhaseIdle, f.provider.State().Guard.Phase)
}

func TestSignInRejectsDisabledProfile(t *testing.T) {
	for _, status := range []auth.Status{auth.StatusInactive, auth.StatusSuspended} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.gateway.SetStatus(f.userID, status)

			_, err := f.provider.SignIn(context.Background(), "agent@example.com", "correct horse")
			require.ErrorIs(t, err, auth.ErrAccountDisabled)

			assert.False(t, f.provider.State().SignedIn())
			assert.Len(t, f.gateway.SignOuts(), 1, "remote session must be discarded")
		})
	}
}

func TestSignInProfileFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.FailProfiles(errors.New("profiles table unavailable"))

	_, err := f.provider.SignIn(context.Background(), "agent@example.com", "correct horse")
	require.Error(t, err)
	assert.False(t, f.provider.State().SignedIn())
	assert.Len(t, f.gateway.SignOuts(), 1)
}

func TestWarmFailureDoesNotFailSignIn(t *testing.T) {
	f := newFixture(t)
	f.warmer.err = errors.New("backend down")

	state := f.signIn(t)
	assert.True(t, state.SignedIn())
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	session, err := f.gateway.SignIn(context.Background(), "agent@example.com", "correct horse")
	require.NoError(t, err)

	state, err := f.provider.Restore(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Token, state.Session.Token)
	assert.Equal(t, guard.PhaseArmed, state.Guard.Phase)
	assert.Equal(t, []auth.EventType{auth.EventRestored}, f.events.types())

	_, err = f.provider.Restore(context.Background(), "missing")
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
}

func TestSignOut(t *testing.T) {
	f := newFixture(t)
	state := f.signIn(t)

	require.NoError(t, f.provider.SignOut(context.Background()))

	after := f.provider.State()
	assert.False(t, after.SignedIn())
	assert.Nil(t, after.User)
	assert.Nil(t, after.Profile)
	assert.Equal(t, guard.PhaseIdle, after.Guard.Phase)
	assert.Equal(t, 0, f.clock.PendingCount())
	assert.False(t, f.gateway.HasSession(state.Session.Token))

	_, invalidated := f.warmer.snapshot()
	assert.Equal(t, []string{f.userID}, invalidated)
	assert.Equal(t, []auth.EventType{auth.EventSignedIn, auth.EventSignedOut}, f.events.types())

	assert.ErrorIs(t, f.provider.SignOut(context.Background()), auth.ErrNotSignedIn)
}

func TestSignOutFailureStillTearsDown(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.gateway.FailSignOut(errors.New("network unreachable"))

	err := f.provider.SignOut(context.Background())
	require.Error(t, err)

	state := f.provider.State()
	assert.False(t, state.SignedIn())
	assert.Equal(t, guard.PhaseIdle, state.Guard.Phase)
	assert.Equal(t, 0, f.clock.PendingCount())
	assert.Equal(t, []auth.EventType{auth.EventSignedIn, auth.EventSignedOut, auth.EventSignOutFailed}, f.events.types())
}

func TestExpiryClearsLocalStateAndSignsOut(t *testing.T) {
	var ended []auth.EventType
	f := newFixture(t, auth.WithEndHook(func(_ auth.Session, reason auth.EventType) {
		ended = append(ended, reason)
	}))
	state := f.signIn(t)

	f.clock.Advance(25 * time.Minute)
	assert.True(t, f.provider.State().Guard.WarningActive)

	f.clock.Advance(5 * time.Minute)

	after := f.provider.State()
	assert.False(t, after.SignedIn())
	assert.Equal(t, guard.PhaseIdle, after.Guard.Phase)
	assert.Equal(t, []string{state.Session.Token}, f.gateway.SignOuts())
	assert.Equal(t, []auth.EventType{auth.EventExpired}, ended)
	assert.Equal(t, []auth.EventType{auth.EventSignedIn, auth.EventWarning, auth.EventExpired}, f.events.types())
}

func TestExpirySignOutFailure(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.gateway.FailSignOut(errors.New("gateway unreachable"))

	f.clock.Advance(30 * time.Minute)

	state := f.provider.State()
	assert.False(t, state.SignedIn())
	assert.Nil(t, state.User)
	assert.Nil(t, state.Profile)
	assert.Equal(t, guard.PhaseIdle, state.Guard.Phase)
	assert.Contains(t, f.events.types(), auth.EventSignOutFailed)
}

func TestActivityAndExtend(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	f.clock.Advance(26 * time.Minute)
	f.provider.RecordActivity()
	assert.Equal(t, guard.PhaseArmed, f.provider.State().Guard.Phase)

	f.clock.Advance(27 * time.Minute)
	require.True(t, f.provider.State().Guard.WarningActive)
	require.NoError(t, f.provider.ExtendSession())
	assert.False(t, f.provider.State().Guard.WarningActive)
	assert.Empty(t, f.gateway.SignOuts())
	assert.Contains(t, f.events.types(), auth.EventExtended)
}

func TestExtendWithoutSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.provider.ExtendSession(), auth.ErrNotSignedIn)
}

func TestExternalRevocationTearsDown(t *testing.T) {
	for _, advance := range []time.Duration{time.Minute, 27 * time.Minute} {
		t.Run(advance.String(), func(t *testing.T) {
			f := newFixture(t)
			state := f.signIn(t)
			f.clock.Advance(advance)

			f.gateway.Revoke(state.Session.Token)

			after := f.provider.State()
			assert.False(t, after.SignedIn())
			assert.Equal(t, guard.PhaseIdle, after.Guard.Phase)
			assert.Equal(t, 0, f.clock.PendingCount())
			assert.Contains(t, f.events.types(), auth.EventRevoked)
		})
	}
}

func TestRevocationOfOtherTokenIgnored(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	f.gateway.Revoke("someone-else")
	assert.True(t, f.provider.State().SignedIn())
}

func TestSessionPushRefreshesSession(t *testing.T) {
	f := newFixture(t)
	state := f.signIn(t)
	refreshed := *state.Session
	refreshed.ExpiresAt = refreshed.ExpiresAt.Add(time.Hour)

	f.gateway.Push(refreshed.Token, &refreshed)
	assert.Equal(t, refreshed.ExpiresAt, f.provider.State().Session.ExpiresAt)
	assert.Equal(t, guard.PhaseArmed, f.provider.State().Guard.Phase)
}

func TestSecondSignInReplacesSession(t *testing.T) {
	f := newFixture(t)
	first := f.signIn(t)
	second := f.signIn(t)

	assert.NotEqual(t, first.Session.Token, second.Session.Token)
	assert.Equal(t, second.Session.Token, f.provider.State().Guard.SessionID)
	assert.Equal(t, 2, f.clock.PendingCount())
}

func TestSubscribeReceivesCountdown(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	var (
		mu    sync.Mutex
		ticks []int64
	)
	cancel := f.provider.Subscribe(func(s guard.Snapshot) {
		if ms, ok := s.RemainingMs(); ok {
			mu.Lock()
			ticks = append(ticks, ms)
			mu.Unlock()
		}
	})
	defer cancel()

	f.clock.Advance(25*time.Minute + time.Second)
	assert.Equal(t, []int64{300000, 299000}, ticks)
}

func TestTransitionHook(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	f := newFixture(t, auth.WithTransitionHook(func(from, to guard.Phase) {
		mu.Lock()
		got = append(got, from.String()+">"+to.String())
		mu.Unlock()
	}))
	f.signIn(t)
	require.NoError(t, f.provider.SignOut(context.Background()))

	assert.Equal(t, []string{"idle>armed", "armed>idle"}, got)
}
