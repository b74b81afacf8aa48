// Package authtest provides an in-memory auth.Gateway for tests.
package authtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/backoffice/auth"
)

// Gateway is a scriptable in-memory auth.Gateway and auth.ProfileLoader.
type Gateway struct {
	mu         sync.Mutex
	passwords  map[string]string
	users      map[string]string // email -> user ID
	profiles   map[string]auth.Profile
	sessions   map[string]auth.Session
	listeners  map[int]func(auth.ChangeEvent)
	nextID     int
	signOuts   []string
	signOutErr error
	profileErr error
	now        func() time.Time
}

var (
	_ auth.Gateway       = (*Gateway)(nil)
	_ auth.ProfileLoader = (*Gateway)(nil)
)

// New returns an empty Gateway.
func New() *Gateway {
	return &Gateway{
		passwords: make(map[string]string),
		users:     make(map[string]string),
		profiles:  make(map[string]auth.Profile),
		sessions:  make(map[string]auth.Session),
		listeners: make(map[int]func(auth.ChangeEvent)),
		now:       time.Now,
	}
}

// AddUser registers an active account and returns its user ID.
func (g *Gateway) AddUser(email, password string, role auth.Role) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := fmt.Sprintf("user-%d", g.nextID)
	g.passwords[email] = password
	g.users[email] = id
	g.profiles[id] = auth.Profile{UserID: id, FullName: email, Role: role, Status: auth.StatusActive}
	return id
}

// SetStatus changes a profile status without revoking sessions.
func (g *Gateway) SetStatus(userID string, status auth.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.profiles[userID]
	p.Status = status
	g.profiles[userID] = p
}

// FailSignOut makes every later SignOut return err (nil restores success).
func (g *Gateway) FailSignOut(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signOutErr = err
}

// FailProfiles makes every later GetProfile return err.
func (g *Gateway) FailProfiles(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profileErr = err
}

// SignOuts returns the tokens passed to SignOut, in call order.
func (g *Gateway) SignOuts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.signOuts...)
}

// HasSession reports whether token is live.
func (g *Gateway) HasSession(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[token]
	return ok
}

// Revoke drops token and notifies listeners, as an external sign-out.
func (g *Gateway) Revoke(token string) {
	g.mu.Lock()
	delete(g.sessions, token)
	g.mu.Unlock()
	g.notify(auth.ChangeEvent{Token: token})
}

// Push notifies listeners that token carries session.
func (g *Gateway) Push(token string, session *auth.Session) {
	g.notify(auth.ChangeEvent{Token: token, Session: session})
}

func (g *Gateway) SignIn(_ context.Context, email, password string) (*auth.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pw, ok := g.passwords[email]; !ok || pw != password {
		return nil, auth.ErrInvalidCredentials
	}
	g.nextID++
	now := g.now()
	s := auth.Session{
		Token:     fmt.Sprintf("token-%d", g.nextID),
		UserID:    g.users[email],
		Email:     email,
		IssuedAt:  now,
		ExpiresAt: now.Add(12 * time.Hour),
	}
	g.sessions[s.Token] = s
	return &s, nil
}

func (g *Gateway) SignOut(_ context.Context, token string) error {
	g.mu.Lock()
	g.signOuts = append(g.signOuts, token)
	if g.signOutErr != nil {
		err := g.signOutErr
		g.mu.Unlock()
		return err
	}
	_, ok := g.sessions[token]
	delete(g.sessions, token)
	g.mu.Unlock()
	if ok {
		g.notify(auth.ChangeEvent{Token: token})
	}
	return nil
}

func (g *Gateway) GetSession(_ context.Context, token string) (*auth.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[token]
	if !ok {
		return nil, auth.ErrSessionNotFound
	}
	return &s, nil
}

func (g *Gateway) GetProfile(_ context.Context, userID string) (*auth.Profile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.profileErr != nil {
		return nil, g.profileErr
	}
	p, ok := g.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, auth.ErrSessionNotFound)
	}
	return &p, nil
}

func (g *Gateway) OnSessionChange(fn func(auth.ChangeEvent)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.listeners[id] = fn
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.listeners, id)
	}
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
