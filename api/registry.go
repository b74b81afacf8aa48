package api

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/internal/clock"
)

// endedTTL is how long a locally ended token is refused for restore. It
// covers sessions whose remote sign-out failed.
const endedTTL = 24 * time.Hour

// registry maps session tokens to the provider guarding them. Providers
// are created on login, or on first use of a cookie whose session the
// gateway still accepts (for example after a restart).
type registry struct {
	newProvider func() *auth.Provider
	clock       clock.Clock

	mu        sync.Mutex
	providers map[string]*auth.Provider
	restoring map[string]*restoreCall
	ended     map[string]time.Time
}

type restoreCall struct {
	done     chan struct{}
	provider *auth.Provider
	err      error
}

func newRegistry(newProvider func() *auth.Provider, clk clock.Clock) *registry {
	return &registry{
		newProvider: newProvider,
		clock:       clk,
		providers:   make(map[string]*auth.Provider),
		restoring:   make(map[string]*restoreCall),
		ended:       make(map[string]time.Time),
	}
}

func (s *registry) get(token string) (*auth.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[token]
	return p, ok
}

func (s *registry) put(token string, p *auth.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[token] = p
}

// end drops token and refuses to restore it for endedTTL. It reports
// the provider that was registered.
func (s *registry) end(token string) (*auth.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for t, at := range s.ended {
		if now.Sub(at) > endedTTL {
			delete(s.ended, t)
		}
	}
	s.ended[token] = now
	p, ok := s.providers[token]
	delete(s.providers, token)
	return p, ok
}

func (s *registry) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.providers)
}

// restore returns the provider for token, restoring it from the gateway
// when none is registered. Concurrent restores of one token share a
// single gateway call.
func (s *registry) restore(ctx context.Context, token string) (*auth.Provider, error) {
	s.mu.Lock()
	if p, ok := s.providers[token]; ok {
		s.mu.Unlock()
		return p, nil
	}
	if _, ok := s.ended[token]; ok {
		s.mu.Unlock()
		return nil, auth.ErrSessionNotFound
	}
	if call, ok := s.restoring[token]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.provider, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &restoreCall{done: make(chan struct{})}
	s.restoring[token] = call
	s.mu.Unlock()

	p := s.newProvider()
	if _, err := p.Restore(ctx, token); err != nil {
		p.Close()
		call.err = err
	} else {
		call.provider = p
	}

	s.mu.Lock()
	delete(s.restoring, token)
	if call.provider != nil {
		s.providers[token] = call.provider
	}
	s.mu.Unlock()
	close(call.done)
	return call.provider, call.err
}

func (s *registry) closeAll() {
	s.mu.Lock()
	providers := s.providers
	s.providers = make(map[string]*auth.Provider)
	s.mu.Unlock()
	for _, p := range providers {
		p.Close()
	}
}
