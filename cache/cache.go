// Package cache keeps per-user copies of backend datasets so the first
// screens after sign-in render without a round trip.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/backoffice/internal/clock"
)

const (
	// DefaultTTL is how long a warmed dataset is served.
	DefaultTTL = 10 * time.Minute
	// DefaultConcurrency bounds the loaders run in parallel by Warm.
	DefaultConcurrency = 4
)

var (
	// ErrUnknownDataset is returned for a dataset with no registered loader.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrNotCached is returned when a dataset is missing or stale.
	ErrNotCached = errors.New("dataset not cached")
)

// Loader fetches one dataset for a user.
type Loader interface {
	Load(ctx context.Context, userID string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, userID string) ([]byte, error)

func (f LoaderFunc) Load(ctx context.Context, userID string) ([]byte, error) {
	return f(ctx, userID)
}

type entry struct {
	data     []byte
	loadedAt time.Time
}

// Store is a TTL cache of datasets keyed by user. It implements
// auth.Warmer.
type Store struct {
	ttl         time.Duration
	concurrency int
	clock       clock.Clock
	logger      *slog.Logger

	mu      sync.RWMutex
	loaders map[string]Loader
	entries map[string]map[string]entry // userID -> dataset -> entry
	// gens counts invalidations per user. A load started under an older
	// generation is not stored.
	gens map[string]uint64
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets how long warmed data is served.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithConcurrency bounds parallel loaders during Warm.
func WithConcurrency(n int) Option {
	return func(s *Store) { s.concurrency = n }
}

// WithClock sets the time source for TTL checks.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:         DefaultTTL,
		concurrency: DefaultConcurrency,
		loaders:     make(map[string]Loader),
		entries:     make(map[string]map[string]entry),
		gens:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "cache")
	return s
}

// Register adds or replaces the loader for dataset.
func (s *Store) Register(dataset string, l Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaders[dataset] = l
}

// Datasets returns the registered dataset names, sorted.
func (s *Store) Datasets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.loaders))
	for name := range s.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Warm runs every loader for userID concurrently. Successful results are
// kept even if other loaders fail; the joined errors are returned.
func (s *Store) Warm(ctx context.Context, userID string) error {
	s.mu.RLock()
	loaders := make(map[string]Loader, len(s.loaders))
	for name, l := range s.loaders {
		loaders[name] = l
	}
	gen := s.gens[userID]
	s.mu.RUnlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.concurrency, 1))
	for name, l := range loaders {
		g.Go(func() error {
			data, err := l.Load(gctx, userID)
			if err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("dataset %s: %w", name, err))
				errMu.Unlock()
				// Other datasets still load.
				return nil
			}
			if gctx.Err() == nil {
				s.put(userID, name, data, gen)
			}
			return nil
		})
	}
	// Loaders report through errs.
	g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Debug("cache warmed", "user", userID, "datasets", len(loaders), "failed", len(errs))
	return errors.Join(errs...)
}

// Get returns the cached dataset, or ErrNotCached if it is missing or
// older than the TTL.
func (s *Store) Get(userID, dataset string) ([]byte, error) {
	s.mu.RLock()
	_, known := s.loaders[dataset]
	e, ok := s.entries[userID][dataset]
	s.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%s: %w", dataset, ErrUnknownDataset)
	}
	if !ok || s.clock.Now().Sub(e.loadedAt) >= s.ttl {
		return nil, fmt.Errorf("%s: %w", dataset, ErrNotCached)
	}
	return e.data, nil
}

// Fetch returns the cached dataset, loading it on a miss.
func (s *Store) Fetch(ctx context.Context, userID, dataset string) ([]byte, error) {
	data, err := s.Get(userID, dataset)
	if !errors.Is(err, ErrNotCached) {
		return data, err
	}
	s.mu.RLock()
	l := s.loaders[dataset]
	gen := s.gens[userID]
	s.mu.RUnlock()
	data, err = l.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", dataset, err)
	}
	s.put(userID, dataset, data, gen)
	return data, nil
}

// Invalidate drops everything cached for userID, including results of
// loads still in flight.
func (s *Store) Invalidate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	s.gens[userID]++
}

// put stores data unless userID was invalidated since gen was read.
func (s *Store) put(userID, dataset string, data []byte, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[userID] != gen {
		return
	}
	byDataset, ok := s.entries[userID]
	if !ok {
		byDataset = make(map[string]entry)
		s.entries[userID] = byDataset
	}
	byDataset[dataset] = entry{data: data, loadedAt: s.clock.Now()}
}
