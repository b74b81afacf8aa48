// Package api exposes the back-office session service over HTTP.
//
// Every browser session is backed by an auth.Provider kept in a registry
// keyed by the session cookie. The provider owns the inactivity guard, so
// the endpoints here only forward activity, report the guard's state and
// relay the explicit "stay signed in" action.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/backoffice/audit"
	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/cache"
	"github.com/jmcleod/backoffice/guard"
	"github.com/jmcleod/backoffice/internal/clock"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	gateway     auth.Gateway
	cache       *cache.Store
	clock       clock.Clock
	logger      *slog.Logger
	guardConfig guard.Config

	sessions       *registry
	rateLimiter    *loginRateLimiter
	ipLimiter      *ipRateLimiter
	globalLimiter  *globalRateLimiter
	activity       *activityLimiter
	audit          *auditLogger
	metrics        *promMetrics
	trustedProxies []netip.Prefix
	wsOrigins      []string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for requests and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithClock sets the time source shared by guards and rate limiters.
func WithClock(c clock.Clock) Option {
	return func(a *API) { a.clock = c }
}

// WithGuardConfig sets the inactivity timeouts for new sessions.
func WithGuardConfig(cfg guard.Config) Option {
	return func(a *API) { a.guardConfig = cfg }
}

// WithCache enables warm-up on sign-in and the /cache endpoints.
func WithCache(s *cache.Store) Option {
	return func(a *API) { a.cache = s }
}

// WithAuditTrail records audit events in the hash-chained trail.
func WithAuditTrail(t *audit.Trail) Option {
	return func(a *API) { a.audit.trail = t }
}

// WithAuditWebhook forwards audit events to an external collector.
func WithAuditWebhook(w *audit.Webhook) Option {
	return func(a *API) { a.audit.webhook = w }
}

// WithAlertFunc enables anomaly alerts on login and sign-out failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.audit.alerts = newAlertCollector(fn) }
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honoured when determining the client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithWebSocketOrigins allows cross-origin websocket connections from the
// given host patterns. Same-host connections are always allowed.
func WithWebSocketOrigins(patterns []string) Option {
	return func(a *API) { a.wsOrigins = patterns }
}

// WithMetricsRegistry registers the API's collectors with reg instead of
// a private registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *API) { a.metrics.registry = reg }
}

// New creates a new API instance over gateway.
func New(gateway auth.Gateway, opts ...Option) *API {
	a := &API{
		gateway:     gateway,
		guardConfig: guard.DefaultConfig(),
		audit:       &auditLogger{},
		metrics:     &promMetrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	a.audit.init(a.logger, a.clock)
	a.rateLimiter = newLoginRateLimiter(a.clock)
	a.ipLimiter = newIPRateLimiter(a.clock)
	a.globalLimiter = newGlobalRateLimiter(a.clock)
	a.activity = newActivityLimiter(a.clock)
	a.sessions = newRegistry(a.newProvider, a.clock)
	a.metrics.init(a.sessions.len)
	a.audit.metrics = a.metrics
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/auth/login", a.Login)

	r.Group(func(r chi.Router) {
		r.Use(a.CSRFMiddleware)
		r.Post("/auth/logout", a.Logout)

		r.Group(func(r chi.Router) {
			r.Use(a.AuthMiddleware)
			r.Get("/auth/session", a.GetSession)
			r.Post("/auth/activity", a.RecordActivity)
			r.Post("/auth/session/extend", a.ExtendSession)
			r.Get("/auth/session/events", a.SessionEvents)
			r.Get("/cache", a.ListDatasets)
			r.Get("/cache/{dataset}", a.GetDataset)
		})
	})

	return r
}

// MetricsHandler serves the Prometheus metrics collected by the API.
func (a *API) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{})
}

// Sweep drops expired login rate-limit records. Call it periodically.
func (a *API) Sweep() {
	a.rateLimiter.sweep()
	a.ipLimiter.sweep()
}

// Close releases every tracked session's guard without signing out
// remotely, so the sessions can be restored after a restart.
func (a *API) Close() {
	a.sessions.closeAll()
}

func (a *API) newProvider() *auth.Provider {
	opts := []auth.ProviderOption{
		auth.WithLogger(a.logger),
		auth.WithClock(a.clock),
		auth.WithGuardConfig(a.guardConfig),
		auth.WithEventHook(a.handleProviderEvent),
		auth.WithEndHook(a.handleSessionEnd),
		auth.WithTransitionHook(a.metrics.observeTransition),
	}
	if a.cache != nil {
		opts = append(opts, auth.WithWarmer(a.cache))
	}
	return auth.NewProvider(a.gateway, opts...)
}
