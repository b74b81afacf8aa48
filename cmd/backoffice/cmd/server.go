package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/backoffice/api"
	"github.com/jmcleod/backoffice/audit"
	"github.com/jmcleod/backoffice/auth"
	"github.com/jmcleod/backoffice/cache"
	"github.com/jmcleod/backoffice/gateway/local"
	"github.com/jmcleod/backoffice/gateway/remote"
	"github.com/jmcleod/backoffice/guard"
	"github.com/jmcleod/backoffice/internal/util"
	"github.com/jmcleod/backoffice/storage"
	"github.com/jmcleod/backoffice/web"
)

var (
	port             int
	authBackend      string
	remoteURL        string
	remoteKey        string
	sessionTimeout   time.Duration
	warningLead      time.Duration
	sessionLifetime  time.Duration
	tlsCert          string
	tlsKey           string
	trustedProxies   []string
	wsOrigins        []string
	auditWebhookURL  string
	auditWebhookAuth string
	cacheTTL         time.Duration
	datasets         []string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the back office server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	flags := serverCmd.Flags()
	flags.IntVarP(&port, "port", "p", 8443, "Port to listen on")
	flags.StringVar(&authBackend, "auth", "local", "Auth backend (local, remote)")
	flags.StringVar(&remoteURL, "remote-url", "", "Base URL of the hosted auth service for --auth=remote")
	flags.StringVar(&remoteKey, "remote-key", "", "Public API key of the hosted auth service")
	flags.DurationVar(&sessionTimeout, "session-timeout", guard.DefaultTotalTimeout, "Inactivity period before sign-out")
	flags.DurationVar(&warningLead, "warning-lead", guard.DefaultWarningLead, "How long before sign-out the warning is shown")
	flags.DurationVar(&sessionLifetime, "session-lifetime", local.DefaultSessionLifetime, "Absolute lifetime of local sessions")
	flags.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	flags.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	flags.StringSliceVar(&trustedProxies, "trusted-proxies", nil, "Proxy IPs or CIDRs whose X-Forwarded-For is honored")
	flags.StringSliceVar(&wsOrigins, "ws-origins", nil, "Extra origin patterns allowed to open the session event stream")
	flags.StringVar(&auditWebhookURL, "audit-webhook-url", "", "URL receiving each audit event as JSON")
	flags.StringVar(&auditWebhookAuth, "audit-webhook-auth", "", "Authorization header value for the audit webhook")
	flags.DurationVar(&cacheTTL, "cache-ttl", cache.DefaultTTL, "How long warmed datasets stay fresh")
	flags.StringSliceVar(&datasets, "datasets", []string{"properties", "owners", "check_ins"}, "Dataset tables warmed at sign-in")
}

func guardConfigFromFlags() (guard.Config, error) {
	cfg := guard.DefaultConfig()
	cfg.TotalTimeout = sessionTimeout
	cfg.WarningLead = warningLead
	if err := cfg.Validate(); err != nil {
		return guard.Config{}, err
	}
	return cfg, nil
}

// openGateway returns the configured auth backend and a func that stops
// its background work.
func openGateway(ctx context.Context, repo storage.Repository, logger *slog.Logger) (auth.Gateway, func(), error) {
	switch authBackend {
	case "local":
		gw, err := openLocalGateway(ctx, repo, logger, local.WithSessionLifetime(sessionLifetime))
		if err != nil {
			return nil, nil, err
		}
		return gw, gw.Close, nil
	case "remote":
		gw, err := remote.New(remoteURL, remoteKey, remote.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return gw, gw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown auth backend %q (want local or remote)", authBackend)
	}
}

func loadTLSConfig() (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if tlsCert != "" && tlsKey != "" {
		cert, err = tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := newLogger(logLevel)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	guardCfg, err := guardConfigFromFlags()
	if err != nil {
		return err
	}
	proxies, err := api.ParseTrustedProxies(trustedProxies)
	if err != nil {
		return err
	}

	repo, closeRepo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	gateway, closeGateway, err := openGateway(ctx, repo, logger)
	if err != nil {
		return err
	}
	defer closeGateway()

	store := cache.New(cache.WithTTL(cacheTTL), cache.WithLogger(logger))
	for _, name := range datasets {
		store.Register(name, cache.RepositoryLoader{Repo: repo, Dataset: name})
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithGuardConfig(guardCfg),
		api.WithCache(store),
		api.WithAuditTrail(audit.NewTrail(repo)),
		api.WithTrustedProxies(proxies),
		api.WithWebSocketOrigins(wsOrigins),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn(e.Message,
				"alert", string(e.Type),
				"count", e.Count,
				"threshold", e.Threshold,
			)
		}),
	}
	if auditWebhookURL != "" {
		hook := audit.NewWebhook(auditWebhookURL, auditWebhookAuth, audit.WithWebhookLogger(logger))
		defer hook.Close()
		opts = append(opts, api.WithAuditWebhook(hook))
	}
	a := api.New(gateway, opts...)
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", a.MetricsHandler())
	r.Mount("/api/v1", a.Router())

	webHandler, err := web.Handler("/api/v1")
	if err != nil {
		return err
	}
	r.Handle("/*", webHandler)

	tlsConfig, err := loadTLSConfig()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the session event stream is long-lived.
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	stopSweep := make(chan struct{})
	defer close(stopSweep)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Sweep()
			case <-stopSweep:
				return
			}
		}
	}()

	printBanner()
	fmt.Printf("Starting server on port %d (storage: %s, auth: %s, timeout: %s, warning: %s)...\n",
		port, storageBackend, authBackend, guardCfg.TotalTimeout, guardCfg.WarningLead)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
