package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bec-project/bec-atlas/pkg/api"
	"github.com/bec-project/bec-atlas/pkg/audit"
	"github.com/bec-project/bec-atlas/pkg/auth"
	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/config"
	"github.com/bec-project/bec-atlas/pkg/credentials"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/docstore/memory"
	"github.com/bec-project/bec-atlas/pkg/docstore/postgres"
	"github.com/bec-project/bec-atlas/pkg/httputil"
	"github.com/bec-project/bec-atlas/pkg/middleware"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/profiles"
	"github.com/bec-project/bec-atlas/pkg/proxy"
	"github.com/bec-project/bec-atlas/pkg/relay"
	"github.com/bec-project/bec-atlas/pkg/roster"
	"github.com/bec-project/bec-atlas/pkg/scilog"
	"github.com/bec-project/bec-atlas/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "atlas: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "atlas")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otel, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		logger.WithError(err).Warn("OpenTelemetry unavailable, continuing without tracing")
	}

	wire, err := codec.ForName(cfg.WireCodec)
	if err != nil {
		return err
	}

	client, err := store.New(ctx, store.Options{URL: cfg.Redis.URL, Password: cfg.Redis.Password, PoolSize: cfg.Redis.PoolSize})
	if err != nil {
		return err
	}
	docs, err := openDocStore(ctx, cfg.DocStore)
	if err != nil {
		client.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	verifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
		IssuerURL:         cfg.Auth.OIDCIssuer,
		ClientID:          cfg.Auth.OIDCClientID,
		SkipClientIDCheck: cfg.Auth.SkipClientIDCheck,
	})
	if err != nil {
		return err
	}
	resolver := auth.NewResolver(verifier, docs, logger)

	provisioner := credentials.NewProvisioner(docs, client, logger)
	if cfg.Redis.ServicePassword != "" {
		if err := provisioner.SetupServiceUsers(ctx, cfg.Redis.ServicePassword); err != nil {
			return err
		}
		if n, err := provisioner.ProvisionAll(ctx); err != nil {
			logger.WithError(err).WithField("provisioned", n).Warn("some deployment ACL users could not be provisioned")
		}
	}

	deployments := roster.New(client, codec.JSON{}, logger)
	if _, err := deployments.Load(ctx); err != nil {
		logger.WithError(err).Warn("failed to load deployment roster")
	}
	go func() {
		if err := deployments.Watch(ctx, nil); err != nil {
			logger.WithError(err).Error("deployment roster watch stopped")
		}
	}()

	rl := relay.New(client, docs, deployments, resolver, relay.Config{
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		PresenceTTL:       cfg.Relay.PresenceTTL,
		Codec:             wire,
		Logger:            logger,
		Metrics:           metrics,
	})
	rl.Start()

	var limiter *middleware.DistributedRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewDistributedRateLimiter(client, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerMinute,
			WindowDuration:    time.Minute,
		}, "ratelimit")
	}

	auditTrail := audit.NewDocStoreLogger(docs)

	server := api.NewServer(api.Deps{
		Proxy: proxy.New(docs, client, proxy.Config{
			Codec:      wire,
			GetTimeout: cfg.Proxy.GetTimeout,
			Logger:     logger,
			Metrics:    metrics,
		}),
		Profiles:       profiles.NewTranslator(docs, client, wire, logger, metrics),
		Credentials:    provisioner,
		Relay:          rl,
		Resolver:       resolver,
		RateLimiter:    limiter,
		Audit:          audit.NewMultiLogger(auditTrail, audit.NewStructuredLogger(logger)),
		AuditTrail:     auditTrail,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	var handler http.Handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
		httputil.MaxBytesMiddleware(10*1024*1024),
	)(server)
	handler = otelhttp.NewHandler(handler, "atlas")

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	checker := observability.NewHealthChecker("1.0.0").
		AddCritical("redis", client).
		AddCritical("docstore", docs)
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.SciLog.Enabled {
		syncer := scilog.NewSyncer(client, scilog.Config{
			BaseURL:  cfg.SciLog.URL,
			Token:    cfg.SciLog.Token,
			Realms:   scilog.ParseRealms(cfg.SciLog.Realms),
			Schedule: cfg.SciLog.Schedule,
			Codec:    wire,
			Logger:   logger,
		})
		if err := syncer.Start(ctx); err != nil {
			return err
		}
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.Register("relay", func(context.Context) error {
		rl.Shutdown()
		cancel()
		return nil
	})
	shutdown.Register("docstore", func(context.Context) error { return docs.Close() })
	shutdown.Register("redis", func(context.Context) error { return client.Close() })
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).WithField("addr", srv.Addr).Error("HTTP server failed")
				cancel()
			}
		}()
	}

	return shutdown.WaitForShutdown(ctx)
}

func openDocStore(ctx context.Context, cfg config.DocStoreConfig) (docstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "postgres", "":
		return postgres.Open(ctx, postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("unknown document store backend %q", cfg.Backend)
	}
}
