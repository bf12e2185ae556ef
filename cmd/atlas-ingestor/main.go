package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/config"
	"github.com/bec-project/bec-atlas/pkg/docstore"
	"github.com/bec-project/bec-atlas/pkg/docstore/memory"
	"github.com/bec-project/bec-atlas/pkg/docstore/postgres"
	"github.com/bec-project/bec-atlas/pkg/ingest"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/roster"
	"github.com/bec-project/bec-atlas/pkg/scilog"
	"github.com/bec-project/bec-atlas/pkg/store"
	"github.com/bec-project/bec-atlas/pkg/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "atlas-ingestor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).WithField("service", "atlas-ingestor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	defer client.Close()

	docs, err := openDocStore(ctx, cfg.DocStore)
	if err != nil {
		return err
	}
	defer docs.Close()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	deployments := roster.New(client, codec.JSON{}, logger)
	if _, err := deployments.Load(ctx); err != nil {
		logger.WithError(err).Warn("failed to load deployment roster")
	}

	var linker ingest.LogbookLinker
	if cfg.SciLog.Enabled {
		linker = scilog.NewLinker(client, wire)
	}
	data, err := ingest.NewDataHandler(docs, cfg.Ingest.SessionCacheSize, linker, logger)
	if err != nil {
		return err
	}
	messaging := ingest.NewMessagingServiceHandler(docs, messagingSinks(cfg.Messaging, logger), logger)

	base := ingest.Config{
		Group:           cfg.Ingest.Group,
		Consumer:        cfg.Ingest.Consumer,
		Block:           cfg.Ingest.Block,
		IdleWait:        cfg.Ingest.IdleWait,
		ReclaimInterval: cfg.Ingest.ReclaimInterval,
		ReclaimMinIdle:  cfg.Ingest.ReclaimMinIdle,
		ReclaimCount:    cfg.Ingest.ReclaimCount,
		Codec:           wire,
		Logger:          logger,
		Metrics:         metrics,
	}
	dataCfg := base
	dataCfg.Name = "data"
	dataCfg.StreamKey = store.IngestStream
	messagingCfg := base
	messagingCfg.Name = "messaging"
	messagingCfg.StreamKey = store.MessageServiceStream
	messagingCfg.Aliases = map[string]string{"data": "messaging_service"}

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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingest.NewPipeline(client, deployments, data, dataCfg).Run(gctx)
	})
	g.Go(func() error {
		return ingest.NewPipeline(client, deployments, messaging, messagingCfg).Run(gctx)
	})
	if cfg.SciLog.Enabled {
		syncer := scilog.NewSyncer(client, scilog.Config{
			BaseURL:  cfg.SciLog.URL,
			Token:    cfg.SciLog.Token,
			Realms:   scilog.ParseRealms(cfg.SciLog.Realms),
			Schedule: cfg.SciLog.Schedule,
			Codec:    wire,
			Logger:   logger,
		})
		if err := syncer.Start(gctx); err != nil {
			return err
		}
	}
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown failed")
		}
		return observability.ShutdownOTel(shutdownCtx, otel, logger)
	})

	logger.WithField("deployments", len(deployments.Current().Deployments)).Info("ingestor started")
	err = g.Wait()
	logger.Info("ingestor stopped")
	return err
}

// messagingSinks builds a webhook sink for every service with a URL
func messagingSinks(cfg config.MessagingConfig, logger *observability.Logger) map[string]ingest.Sink {
	sinks := make(map[string]ingest.Sink)
	add := func(service, url string, format webhooks.Format) {
		if url == "" {
			return
		}
		sinks[service] = webhooks.NewSink(webhooks.Config{
			Service: service,
			URL:     url,
			Format:  format,
			Secret:  cfg.Secret,
			Retry:   webhooks.RetryConfig{MaxAttempts: cfg.MaxAttempts},
			Timeout: cfg.Timeout,
			Logger:  logger,
		})
	}
	add(ingest.ServiceTeams, cfg.TeamsWebhookURL, webhooks.FormatTeams)
	add(ingest.ServiceSignal, cfg.SignalWebhookURL, webhooks.FormatJSON)
	add(ingest.ServiceSciLog, cfg.SciLogWebhookURL, webhooks.FormatJSON)
	return sinks
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
