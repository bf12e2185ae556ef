// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for the atlas processes.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("deployment", id).Info("consumer group ensured")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveProxy("get", "ok")
//
// Every recorder on *Metrics accepts a nil receiver, so components built
// without metrics need no guards.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version).
//		AddCritical("redis", redisClient).
//		AddCritical("docstore", docs)
//
// # Tracing
//
//	ctx, span := observability.StartSpan(ctx, "proxy.get", "deployment", id)
//	defer func() { observability.EndSpan(span, err) }()
package observability
