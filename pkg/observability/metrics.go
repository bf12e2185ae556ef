package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Proxy metrics
	ProxyRequestsTotal  *prometheus.CounterVec
	ProxyGetDuration    prometheus.Histogram
	ProxyGetTimeouts    prometheus.Counter

	// Ingestion metrics
	IngestEntriesTotal    *prometheus.CounterVec
	IngestMessagesTotal   *prometheus.CounterVec
	IngestAcksTotal       *prometheus.CounterVec
	IngestReadErrorsTotal *prometheus.CounterVec

	// Relay metrics
	RelayConnections        prometheus.Gauge
	RelayForwardedTotal     *prometheus.CounterVec
	RelayPresencePublishes  *prometheus.CounterVec

	// Profile metrics
	ProfileReconciliations *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atlas_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atlas_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		ProxyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_proxy_requests_total",
				Help: "Proxied store operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		ProxyGetDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "atlas_proxy_get_duration_seconds",
				Help:    "Round trip time of proxied get requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		ProxyGetTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "atlas_proxy_get_timeouts_total",
				Help: "Proxied get requests that received no reply in time",
			},
		),

		IngestEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_ingest_entries_total",
				Help: "Stream entries dispatched, by pipeline and source (read or reclaim)",
			},
			[]string{"pipeline", "source"},
		),
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_ingest_messages_total",
				Help: "Decoded sub-messages by kind and outcome",
			},
			[]string{"pipeline", "kind", "outcome"},
		),
		IngestAcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_ingest_acks_total",
				Help: "Stream entries acknowledged",
			},
			[]string{"pipeline"},
		),
		IngestReadErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_ingest_read_errors_total",
				Help: "Store errors while reading, claiming or acknowledging",
			},
			[]string{"pipeline", "stage"},
		),

		RelayConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "atlas_relay_connections",
				Help: "Front-end connections held by this replica",
			},
		),
		RelayForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_relay_forwarded_total",
				Help: "Messages forwarded to connections, by endpoint",
			},
			[]string{"endpoint"},
		),
		RelayPresencePublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_relay_presence_publishes_total",
				Help: "Presence record publishes by outcome",
			},
			[]string{"outcome"},
		),

		ProfileReconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_profile_reconciliations_total",
				Help: "Access profile changes applied during reconciliation",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ProxyRequestsTotal,
		m.ProxyGetDuration,
		m.ProxyGetTimeouts,
		m.IngestEntriesTotal,
		m.IngestMessagesTotal,
		m.IngestAcksTotal,
		m.IngestReadErrorsTotal,
		m.RelayConnections,
		m.RelayForwardedTotal,
		m.RelayPresencePublishes,
		m.ProfileReconciliations,
	)

	return m
}

// The recorders below are nil-safe so components can run without metrics.

// ObserveProxy counts one proxied operation
func (m *Metrics) ObserveProxy(op, outcome string) {
	if m == nil {
		return
	}
	m.ProxyRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveProxyGet records a get round trip
func (m *Metrics) ObserveProxyGet(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.ProxyGetDuration.Observe(d.Seconds())
	if timedOut {
		m.ProxyGetTimeouts.Inc()
	}
}

// ObserveIngestEntry counts a dispatched stream entry
func (m *Metrics) ObserveIngestEntry(pipeline, source string) {
	if m == nil {
		return
	}
	m.IngestEntriesTotal.WithLabelValues(pipeline, source).Inc()
}

// ObserveIngestMessage counts a handled sub-message
func (m *Metrics) ObserveIngestMessage(pipeline, kind, outcome string) {
	if m == nil {
		return
	}
	m.IngestMessagesTotal.WithLabelValues(pipeline, kind, outcome).Inc()
}

// ObserveIngestAck counts acknowledged entries
func (m *Metrics) ObserveIngestAck(pipeline string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IngestAcksTotal.WithLabelValues(pipeline).Add(float64(n))
}

// ObserveIngestError counts a store error in the given loop stage
func (m *Metrics) ObserveIngestError(pipeline, stage string) {
	if m == nil {
		return
	}
	m.IngestReadErrorsTotal.WithLabelValues(pipeline, stage).Inc()
}

// AddRelayConnections moves the connection gauge by delta
func (m *Metrics) AddRelayConnections(delta int) {
	if m == nil {
		return
	}
	m.RelayConnections.Add(float64(delta))
}

// ObserveRelayForward counts a message delivered to one connection
func (m *Metrics) ObserveRelayForward(endpoint string) {
	if m == nil {
		return
	}
	m.RelayForwardedTotal.WithLabelValues(endpoint).Inc()
}

// ObservePresence counts a presence publish
func (m *Metrics) ObservePresence(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RelayPresencePublishes.WithLabelValues(outcome).Inc()
}

// ObserveProfile counts a profile created, patched, deleted or left unchanged
func (m *Metrics) ObserveProfile(action string) {
	if m == nil {
		return
	}
	m.ProfileReconciliations.WithLabelValues(action).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Hijack lets websocket upgrades pass through the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
