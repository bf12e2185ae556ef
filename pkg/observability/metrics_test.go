package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)
		require.NotNil(t, metrics)

		// Vectors only show up once a label set is touched.
		metrics.ObserveProxy("get", "ok")
		metrics.ObserveIngestEntry("data", "read")
		metrics.ObserveRelayForward("scans")

		families, err := registry.Gather()
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, f := range families {
			names[f.GetName()] = true
		}
		assert.True(t, names["atlas_proxy_requests_total"])
		assert.True(t, names["atlas_proxy_get_duration_seconds"])
		assert.True(t, names["atlas_ingest_entries_total"])
		assert.True(t, names["atlas_relay_connections"])
		assert.True(t, names["atlas_relay_forwarded_total"])
	})

	t.Run("panics on double registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)
		assert.Panics(t, func() { NewMetrics(registry) })
	})
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveProxy("set", "forbidden")
	m.ObserveProxy("set", "forbidden")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProxyRequestsTotal.WithLabelValues("set", "forbidden")))

	m.ObserveProxyGet(50*time.Millisecond, false)
	m.ObserveProxyGet(10*time.Second, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyGetTimeouts))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ProxyGetDuration))

	m.ObserveIngestEntry("data", "reclaim")
	m.ObserveIngestMessage("data", "scan_status", "ok")
	m.ObserveIngestAck("data", 3)
	m.ObserveIngestAck("data", 0)
	m.ObserveIngestError("data", "read")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestEntriesTotal.WithLabelValues("data", "reclaim")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestMessagesTotal.WithLabelValues("data", "scan_status", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.IngestAcksTotal.WithLabelValues("data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestReadErrorsTotal.WithLabelValues("data", "read")))

	m.AddRelayConnections(2)
	m.AddRelayConnections(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayConnections))

	m.ObservePresence(nil)
	m.ObservePresence(errors.New("down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayPresencePublishes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayPresencePublishes.WithLabelValues("error")))

	m.ObserveProfile("created")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProfileReconciliations.WithLabelValues("created")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProxy("get", "ok")
		m.ObserveProxyGet(time.Second, true)
		m.ObserveIngestEntry("data", "read")
		m.ObserveIngestMessage("data", "account", "error")
		m.ObserveIngestAck("data", 1)
		m.ObserveIngestError("data", "ack")
		m.AddRelayConnections(1)
		m.ObserveRelayForward("scans")
		m.ObservePresence(nil)
		m.ObserveProfile("deleted")
	})
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
		rw.WriteHeader(http.StatusNotFound)
		assert.Equal(t, http.StatusNotFound, rw.statusCode)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("counts bytes across writes", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
		_, err := rw.Write([]byte("hello "))
		require.NoError(t, err)
		_, err = rw.Write([]byte("world"))
		require.NoError(t, err)
		assert.Equal(t, 11, rw.bytesWritten)
	})

	t.Run("hijack fails on a recorder", func(t *testing.T) {
		rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
		_, _, err := rw.Hijack()
		assert.Error(t, err)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/redis", nil))
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/redis", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/missing", "404")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.ObserveProxy("get", "ok")

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `atlas_proxy_requests_total{op="get",outcome="ok"} 1`))
}
