package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status StatusFunc) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv, err := New(Config{}, reg, reg, status, nil)
	require.NoError(t, err)
	return srv, reg
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusUsesProvider(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func() any {
		return map[string]int{"success": 3, "failure": 1}
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body["success"])
}

func TestStatusWithoutProvider(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsExposesRegistryAndCountsRequests(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, nil)
	custom := prometheus.NewCounter(prometheus.CounterOpts{Name: "epwcrawler_test_total", Help: "test"})
	reg.MustRegister(custom)
	custom.Inc()

	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "epwcrawler_test_total 1")
	assert.Equal(t, float64(2), testutil.ToFloat64(srv.requests.WithLabelValues(http.MethodGet, "200")))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(Config{}, reg, reg, nil, nil)
	require.NoError(t, err)
	_, err = New(Config{}, reg, reg, nil, nil)
	require.Error(t, err)
}

func TestNewRequiresRegistry(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test helper
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
