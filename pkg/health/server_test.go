package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/metrics"
)

func newTestServer(t *testing.T, status StatusFunc) (*Server, *HealthChecker, *metrics.Registry) {
	t.Helper()
	hc := NewHealthChecker()
	reg := metrics.NewRegistry()
	return NewServer("127.0.0.1:0", hc, status, reg, logging.NewNopLogger()), hc, reg
}

func serve(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerHealthRoutes(t *testing.T) {
	s, hc, _ := newTestServer(t, nil)
	hc.RegisterCheck("election", func() Check { return Check{Status: StatusDegraded} })
	hc.RegisterLivenessCheck("process", func() Check { return SimpleCheck("process") })
	hc.RegisterReadinessCheck("election", func() Check { return Check{Status: StatusDegraded} })

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusOK},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(s, tt.path)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestServerStatus(t *testing.T) {
	s, _, _ := newTestServer(t, func() any {
		return map[string]any{"node_id": 3, "coordinator": 5}
	})

	rec := serve(s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.EqualValues(t, 3, body["node_id"])
	assert.EqualValues(t, 5, body["coordinator"])
}

func TestServerStatusUnavailable(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, serve(s, "/status").Code)
}

func TestServerMetrics(t *testing.T) {
	s, _, reg := newTestServer(t, nil)
	reg.RecordMessage("sent", "ELECTION")

	serve(s, "/health")
	serve(s, "/health")

	rec := serve(s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "coord_messages_total"))

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.HTTPRequestsInFlight))
}

func TestServerUnknownRoute(t *testing.T) {
	s, _, reg := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, serve(s, "/nope").Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.HTTPRequestsTotal.WithLabelValues("GET", "unknown", "404")))
}
