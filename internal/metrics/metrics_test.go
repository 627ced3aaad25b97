package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAndExpose(t *testing.T) {
	m := New()

	stop := m.DBTimer("client-feature-toggle", "getAll")
	stop()
	m.ObserveRequest("/api/client/features", http.MethodGet, http.StatusOK, 3*time.Millisecond)
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.SetRevision(42)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.revision))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `flagstate_db_query_duration_seconds_count{action="getAll",store="client-feature-toggle"} 1`), body)
	assert.Contains(t, body, `flagstate_http_requests_total{code="200",method="GET",route="/api/client/features"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.DBTimer("store", "action")()
	m.ObserveRequest("/", http.MethodGet, http.StatusOK, time.Millisecond)
	m.CacheHit()
	m.CacheMiss()
	m.SetRevision(1)
}
