package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCollectorDropsMetrics(t *testing.T) {
	c := NewCollector(false, 0)
	c.Counter("x", 1, nil)
	assert.Empty(t, c.GetMetrics())
	require.NoError(t, c.Shutdown())
}

func TestSnapshotSumsCountersAndKeepsLastGauge(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()

	c.Counter("runs", 1, nil)
	c.Counter("runs", 2, nil)
	c.Gauge("shards", 4, nil)
	c.Gauge("shards", 8, nil)
	c.Timer("elapsed", 1500*time.Millisecond, nil)

	snap := c.Snapshot()
	assert.Equal(t, 3.0, snap["runs"])
	assert.Equal(t, 8.0, snap["shards"])
	assert.Equal(t, 1500.0, snap["elapsed"])
}

func TestFlushDrainsBuffer(t *testing.T) {
	c := NewCollector(true, time.Hour)
	defer c.Shutdown()
	c.Counter("a", 1, nil)
	require.NoError(t, c.FlushMetrics())
	assert.Empty(t, c.GetMetrics())
}

func TestHealthHandlerReportsUnhealthy(t *testing.T) {
	checks := map[string]func() HealthCheck{
		"ok":  func() HealthCheck { return HealthCheck{Name: "ok", Status: HealthStatusHealthy} },
		"bad": func() HealthCheck { return HealthCheck{Name: "bad", Status: HealthStatusUnhealthy} },
	}
	rr := httptest.NewRecorder()
	HealthHandler(checks)(rr, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	resp := RunHealthChecks(checks)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "bad", resp.Checks[0].Name)
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
}
