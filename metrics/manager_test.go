package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/types"
)

func TestNewManager_Disabled(t *testing.T) {
	_, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: false}, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)
}

func TestNewManager_UnknownType(t *testing.T) {
	_, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "statsd"}, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestManager_Lifecycle(t *testing.T) {
	manager, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "memory"}, logger.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)
}

func TestMemoryMetrics_Instruments(t *testing.T) {
	m := NewMemoryMetrics(logger.NewNopLogger(), &types.MetricsConfig{Labels: map[string]string{"env": "test"}})

	labels := map[string]string{"resource": "features", "result": "hit"}
	m.Counter("proxy_requests_total", labels).Inc()
	m.Counter("proxy_requests_total", labels).Add(2)
	assert.Equal(t, 3.0, m.Counter("proxy_requests_total", labels).Get())

	gauge := m.Gauge("resource_pool_entries", nil)
	gauge.Inc()
	gauge.Inc()
	gauge.Dec()
	gauge.Add(0.5)
	assert.Equal(t, 1.5, gauge.Get())

	histogram := m.Histogram("proxy_resolution_duration_seconds", []float64{0.1, 1}, nil)
	histogram.Observe(0.05)
	histogram.Observe(2)
	assert.Equal(t, uint64(2), histogram.GetCount())
	assert.InDelta(t, 2.05, histogram.GetSum(), 1e-9)

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 3)

	var counter types.MetricValue
	for _, value := range snapshot {
		if value.Name == "proxy_requests_total" {
			counter = value
		}
	}
	assert.Equal(t, "test", counter.Labels["env"])
	assert.Equal(t, "features", counter.Labels["resource"])
}

func TestPrometheusMetrics_HandlerExposesSeries(t *testing.T) {
	manager, err := NewManager(context.Background(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config:  map[string]interface{}{"namespace": "test", "enable_go_metrics": false},
	}, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	defer manager.Stop()

	counter := manager.Counter("proxy_requests_total", map[string]string{"resource": "features", "result": "resolved"})
	counter.Inc()
	assert.Equal(t, 1.0, counter.Get())

	manager.Gauge("proxy_breaker_state", map[string]string{"resource": "features"}).Set(1)

	histogram := manager.Histogram("proxy_resolution_duration_seconds", []float64{0.1, 1}, map[string]string{"resource": "features"})
	histogram.Observe(0.2)
	assert.Equal(t, uint64(1), histogram.GetCount())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	manager.Handler()(ctx)

	body := string(ctx.Response.Body())
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, body, `test_proxy_requests_total{resource="features",result="resolved"} 1`)
	assert.Contains(t, body, `test_proxy_breaker_state{resource="features"} 1`)

	assert.NotEmpty(t, manager.Snapshot())
}

func TestNopManager_DiscardsValues(t *testing.T) {
	manager := NewNopManager()
	require.NoError(t, manager.Start())

	manager.Counter("anything", nil).Inc()
	assert.Zero(t, manager.Counter("anything", nil).Get())
	assert.Nil(t, manager.Snapshot())
}
