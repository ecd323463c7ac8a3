package sai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/metrics"
	"github.com/saiset-co/sai-resilience/types"
)

func TestContainer_EmptyAccessors(t *testing.T) {
	c := InitContainer()

	assert.Nil(t, c.GetConfig())
	assert.Nil(t, c.GetLogger())
	assert.Nil(t, c.GetHealth())
	assert.Nil(t, c.Registry.Load())
}

func TestRegisterMetricsBackend(t *testing.T) {
	RegisterMetricsBackend("inline", func(l types.Logger, config *types.MetricsConfig) (metrics.Backend, error) {
		return metrics.NewMemoryMetrics(l, config), nil
	})

	manager, err := metrics.NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "inline"}, logger.NewNopLogger())
	require.NoError(t, err)

	c := InitContainer()
	c.SetMetrics(manager)

	c.Metrics.Load().Counter("proxy_requests_total", map[string]string{"resource": "features", "result": "hit"}).Inc()
	assert.Equal(t, 1.0, manager.Counter("proxy_requests_total", map[string]string{"resource": "features", "result": "hit"}).Get())
}
