package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/types"
)

func newTestManager(timeout time.Duration) *Manager {
	return NewManager(context.Background(),
		&types.HealthConfig{CheckTimeout: timeout},
		types.ServiceInfo{Name: "gateway", Version: "1.0.0"},
		logger.NewNopLogger())
}

func healthy(ctx context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestManager_CheckAggregatesStatuses(t *testing.T) {
	hm := newTestManager(time.Second)

	_, ok := hm.LastReport()
	assert.False(t, ok)

	hm.RegisterChecker("proxies", healthy)
	hm.RegisterChecker("resources", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusDegraded, Message: "1 of 3 proxies unhealthy"}
	})

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusDegraded, report.Status)
	assert.Equal(t, types.HealthSummary{Total: 2, Healthy: 1, Degraded: 1}, report.Summary)
	assert.Equal(t, "gateway", report.Service.Name)
	assert.Equal(t, "proxies", report.Checks["proxies"].Name)

	last, ok := hm.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Status, last.Status)
}

func TestManager_UnhealthyWins(t *testing.T) {
	hm := newTestManager(time.Second)

	hm.RegisterChecker("degraded", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusDegraded}
	})
	hm.RegisterChecker("down", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy}
	})

	assert.Equal(t, types.StatusUnhealthy, hm.Check(context.Background()).Status)
}

func TestManager_PanicAndTimeoutAreUnhealthy(t *testing.T) {
	hm := newTestManager(20 * time.Millisecond)

	hm.RegisterChecker("panics", func(ctx context.Context) types.HealthCheck {
		panic("checker bug")
	})
	hm.RegisterChecker("hangs", func(ctx context.Context) types.HealthCheck {
		time.Sleep(200 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	hm.RegisterChecker("ok", healthy)

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, types.StatusUnhealthy, report.Checks["panics"].Status)
	assert.Contains(t, report.Checks["panics"].Message, "checker bug")
	assert.Equal(t, "Health check timeout", report.Checks["hangs"].Message)
	assert.Equal(t, types.StatusHealthy, report.Checks["ok"].Status)
}

func TestManager_Lifecycle(t *testing.T) {
	hm := newTestManager(0)
	assert.Equal(t, defaultCheckTimeout, hm.checkTimeout)

	require.NoError(t, hm.Start())
	assert.True(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, hm.Stop())
	assert.False(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Stop(), types.ErrServerNotRunning)
}
