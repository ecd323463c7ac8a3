package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// Backend is a metrics implementation that can also expose itself over HTTP.
type Backend interface {
	types.MetricsManager
	Handler() fasthttp.RequestHandler
}

type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	backend Backend
	state   atomic.Value
}

var customMetricsCreators = sync.Map{}

type BackendCreator func(logger types.Logger, config *types.MetricsConfig) (Backend, error)

func RegisterBackend(name string, creator BackendCreator) {
	customMetricsCreators.Store(name, creator)
}

// NewManager selects a backend by config type. Disabled metrics yield
// ErrMetricsIsDisabled so callers can fall back to NewNopManager.
func NewManager(ctx context.Context, config *types.MetricsConfig, logger types.Logger) (*Manager, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrMetricsIsDisabled
	}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:    managerCtx,
		cancel: cancel,
		logger: logger,
	}
	manager.state.Store(ManagerStateStopped)

	backend, err := createBackend(logger, config)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	manager.backend = backend
	logger.Info("Metrics manager initialized", zap.String("type", config.Type))

	return manager, nil
}

// NewNopManager returns a manager without a backend; its instruments discard values.
func NewNopManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	manager := &Manager{ctx: ctx, cancel: cancel}
	manager.state.Store(ManagerStateStopped)
	return manager
}

func createBackend(logger types.Logger, config *types.MetricsConfig) (Backend, error) {
	switch config.Type {
	case "memory":
		return NewMemoryMetrics(logger, config), nil
	case "prometheus":
		return NewPrometheusMetrics(logger, config)
	default:
		if creator, exists := customMetricsCreators.Load(config.Type); exists {
			return creator.(BackendCreator)(logger, config)
		}
		return nil, types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
	}
}

func (m *Manager) Start() error {
	if !m.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if m.backend != nil {
		if err := m.backend.Start(); err != nil {
			m.setState(ManagerStateStopped)
			return types.WrapError(err, "failed to start metrics manager")
		}
		m.logger.Info("Metrics manager started successfully")
	}

	m.setState(ManagerStateRunning)
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(ManagerStateStopped)
		m.cancel()
	}()

	if m.backend == nil {
		return nil
	}

	if err := m.backend.Stop(); err != nil {
		m.logger.Error("Error during metrics manager shutdown", zap.Error(err))
		return types.WrapError(err, "failed to stop metrics manager")
	}

	m.logger.Info("Metrics manager stopped gracefully")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == ManagerStateRunning
}

func (m *Manager) getState() ManagerState {
	return m.state.Load().(ManagerState)
}

func (m *Manager) setState(newState ManagerState) {
	m.state.Store(newState)
}

func (m *Manager) transitionState(from, to ManagerState) bool {
	return m.state.CompareAndSwap(from, to)
}

// Instruments are handed out even before Start so that components built
// during wiring can hold on to them.
func (m *Manager) Counter(name string, labels map[string]string) types.Counter {
	if m.backend != nil {
		return m.backend.Counter(name, labels)
	}
	return &emptyCounter{}
}

func (m *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if m.backend != nil {
		return m.backend.Gauge(name, labels)
	}
	return &emptyGauge{}
}

func (m *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if m.backend != nil {
		return m.backend.Histogram(name, buckets, labels)
	}
	return &emptyHistogram{}
}

func (m *Manager) Snapshot() []types.MetricValue {
	if m.backend != nil {
		return m.backend.Snapshot()
	}
	return nil
}

func (m *Manager) Handler() fasthttp.RequestHandler {
	if m.backend != nil {
		return m.backend.Handler()
	}
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

type emptyCounter struct{}

func (c *emptyCounter) Inc()          {}
func (c *emptyCounter) Add(_ float64) {}
func (c *emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (g *emptyGauge) Set(_ float64) {}
func (g *emptyGauge) Inc()          {}
func (g *emptyGauge) Dec()          {}
func (g *emptyGauge) Add(_ float64) {}
func (g *emptyGauge) Sub(_ float64) {}
func (g *emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (h *emptyHistogram) Observe(_ float64)           {}
func (h *emptyHistogram) ObserveDuration(_ time.Time) {}
func (h *emptyHistogram) GetCount() uint64            { return 0 }
func (h *emptyHistogram) GetSum() float64             { return 0 }
