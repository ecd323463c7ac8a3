package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-resilience/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultCheckTimeout = 5 * time.Second

type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	service      types.ServiceInfo
	checkers     map[string]types.HealthChecker
	lastReport   *types.HealthReport
	startTime    time.Time
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

var _ types.HealthManager = (*Manager)(nil)

func NewManager(ctx context.Context, config *types.HealthConfig, service types.ServiceInfo, logger types.Logger) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		logger:       logger,
		service:      service,
		checkers:     make(map[string]types.HealthChecker),
		startTime:    time.Now(),
		checkTimeout: defaultCheckTimeout,
	}

	if config != nil && config.CheckTimeout > 0 {
		manager.checkTimeout = config.CheckTimeout
	}

	manager.state.Store(StateStopped)

	return manager
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
	hm.logger.Debug("Health checker registered", zap.String("name", name))
}

// Check runs every checker in parallel, each bounded by the check timeout,
// and remembers the report for LastReport.
func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	g, gCtx := errgroup.WithContext(ctx)
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			result := hm.executeCheck(gCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	report := hm.buildReport(results)

	hm.mu.Lock()
	hm.lastReport = &report
	hm.mu.Unlock()

	if report.Status != types.StatusHealthy {
		hm.logger.Warn("Health check reported problems",
			zap.String("status", string(report.Status)),
			zap.Int("unhealthy", report.Summary.Unhealthy),
			zap.Int("degraded", report.Summary.Degraded))
	}

	return report
}

func (hm *Manager) LastReport() (types.HealthReport, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	if hm.lastReport == nil {
		return types.HealthReport{}, false
	}
	return *hm.lastReport, true
}

func (hm *Manager) Start() error {
	if !hm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	hm.startTime = time.Now()
	hm.setState(StateRunning)

	hm.logger.Info("Health manager started", zap.Duration("check_timeout", hm.checkTimeout))
	return nil
}

func (hm *Manager) Stop() error {
	if !hm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	hm.cancel()
	hm.setState(StateStopped)

	hm.logger.Info("Health manager stopped gracefully")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.getState() == StateRunning
}

func (hm *Manager) getState() State {
	return hm.state.Load().(State)
}

func (hm *Manager) setState(newState State) {
	hm.state.Store(newState)
}

func (hm *Manager) transitionState(from, to State) bool {
	return hm.state.CompareAndSwap(from, to)
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheck{
					Name:      name,
					Status:    types.StatusUnhealthy,
					Message:   fmt.Sprintf("Health check panicked: %v", r),
					LastCheck: time.Now(),
					Duration:  time.Since(start),
				}
			}
		}()

		result := checker(checkCtx)
		result.Name = name
		result.LastCheck = time.Now()
		result.Duration = time.Since(start)
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		return result
	case <-hm.ctx.Done():
		return types.HealthCheck{
			Name:      name,
			Status:    types.StatusUnhealthy,
			Message:   "Health manager shutting down",
			LastCheck: time.Now(),
			Duration:  time.Since(start),
		}
	case <-checkCtx.Done():
		return types.HealthCheck{
			Name:      name,
			Status:    types.StatusUnhealthy,
			Message:   "Health check timeout",
			LastCheck: time.Now(),
			Duration:  time.Since(start),
		}
	}
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	summary := types.HealthSummary{
		Total: len(results),
	}

	overallStatus := types.StatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusDegraded:
			summary.Degraded++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusDegraded
			}
		case types.StatusUnhealthy:
			summary.Unhealthy++
			overallStatus = types.StatusUnhealthy
		default:
			summary.Unknown++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusUnknown
			}
		}
	}

	return types.HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Service:   hm.service,
		Checks:    results,
		Summary:   summary,
	}
}
