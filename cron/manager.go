package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	jobs            map[string]*types.JobEntry
	state           atomic.Value
	mu              sync.RWMutex
	shutdownTimeout time.Duration
}

var _ types.CronManager = (*Manager)(nil)

// NewManager builds a scheduler with second-resolution specs. An unknown
// timezone falls back to UTC.
func NewManager(ctx context.Context, timezone string, logger types.Logger, metrics types.MetricsManager) *Manager {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("Unknown cron timezone, using UTC", zap.String("timezone", timezone))
		location = time.UTC
	}

	cronL := safeCronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		jobs:            make(map[string]*types.JobEntry),
		shutdownTimeout: 10 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager
}

func (m *Manager) Add(jobName, spec string, job func()) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}
	if spec == "" {
		return types.ErrCronExpressionInvalid
	}
	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "job %q", jobName)
	}

	entryID, err := m.cron.AddFunc(spec, m.wrapJob(jobName, job))
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	entry := &types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		AddedAt: time.Now(),
	}
	if cronEntry := m.cron.Entry(entryID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}

	m.jobs[jobName] = entry

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job %q", jobName)
	}

	m.cron.Remove(entry.ID)
	delete(m.jobs, jobName)

	m.logger.Info("Cron job removed", zap.String("job_name", jobName))
	return nil
}

func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		jobs = append(jobs, *entry)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Name < jobs[j].Name
	})

	return jobs
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setState(StateRunning)
	m.setSchedulerStatus(1)

	m.logger.Info("Cron manager started")
	return nil
}

// Stop waits for running jobs up to the shutdown timeout.
func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
		m.setSchedulerStatus(0)
		m.cancel()
	}()

	stopCtx := m.cron.Stop()

	select {
	case <-stopCtx.Done():
		m.logger.Info("Cron scheduler stopped gracefully")
		return nil
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron manager stop timeout, some jobs may still be running")
		return types.Errorf(types.ErrCronSchedulerStopped, "timeout after %s", m.shutdownTimeout)
	}
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) {
	m.state.Store(newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) wrapJob(jobName string, job func()) func() {
	return func() {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Job skipped due to shutdown", zap.String("job_name", jobName))
			return
		default:
		}

		startTime := time.Now()
		m.updateJobStart(jobName, startTime)

		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
				}
			}()
			job()
		}()

		duration := time.Since(startTime)
		m.updateJobFinish(jobName, duration, err)

		result := "success"
		if err != nil {
			result = "error"
			m.logger.Error("Cron job failed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration),
				zap.Error(err))
		} else {
			m.logger.Debug("Cron job completed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration))
		}

		m.recordExecution(jobName, result, duration)
	}
}

func (m *Manager) updateJobStart(jobName string, startTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.jobs[jobName]; exists {
		entry.LastRun = startTime
	}
}

func (m *Manager) updateJobFinish(jobName string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastDuration = duration
	entry.RunCount++
	entry.LastError = ""
	if err != nil {
		entry.LastError = err.Error()
	}

	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

func (m *Manager) recordExecution(jobName, result string, duration time.Duration) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("cron_job_executions_total", map[string]string{
		"job_name": jobName,
		"result":   result,
	}).Inc()

	m.metrics.Histogram("cron_job_duration_seconds",
		[]float64{0.01, 0.1, 1.0, 10.0, 60.0},
		map[string]string{"job_name": jobName},
	).Observe(duration.Seconds())
}

func (m *Manager) setSchedulerStatus(value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("cron_scheduler_running", nil).Set(value)
}

// safeCronLogger adapts types.Logger to cron.Logger.
type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, toFields(keysAndValues)...)
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(toFields(keysAndValues), zap.Error(err))...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
