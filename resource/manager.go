// Package resource shares long-lived connections between callers by key.
// Each key owns one instance that is built on first Acquire and torn down
// when the last holder releases it.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/types"
)

type Resource interface {
	Disconnect() error
}

// Reconfigurable resources receive the config passed to every later Acquire.
type Reconfigurable interface {
	Reconfigure(config interface{}) error
}

type Factory func(ctx context.Context, key string, config interface{}) (Resource, error)

type Option func(*Manager)

func WithMetrics(metrics types.MetricsManager) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

type entry struct {
	mu       sync.Mutex
	resource Resource
	refCount atomic.Int32
	// removed is set once the entry has left the pool; holders of a stale
	// pointer must look the key up again.
	removed bool
}

type Manager struct {
	factory Factory
	logger  types.Logger
	metrics types.MetricsManager

	mu      sync.Mutex
	entries map[string]*entry
}

var _ types.ResourceManager = (*Manager)(nil)

func NewManager(factory Factory, logger types.Logger, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, types.ErrFactoryIsNil
	}

	m := &Manager{
		factory: factory,
		logger:  logger,
		entries: make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Acquire returns the shared instance for key, building it when absent.
// Building one key never blocks callers of other keys.
func (m *Manager) Acquire(ctx context.Context, key string, config interface{}) (Resource, error) {
	if key == "" {
		return nil, types.ErrResourceKeyEmpty
	}

	for {
		m.mu.Lock()
		e, exists := m.entries[key]
		if !exists {
			e = &entry{}
			e.mu.Lock()
			m.entries[key] = e
			m.mu.Unlock()

			return m.construct(ctx, key, config, e)
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		refs := e.refCount.Add(1)
		res := e.resource

		if reconfigurable, ok := res.(Reconfigurable); ok && config != nil {
			if err := reconfigurable.Reconfigure(config); err != nil {
				m.logger.Warn("Failed to reconfigure shared resource",
					zap.String("key", key),
					zap.Error(err))
			}
		}
		e.mu.Unlock()

		m.logger.Debug("Shared resource acquired",
			zap.String("key", key),
			zap.Int32("ref_count", refs))

		return res, nil
	}
}

// construct runs with e.mu held and always releases it.
func (m *Manager) construct(ctx context.Context, key string, config interface{}, e *entry) (Resource, error) {
	defer e.mu.Unlock()

	start := time.Now()
	res, err := m.factory(ctx, key, config)
	if err == nil && res == nil {
		err = types.Errorf(types.ErrUnexpectedType, "factory returned nil resource for %q", key)
	}

	if err != nil {
		e.removed = true
		m.remove(key, e)

		m.logger.Error("Failed to create shared resource",
			zap.String("key", key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, types.WrapError(err, fmt.Sprintf("create resource %q", key))
	}

	e.resource = res
	e.refCount.Store(1)

	m.logger.Info("Shared resource created",
		zap.String("key", key),
		zap.Duration("duration", time.Since(start)))
	m.recordPoolSize()

	return res, nil
}

// Release drops one reference. The last release disconnects the instance.
// An unknown key yields *types.ResourceNotFoundError and changes nothing.
func (m *Manager) Release(key string) error {
	m.mu.Lock()
	e, exists := m.entries[key]
	m.mu.Unlock()

	if !exists {
		return &types.ResourceNotFoundError{Key: key}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return &types.ResourceNotFoundError{Key: key}
	}

	refs := e.refCount.Add(-1)
	if refs > 0 {
		m.logger.Debug("Shared resource released",
			zap.String("key", key),
			zap.Int32("ref_count", refs))
		return nil
	}

	e.removed = true
	m.remove(key, e)

	if err := e.resource.Disconnect(); err != nil {
		m.logger.Error("Failed to disconnect shared resource",
			zap.String("key", key),
			zap.Error(err))
		return types.WrapError(err, fmt.Sprintf("disconnect resource %q", key))
	}

	m.logger.Info("Shared resource disconnected", zap.String("key", key))
	return nil
}

// ReleaseAll disconnects every instance regardless of its holders and empties
// the pool. Disconnect failures are joined; they never stop the sweep.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	m.recordPoolSize()

	var errs []error
	disconnected := 0
	for key, e := range entries {
		e.mu.Lock()
		if e.removed || e.resource == nil {
			e.mu.Unlock()
			continue
		}

		e.removed = true
		e.refCount.Store(0)
		disconnected++
		if err := e.resource.Disconnect(); err != nil {
			m.logger.Error("Failed to disconnect shared resource",
				zap.String("key", key),
				zap.Error(err))
			errs = append(errs, types.WrapError(err, fmt.Sprintf("disconnect resource %q", key)))
		}
		e.mu.Unlock()
	}

	m.logger.Info("All shared resources released",
		zap.Int("count", disconnected),
		zap.Int("errors", len(errs)))

	return errors.Join(errs...)
}

func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.entries[key]
	return exists
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

func (m *Manager) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// RefCount reads the holder count without waiting for an in-progress build.
func (m *Manager) RefCount(key string) int {
	m.mu.Lock()
	e, exists := m.entries[key]
	m.mu.Unlock()

	if !exists {
		return 0
	}
	return int(e.refCount.Load())
}

func (m *Manager) HealthChecker() types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		keys := m.Keys()
		details := make(map[string]interface{}, len(keys))
		for _, key := range keys {
			details[key] = m.RefCount(key)
		}

		return types.HealthCheck{
			Status:    types.StatusHealthy,
			Message:   fmt.Sprintf("%d shared resources", len(keys)),
			Details:   details,
			LastCheck: time.Now(),
		}
	}
}

func (m *Manager) remove(key string, e *entry) {
	m.mu.Lock()
	if current, exists := m.entries[key]; exists && current == e {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	m.recordPoolSize()
}

func (m *Manager) recordPoolSize() {
	if m.metrics == nil {
		return
	}

	m.metrics.Gauge("resource_pool_entries", nil).Set(float64(m.Count()))
}
