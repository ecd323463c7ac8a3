package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/metrics"
	"github.com/saiset-co/sai-resilience/types"
)

type fakeResource struct {
	key           string
	disconnects   atomic.Int32
	reconfigures  atomic.Int32
	disconnectErr error
}

func (f *fakeResource) Disconnect() error {
	f.disconnects.Add(1)
	return f.disconnectErr
}

func (f *fakeResource) Reconfigure(config interface{}) error {
	f.reconfigures.Add(1)
	if config == "bad" {
		return errors.New("rejected")
	}
	return nil
}

type fakeFactory struct {
	mu       sync.Mutex
	builds   map[string]int
	created  map[string]*fakeResource
	delay    time.Duration
	failKeys map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		builds:   make(map[string]int),
		created:  make(map[string]*fakeResource),
		failKeys: make(map[string]bool),
	}
}

func (f *fakeFactory) build(ctx context.Context, key string, config interface{}) (Resource, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.builds[key]++
	if f.failKeys[key] {
		return nil, errors.New("dial refused")
	}

	res := &fakeResource{key: key}
	f.created[key] = res
	return res, nil
}

func (f *fakeFactory) buildCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[key]
}

func newTestManager(t *testing.T, factory *fakeFactory, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(factory.build, logger.NewNopLogger(), opts...)
	require.NoError(t, err)
	return m
}

func TestNewManager_RequiresFactory(t *testing.T) {
	_, err := NewManager(nil, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrFactoryIsNil)
}

func TestManager_SharesInstanceAndCountsReferences(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, factory)

	first, err := m.Acquire(context.Background(), "ws://socket", nil)
	require.NoError(t, err)
	second, err := m.Acquire(context.Background(), "ws://socket", "handler-b")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 2, m.RefCount("ws://socket"))
	assert.Equal(t, 1, factory.buildCount("ws://socket"))
	assert.Equal(t, int32(1), first.(*fakeResource).reconfigures.Load())

	require.NoError(t, m.Release("ws://socket"))
	assert.True(t, m.Has("ws://socket"))
	assert.Zero(t, first.(*fakeResource).disconnects.Load())

	require.NoError(t, m.Release("ws://socket"))
	assert.False(t, m.Has("ws://socket"))
	assert.Zero(t, m.Count())
	assert.Equal(t, int32(1), first.(*fakeResource).disconnects.Load())

	var notFound *types.ResourceNotFoundError
	require.ErrorAs(t, m.Release("ws://socket"), &notFound)
	assert.Equal(t, int32(1), first.(*fakeResource).disconnects.Load())
}

func TestManager_ReacquireAfterTeardownBuildsFresh(t *testing.T) {
	factory := newFakeFactory()
	m := newTestManager(t, factory)

	first, err := m.Acquire(context.Background(), "ws://socket", nil)
	require.NoError(t, err)
	require.NoError(t, m.Release("ws://socket"))

	second, err := m.Acquire(context.Background(), "ws://socket", nil)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, factory.buildCount("ws://socket"))
}

func TestManager_ReconfigureFailureIsNotFatal(t *testing.T) {
	m := newTestManager(t, newFakeFactory())

	_, err := m.Acquire(context.Background(), "ws://socket", nil)
	require.NoError(t, err)

	res, err := m.Acquire(context.Background(), "ws://socket", "bad")
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Equal(t, 2, m.RefCount("ws://socket"))
}

func TestManager_FailedConstructionLeavesNoEntry(t *testing.T) {
	factory := newFakeFactory()
	factory.failKeys["ws://down"] = true
	m := newTestManager(t, factory)

	_, err := m.Acquire(context.Background(), "ws://down", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
	assert.False(t, m.Has("ws://down"))
	assert.Zero(t, m.Count())

	_, err = m.Acquire(context.Background(), "", nil)
	assert.ErrorIs(t, err, types.ErrResourceKeyEmpty)
}

func TestManager_ConcurrentAcquireBuildsOnce(t *testing.T) {
	factory := newFakeFactory()
	factory.delay = 20 * time.Millisecond
	m := newTestManager(t, factory)

	const workers = 20
	results := make([]Resource, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Acquire(context.Background(), "ws://socket", nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, factory.buildCount("ws://socket"))
	assert.Equal(t, workers, m.RefCount("ws://socket"))
	for _, res := range results {
		assert.Same(t, results[0], res)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Release("ws://socket"))
		}()
	}
	wg.Wait()

	assert.False(t, m.Has("ws://socket"))
	assert.Equal(t, int32(1), results[0].(*fakeResource).disconnects.Load())
}

func TestManager_SlowKeyDoesNotBlockOthers(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})

	factory := func(ctx context.Context, key string, config interface{}) (Resource, error) {
		if key == "ws://slow" {
			close(started)
			<-unblock
		}
		return &fakeResource{key: key}, nil
	}

	m, err := NewManager(factory, logger.NewNopLogger())
	require.NoError(t, err)

	go func() {
		_, _ = m.Acquire(context.Background(), "ws://slow", nil)
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_, err := m.Acquire(context.Background(), "ws://fast", nil)
		assert.NoError(t, err)
		assert.Equal(t, 0, m.RefCount("ws://slow"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire of an unrelated key was blocked")
	}

	close(unblock)
	require.Eventually(t, func() bool {
		return m.RefCount("ws://slow") == 1
	}, time.Second, time.Millisecond)
}

func TestManager_ReleaseAllJoinsErrors(t *testing.T) {
	sink := metrics.NewMemoryMetrics(logger.NewNopLogger(), nil)
	errBroken := errors.New("socket already broken")

	factory := func(ctx context.Context, key string, config interface{}) (Resource, error) {
		res := &fakeResource{key: key}
		if key == "ws://broken" {
			res.disconnectErr = errBroken
		}
		return res, nil
	}

	m, err := NewManager(factory, logger.NewNopLogger(), WithMetrics(sink))
	require.NoError(t, err)

	healthy, err := m.Acquire(context.Background(), "ws://healthy", nil)
	require.NoError(t, err)
	_, err = m.Acquire(context.Background(), "ws://healthy", nil)
	require.NoError(t, err)
	broken, err := m.Acquire(context.Background(), "ws://broken", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"ws://broken", "ws://healthy"}, m.Keys())
	assert.Equal(t, 2.0, sink.Gauge("resource_pool_entries", nil).Get())

	err = m.ReleaseAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, errBroken)

	assert.Zero(t, m.Count())
	assert.Equal(t, int32(1), healthy.(*fakeResource).disconnects.Load())
	assert.Equal(t, int32(1), broken.(*fakeResource).disconnects.Load())
	assert.Zero(t, sink.Gauge("resource_pool_entries", nil).Get())

	var notFound *types.ResourceNotFoundError
	assert.ErrorAs(t, m.Release("ws://healthy"), &notFound)
}

func TestManager_ReleaseAllCountsOnlyDisconnected(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	entered := make(chan struct{})
	unblock := make(chan struct{})

	factory := func(ctx context.Context, key string, config interface{}) (Resource, error) {
		if key == "ws://pending" {
			close(entered)
			<-unblock
			return nil, errors.New("dial refused")
		}
		return &fakeResource{key: key}, nil
	}

	m, err := NewManager(factory, logger.NewZapWrapper(zap.New(core)))
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "ws://healthy", nil)
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		_, acquireErr := m.Acquire(context.Background(), "ws://pending", nil)
		acquired <- acquireErr
	}()
	<-entered

	released := make(chan error, 1)
	go func() {
		released <- m.ReleaseAll()
	}()

	require.Eventually(t, func() bool {
		return m.Count() == 0
	}, time.Second, time.Millisecond)
	close(unblock)

	require.Error(t, <-acquired)
	require.NoError(t, <-released)

	entries := logs.FilterMessage("All shared resources released").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["count"])
}

func TestManager_HealthChecker(t *testing.T) {
	m := newTestManager(t, newFakeFactory())

	_, err := m.Acquire(context.Background(), "ws://socket", nil)
	require.NoError(t, err)

	check := m.HealthChecker()(context.Background())
	assert.Equal(t, types.StatusHealthy, check.Status)
	assert.Equal(t, 1, check.Details["ws://socket"])
}
