package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-resilience/breaker"
	"github.com/saiset-co/sai-resilience/provider"
	"github.com/saiset-co/sai-resilience/types"
)

const latencyWindow = 100

type FallbackFunc func(ctx context.Context) (interface{}, error)

type Option func(*CachedProxy)

func WithClock(c clock.Clock) Option {
	return func(p *CachedProxy) {
		p.clock = c
	}
}

func WithMetrics(metrics types.MetricsManager) Option {
	return func(p *CachedProxy) {
		p.metrics = metrics
	}
}

// CachedProxy fronts a provider chain with a TTL cache and a circuit breaker.
// Cache, counters and breaker are private to the proxy; at most one
// resolution runs at a time and concurrent misses share its result. The
// shared resolution stores its own result, so an entry exists before the
// next flight can start.
type CachedProxy struct {
	name    string
	config  *types.ProxyConfig
	chain   *provider.Chain
	breaker *breaker.Breaker
	logger  types.Logger
	metrics types.MetricsManager
	clock   clock.Clock
	flight  singleflight.Group

	mu    sync.RWMutex
	entry *types.CacheEntry
	// epoch advances on invalidation; a resolution started under an older
	// epoch does not store its result.
	epoch uint64
	stats stats
}

type stats struct {
	total       uint64
	successful  uint64
	failed      uint64
	hits        uint64
	misses      uint64
	fallbacks   uint64
	lastSuccess time.Time
	lastFailure time.Time

	latencies    [latencyWindow]time.Duration
	latencyNext  int
	latencyCount int
	latencySum   time.Duration
}

func New(name string, config *types.ProxyConfig, chain *provider.Chain, logger types.Logger, opts ...Option) *CachedProxy {
	p := &CachedProxy{
		name:   name,
		config: config.WithDefaults(),
		chain:  chain,
		logger: logger,
		clock:  clock.New(),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.breaker = breaker.New(name, &p.config.Breaker, logger,
		breaker.WithClock(p.clock),
		breaker.WithStateChange(p.onBreakerStateChange),
	)

	return p
}

func (p *CachedProxy) Name() string {
	return p.name
}

func (p *CachedProxy) Config() types.ProxyConfig {
	return *p.config
}

func (p *CachedProxy) BreakerState() breaker.State {
	return p.breaker.State()
}

// Get returns the cached value while it is fresh and otherwise resolves
// through the breaker-guarded chain. While the breaker is half-open every
// call is a trial and the cached value is not served.
func (p *CachedProxy) Get(ctx context.Context) (interface{}, error) {
	halfOpen := p.breaker.State() == breaker.StateHalfOpen

	p.mu.Lock()
	p.stats.total++
	if !halfOpen && !p.entry.Expired(p.clock.Now()) {
		value := p.entry.Value
		p.stats.hits++
		p.stats.successful++
		p.stats.lastSuccess = p.clock.Now()
		p.mu.Unlock()

		p.recordCache("hit")
		p.recordRequest("hit")
		return value, nil
	}
	p.stats.misses++
	p.mu.Unlock()

	p.recordCache("miss")

	value, err := p.resolve(ctx)

	now := p.clock.Now()

	p.mu.Lock()
	if err != nil {
		p.stats.failed++
		p.stats.lastFailure = now
	} else {
		p.stats.successful++
		p.stats.lastSuccess = now
	}
	p.mu.Unlock()

	if err != nil {
		p.recordRequest("failed")
		p.logger.Debug("Proxy resolution failed",
			zap.String("resource", p.name),
			zap.Error(err))
		return nil, err
	}

	p.recordRequest("resolved")
	return value, nil
}

// GetWithFallback behaves like Get but answers every primary failure with
// fallback's result. The primary failure still counts as a failure; only an
// error from fallback itself is returned.
func (p *CachedProxy) GetWithFallback(ctx context.Context, fallback FallbackFunc) (interface{}, error) {
	value, err := p.Get(ctx)
	if err == nil {
		return value, nil
	}

	if fallback == nil {
		return nil, types.WrapError(types.ErrFallbackIsNil, err.Error())
	}

	p.mu.Lock()
	p.stats.fallbacks++
	p.mu.Unlock()

	p.recordRequest("fallback")
	p.logger.Info("Serving fallback",
		zap.String("resource", p.name),
		zap.Error(err))

	return fallback(ctx)
}

// CheckHealth resolves without reading the cache, still respecting the
// breaker. A successful probe refreshes the entry. It never returns an error.
func (p *CachedProxy) CheckHealth(ctx context.Context) bool {
	_, err := p.resolve(ctx)
	if err != nil {
		p.logger.Debug("Proxy health check failed",
			zap.String("resource", p.name),
			zap.Error(err))
		return false
	}
	return true
}

// InvalidateCache drops the entry and discards the result of any resolution
// already in flight, so the next Get resolves again.
func (p *CachedProxy) InvalidateCache() {
	p.mu.Lock()
	p.entry = nil
	p.epoch++
	p.mu.Unlock()

	p.logger.Debug("Proxy cache invalidated", zap.String("resource", p.name))
}

// ResetBreaker closes the breaker and drops the cached value.
func (p *CachedProxy) ResetBreaker() {
	p.breaker.Reset()
	p.InvalidateCache()
}

func (p *CachedProxy) GetMetrics() types.ProxyMetrics {
	state := p.breaker.State()

	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := types.ProxyMetrics{
		TotalRequests:       p.stats.total,
		SuccessfulRequests:  p.stats.successful,
		FailedRequests:      p.stats.failed,
		CacheHits:           p.stats.hits,
		CacheMisses:         p.stats.misses,
		FallbackInvocations: p.stats.fallbacks,
		LastSuccessTime:     p.stats.lastSuccess,
		LastFailureTime:     p.stats.lastFailure,
		BreakerState:        state.String(),
	}

	if p.stats.latencyCount > 0 {
		snapshot.AverageResponseTime = p.stats.latencySum / time.Duration(p.stats.latencyCount)
	}

	return snapshot
}

// resolve runs a single shared resolution. The shared attempt is detached
// from any one caller's cancellation and bounded by the breaker's call
// timeout; each caller still stops waiting when its own ctx is done.
func (p *CachedProxy) resolve(ctx context.Context) (interface{}, error) {
	resultCh := p.flight.DoChan(p.name, func() (interface{}, error) {
		flightCtx := context.WithoutCancel(ctx)
		start := time.Now()

		p.mu.RLock()
		epoch := p.epoch
		p.mu.RUnlock()

		attempts := &provider.Attempts{}
		value, err := p.breaker.Execute(flightCtx, func(callCtx context.Context) (interface{}, error) {
			return p.chain.ResolveRecorded(callCtx, p.name, attempts)
		})
		if errors.Is(err, types.ErrCallTimeout) {
			err = p.timeoutResolutionError(attempts, err)
		}

		if !errors.Is(err, types.ErrCircuitBreakerOpen) {
			p.observeLatency(time.Since(start))
		}

		if err == nil {
			p.store(value, epoch)
		}

		return value, err
	})

	select {
	case res := <-resultCh:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// timeoutResolutionError reports an expired call as a resolution failure
// whose last cause is the timeout. Deadline errors the chain saw are folded
// into it.
func (p *CachedProxy) timeoutResolutionError(attempts *provider.Attempts, timeout error) error {
	recorded := attempts.Errors()
	causes := make([]error, 0, len(recorded)+1)
	for _, attempt := range recorded {
		if !errors.Is(attempt, context.DeadlineExceeded) {
			causes = append(causes, attempt)
		}
	}

	return &types.ResolutionError{Key: p.name, Attempts: append(causes, timeout)}
}

func (p *CachedProxy) store(value interface{}, epoch uint64) {
	now := p.clock.Now()

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		p.logger.Debug("Discarding resolution started before invalidation", zap.String("resource", p.name))
		return
	}

	p.entry = &types.CacheEntry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(p.config.TTL),
	}
	p.mu.Unlock()
}

func (p *CachedProxy) observeLatency(latency time.Duration) {
	p.mu.Lock()
	s := &p.stats
	if s.latencyCount == latencyWindow {
		s.latencySum -= s.latencies[s.latencyNext]
	} else {
		s.latencyCount++
	}
	s.latencies[s.latencyNext] = latency
	s.latencySum += latency
	s.latencyNext = (s.latencyNext + 1) % latencyWindow
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Histogram("proxy_resolution_duration_seconds",
			[]float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0},
			map[string]string{"resource": p.name},
		).Observe(latency.Seconds())
	}
}

func (p *CachedProxy) recordRequest(result string) {
	if p.metrics == nil {
		return
	}

	p.metrics.Counter("proxy_requests_total", map[string]string{
		"resource": p.name,
		"result":   result,
	}).Inc()
}

func (p *CachedProxy) recordCache(result string) {
	if p.metrics == nil {
		return
	}

	p.metrics.Counter("proxy_cache_total", map[string]string{
		"resource": p.name,
		"result":   result,
	}).Inc()
}

func (p *CachedProxy) onBreakerStateChange(name string, from, to breaker.State) {
	if p.metrics == nil {
		return
	}

	p.metrics.Gauge("proxy_breaker_state", map[string]string{
		"resource": name,
	}).Set(float64(to))
}
