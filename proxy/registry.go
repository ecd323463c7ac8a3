package proxy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-resilience/provider"
	"github.com/saiset-co/sai-resilience/types"
)

type RegistryOption func(*Registry)

func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

func WithRegistryMetrics(metrics types.MetricsManager) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithDefaults sets the config used for proxies declared without one.
func WithDefaults(config *types.ProxyConfig) RegistryOption {
	return func(r *Registry) {
		r.defaults = config.WithDefaults()
	}
}

type definition struct {
	config    *types.ProxyConfig
	resolvers []provider.Resolver
}

// Registry owns every named proxy of a process. Proxies may be declared up
// front with Define and are only built on first use.
type Registry struct {
	logger   types.Logger
	metrics  types.MetricsManager
	clock    clock.Clock
	defaults *types.ProxyConfig

	mu          sync.RWMutex
	proxies     map[string]*CachedProxy
	definitions map[string]*definition
}

var _ types.ProxyRegistry = (*Registry)(nil)

func NewRegistry(logger types.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:      logger,
		clock:       clock.New(),
		defaults:    types.DefaultProxyConfig(),
		proxies:     make(map[string]*CachedProxy),
		definitions: make(map[string]*definition),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Define declares a proxy without building it. Redefining a name that has
// already been instantiated has no effect on the live proxy.
func (r *Registry) Define(name string, config *types.ProxyConfig, resolvers ...provider.Resolver) error {
	if name == "" {
		return types.ErrProxyNameEmpty
	}
	if len(resolvers) == 0 {
		return types.Errorf(types.ErrResolverIsNil, "proxy %q", name)
	}

	r.mu.Lock()
	r.definitions[name] = &definition{config: config, resolvers: resolvers}
	r.mu.Unlock()

	return nil
}

// Proxy returns the proxy registered under name, creating it from config and
// resolvers when absent. Arguments are ignored for an existing proxy.
func (r *Registry) Proxy(name string, config *types.ProxyConfig, resolvers ...provider.Resolver) *CachedProxy {
	r.mu.RLock()
	existing, ok := r.proxies[name]
	r.mu.RUnlock()
	if ok {
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.instantiateUnsafe(name, config, resolvers)
}

// Lookup returns a live proxy or builds a defined one.
func (r *Registry) Lookup(name string) (*CachedProxy, bool) {
	r.mu.RLock()
	existing, ok := r.proxies[name]
	r.mu.RUnlock()
	if ok {
		return existing, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok = r.proxies[name]; ok {
		return existing, true
	}

	def, ok := r.definitions[name]
	if !ok {
		return nil, false
	}

	return r.instantiateUnsafe(name, def.config, def.resolvers), true
}

func (r *Registry) instantiateUnsafe(name string, config *types.ProxyConfig, resolvers []provider.Resolver) *CachedProxy {
	if existing, ok := r.proxies[name]; ok {
		return existing
	}

	if config == nil {
		config = r.defaults
	}

	opts := []Option{WithClock(r.clock)}
	if r.metrics != nil {
		opts = append(opts, WithMetrics(r.metrics))
	}

	p := New(name, config, provider.NewChain(resolvers...), r.logger, opts...)
	r.proxies[name] = p

	r.logger.Info("Proxy created",
		zap.String("resource", name),
		zap.Duration("ttl", p.config.TTL),
		zap.Int("failure_threshold", p.config.Breaker.FailureThreshold),
		zap.Int("resolvers", len(resolvers)))

	return p
}

func (r *Registry) Get(ctx context.Context, name string) (interface{}, error) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, &types.ResourceNotFoundError{Key: name}
	}
	return p.Get(ctx)
}

func (r *Registry) GetWithFallback(ctx context.Context, name string, fallback FallbackFunc) (interface{}, error) {
	p, ok := r.Lookup(name)
	if !ok {
		if fallback == nil {
			return nil, &types.ResourceNotFoundError{Key: name}
		}
		return fallback(ctx)
	}
	return p.GetWithFallback(ctx, fallback)
}

// Names lists every defined or live proxy, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.proxies)+len(r.definitions))
	for name := range r.proxies {
		seen[name] = struct{}{}
	}
	for name := range r.definitions {
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (r *Registry) InvalidateAll() {
	r.forEach("invalidate", func(p *CachedProxy) {
		p.InvalidateCache()
	})
}

func (r *Registry) ResetAllBreakers() {
	r.forEach("reset", func(p *CachedProxy) {
		p.ResetBreaker()
	})
}

func (r *Registry) AggregateMetrics() map[string]types.ProxyMetrics {
	result := make(map[string]types.ProxyMetrics)

	r.forEach("metrics", func(p *CachedProxy) {
		result[p.Name()] = p.GetMetrics()
	})

	return result
}

// AggregateHealth probes every known proxy in parallel, building defined
// ones as needed. A probe that panics reports false.
func (r *Registry) AggregateHealth(ctx context.Context) map[string]bool {
	names := r.Names()
	result := make(map[string]bool, len(names))

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)

	for _, name := range names {
		name := name
		p, ok := r.Lookup(name)
		if !ok {
			continue
		}

		g.Go(func() error {
			healthy := false

			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.logger.Error("Proxy health probe panicked",
							zap.String("resource", name),
							zap.Any("panic", rec))
					}
				}()
				healthy = p.CheckHealth(gCtx)
			}()

			mu.Lock()
			result[name] = healthy
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return result
}

// HealthChecker adapts AggregateHealth to the health manager. Any unhealthy
// proxy degrades the service; all of them failing makes it unhealthy.
func (r *Registry) HealthChecker() types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		start := time.Now()
		results := r.AggregateHealth(ctx)

		details := make(map[string]interface{}, len(results))
		unhealthy := 0
		for name, healthy := range results {
			details[name] = healthy
			if !healthy {
				unhealthy++
			}
		}

		check := types.HealthCheck{
			Status:    types.StatusHealthy,
			Message:   fmt.Sprintf("%d proxies healthy", len(results)-unhealthy),
			Details:   details,
			LastCheck: time.Now(),
			Duration:  time.Since(start),
		}

		switch {
		case len(results) > 0 && unhealthy == len(results):
			check.Status = types.StatusUnhealthy
			check.Message = "all proxies unhealthy"
		case unhealthy > 0:
			check.Status = types.StatusDegraded
			check.Message = fmt.Sprintf("%d of %d proxies unhealthy", unhealthy, len(results))
		}

		return check
	}
}

// forEach applies fn to every live proxy. A panicking proxy is logged and
// skipped so the sweep always reaches the rest.
func (r *Registry) forEach(operation string, fn func(p *CachedProxy)) {
	r.mu.RLock()
	proxies := make([]*CachedProxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		proxies = append(proxies, p)
	}
	r.mu.RUnlock()

	for _, p := range proxies {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Proxy sweep panicked",
						zap.String("operation", operation),
						zap.String("resource", p.Name()),
						zap.Any("panic", rec))
				}
			}()
			fn(p)
		}()
	}
}

// GetAs fetches name from the registry and asserts its type.
func GetAs[T any](ctx context.Context, r *Registry, name string) (T, error) {
	var zero T

	value, err := r.Get(ctx, name)
	if err != nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok {
		return zero, types.Errorf(types.ErrUnexpectedType, "proxy %q returned %T", name, value)
	}

	return typed, nil
}
