package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/saiset-co/sai-resilience/health"
	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/metrics"
	"github.com/saiset-co/sai-resilience/provider"
	"github.com/saiset-co/sai-resilience/proxy"
	"github.com/saiset-co/sai-resilience/resource"
	"github.com/saiset-co/sai-resilience/types"
	"github.com/saiset-co/sai-resilience/utils"
)

type nopResource struct{}

func (nopResource) Disconnect() error { return nil }

type opsFixture struct {
	client    *fasthttp.Client
	server    *FastHTTPServer
	registry  *proxy.Registry
	resources *resource.Manager
	health    *health.Manager
}

func newOpsFixture(t *testing.T, entitiesDown bool) *opsFixture {
	t.Helper()

	log := logger.NewNopLogger()

	metricsManager, err := metrics.NewManager(context.Background(), &types.MetricsConfig{Enabled: true, Type: "memory"}, log)
	require.NoError(t, err)

	registry := proxy.NewRegistry(log,
		proxy.WithRegistryMetrics(metricsManager),
		proxy.WithDefaults(&types.ProxyConfig{TTL: time.Minute, Breaker: types.BreakerConfig{FailureThreshold: 1}}))

	require.NoError(t, registry.Define("features", nil, provider.NewStaticResolver("flags-v1")))
	require.NoError(t, registry.Define("entities", nil, provider.ResolverFunc(func(ctx context.Context, key string) (interface{}, error) {
		if entitiesDown {
			return nil, errors.New("connection refused")
		}
		return "entities-v1", nil
	})))

	resources, err := resource.NewManager(func(ctx context.Context, key string, config interface{}) (resource.Resource, error) {
		return nopResource{}, nil
	}, log)
	require.NoError(t, err)

	hm := health.NewManager(context.Background(), &types.HealthConfig{CheckTimeout: time.Second},
		types.ServiceInfo{Name: "gateway", Version: "1.0.0"}, log)
	hm.RegisterChecker("proxies", registry.HealthChecker())
	hm.RegisterChecker("resources", resources.HealthChecker())

	router := NewRouter()
	RegisterOps(router, &Ops{
		Health:    hm,
		Metrics:   metricsManager,
		Proxies:   registry,
		Resources: resources,
		Logger:    log,
	})

	ln := fasthttputil.NewInmemoryListener()
	srv := NewHTTPServer(context.Background(), &types.HTTPConfig{ReadTimeout: 5, WriteTimeout: 5}, log, router)
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() { _ = srv.Stop() })

	return &opsFixture{
		client: &fasthttp.Client{
			Dial: func(addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		server:    srv,
		registry:  registry,
		resources: resources,
		health:    hm,
	}
}

func (f *opsFixture) do(t *testing.T, method, path string) (int, []byte) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://ops" + path)
	req.Header.SetMethod(method)

	require.NoError(t, f.client.DoTimeout(req, resp, 2*time.Second))

	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body
}

func TestOps_Health(t *testing.T) {
	f := newOpsFixture(t, true)

	status, body := f.do(t, fasthttp.MethodGet, "/health")
	assert.Equal(t, fasthttp.StatusOK, status)

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(body, &report))
	assert.Equal(t, types.StatusDegraded, report.Status)
	assert.Equal(t, types.StatusDegraded, report.Checks["proxies"].Status)
	assert.Equal(t, types.StatusHealthy, report.Checks["resources"].Status)
	assert.Equal(t, "gateway", report.Service.Name)
}

func TestOps_HealthUnavailable(t *testing.T) {
	f := newOpsFixture(t, false)
	f.health.RegisterChecker("upstream", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "no route"}
	})

	status, body := f.do(t, fasthttp.MethodGet, "/health")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "no route")
}

func TestOps_ProxiesAndSweeps(t *testing.T) {
	f := newOpsFixture(t, false)

	value, err := f.registry.Get(context.Background(), "features")
	require.NoError(t, err)
	assert.Equal(t, "flags-v1", value)
	_, err = f.registry.Get(context.Background(), "features")
	require.NoError(t, err)

	status, body := f.do(t, fasthttp.MethodGet, "/proxies")
	assert.Equal(t, fasthttp.StatusOK, status)

	var views map[string]proxyView
	require.NoError(t, utils.Unmarshal(body, &views))
	require.Contains(t, views, "features")
	assert.NotContains(t, views, "entities", "defined proxies are not built by listing")
	assert.Equal(t, uint64(2), views["features"].Metrics.TotalRequests)
	assert.Equal(t, uint64(1), views["features"].Metrics.CacheHits)
	assert.Equal(t, "closed", views["features"].BreakerState)

	status, body = f.do(t, fasthttp.MethodGet, "/proxies/features")
	assert.Equal(t, fasthttp.StatusOK, status)
	var view proxyView
	require.NoError(t, utils.Unmarshal(body, &view))
	assert.Equal(t, time.Minute, view.Config.TTL)
	assert.Equal(t, 1.0, view.SuccessRate)

	status, _ = f.do(t, fasthttp.MethodGet, "/proxies/unknown")
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, body = f.do(t, fasthttp.MethodPost, "/proxies/invalidate")
	assert.Equal(t, fasthttp.StatusOK, status)
	var sweep sweepResult
	require.NoError(t, utils.Unmarshal(body, &sweep))
	assert.Equal(t, "invalidated", sweep.Status)
	assert.Equal(t, []string{"entities", "features"}, sweep.Proxies)

	_, err = f.registry.Get(context.Background(), "features")
	require.NoError(t, err)
	p, _ := f.registry.Lookup("features")
	assert.Equal(t, uint64(2), p.GetMetrics().CacheMisses)

	status, _ = f.do(t, fasthttp.MethodPost, "/proxies/features/reset")
	assert.Equal(t, fasthttp.StatusOK, status)
	status, _ = f.do(t, fasthttp.MethodPost, "/proxies/reset")
	assert.Equal(t, fasthttp.StatusOK, status)
	status, _ = f.do(t, fasthttp.MethodPost, "/proxies/features/invalidate")
	assert.Equal(t, fasthttp.StatusOK, status)
}

func TestOps_ResourcesAndMetrics(t *testing.T) {
	f := newOpsFixture(t, false)

	_, err := f.resources.Acquire(context.Background(), "ws://stream", nil)
	require.NoError(t, err)
	_, err = f.resources.Acquire(context.Background(), "ws://stream", nil)
	require.NoError(t, err)

	status, body := f.do(t, fasthttp.MethodGet, "/resources")
	assert.Equal(t, fasthttp.StatusOK, status)

	var listing struct {
		Count     int            `json:"count"`
		Resources []resourceView `json:"resources"`
	}
	require.NoError(t, utils.Unmarshal(body, &listing))
	assert.Equal(t, 1, listing.Count)
	assert.Equal(t, []resourceView{{Key: "ws://stream", RefCount: 2}}, listing.Resources)

	_, err = f.registry.Get(context.Background(), "features")
	require.NoError(t, err)

	status, body = f.do(t, fasthttp.MethodGet, "/metrics")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), "proxy_requests_total")
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	f := newOpsFixture(t, false)

	status, _ := f.do(t, fasthttp.MethodGet, "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, _ = f.do(t, fasthttp.MethodPost, "/health")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)

	status, _ = f.do(t, fasthttp.MethodGet, "/proxies/features/reset")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)

	status, _ = f.do(t, fasthttp.MethodGet, "/health/")
	assert.Equal(t, fasthttp.StatusOK, status)
}

func TestFastHTTPServer_Lifecycle(t *testing.T) {
	srv := NewHTTPServer(context.Background(), &types.HTTPConfig{Host: "127.0.0.1", Port: 1}, logger.NewNopLogger(), NewRouter())
	assert.Equal(t, "", srv.Addr())
	assert.ErrorIs(t, srv.Stop(), types.ErrServerNotRunning)

	ln := fasthttputil.NewInmemoryListener()
	require.NoError(t, srv.Serve(ln))
	assert.True(t, srv.IsRunning())
	assert.NotEmpty(t, srv.Addr())
	assert.ErrorIs(t, srv.Serve(fasthttputil.NewInmemoryListener()), types.ErrServerAlreadyRunning)

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
}
