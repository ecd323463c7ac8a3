package server

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/proxy"
	"github.com/saiset-co/sai-resilience/types"
	"github.com/saiset-co/sai-resilience/utils"
)

type MetricsHandler interface {
	Handler() fasthttp.RequestHandler
}

// Ops is what the operational endpoints read from. Nil members disable
// their routes.
type Ops struct {
	Health    types.HealthManager
	Metrics   MetricsHandler
	Proxies   *proxy.Registry
	Resources types.ResourceManager
	Logger    types.Logger
}

type proxyView struct {
	Name         string             `json:"name"`
	BreakerState string             `json:"breaker_state"`
	Config       types.ProxyConfig  `json:"config"`
	Metrics      types.ProxyMetrics `json:"metrics"`
	SuccessRate  float64            `json:"success_rate"`
	FailureRate  float64            `json:"failure_rate"`
}

type resourceView struct {
	Key      string `json:"key"`
	RefCount int    `json:"ref_count"`
}

type sweepResult struct {
	Status  string   `json:"status"`
	Proxies []string `json:"proxies"`
}

func RegisterOps(router *Router, ops *Ops) {
	if ops.Health != nil {
		router.GET("/health", ops.handleHealth)
	}

	if ops.Metrics != nil {
		router.GET("/metrics", ops.Metrics.Handler())
	}

	if ops.Proxies != nil {
		router.GET("/proxies", ops.handleProxies)
		router.GET("/proxies/{name}", ops.handleProxy)
		router.POST("/proxies/invalidate", ops.handleInvalidateAll)
		router.POST("/proxies/reset", ops.handleResetAll)
		router.POST("/proxies/{name}/invalidate", ops.handleInvalidate)
		router.POST("/proxies/{name}/reset", ops.handleReset)
	}

	if ops.Resources != nil {
		router.GET("/resources", ops.handleResources)
	}
}

func (o *Ops) handleHealth(ctx *fasthttp.RequestCtx) {
	report := o.Health.Check(ctx)

	statusCode := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		statusCode = fasthttp.StatusServiceUnavailable
	}

	o.writeJSON(ctx, statusCode, report)
}

func (o *Ops) handleProxies(ctx *fasthttp.RequestCtx) {
	aggregated := o.Proxies.AggregateMetrics()

	views := make(map[string]proxyView, len(aggregated))
	for name := range aggregated {
		if p, ok := o.Proxies.Lookup(name); ok {
			views[name] = newProxyView(p)
		}
	}

	o.writeJSON(ctx, fasthttp.StatusOK, views)
}

func (o *Ops) handleProxy(ctx *fasthttp.RequestCtx) {
	p, ok := o.lookup(ctx)
	if !ok {
		return
	}

	o.writeJSON(ctx, fasthttp.StatusOK, newProxyView(p))
}

func (o *Ops) handleInvalidateAll(ctx *fasthttp.RequestCtx) {
	o.Proxies.InvalidateAll()
	o.writeJSON(ctx, fasthttp.StatusOK, sweepResult{Status: "invalidated", Proxies: o.Proxies.Names()})
}

func (o *Ops) handleResetAll(ctx *fasthttp.RequestCtx) {
	o.Proxies.ResetAllBreakers()
	o.writeJSON(ctx, fasthttp.StatusOK, sweepResult{Status: "reset", Proxies: o.Proxies.Names()})
}

func (o *Ops) handleInvalidate(ctx *fasthttp.RequestCtx) {
	p, ok := o.lookup(ctx)
	if !ok {
		return
	}

	p.InvalidateCache()
	o.writeJSON(ctx, fasthttp.StatusOK, sweepResult{Status: "invalidated", Proxies: []string{p.Name()}})
}

func (o *Ops) handleReset(ctx *fasthttp.RequestCtx) {
	p, ok := o.lookup(ctx)
	if !ok {
		return
	}

	p.ResetBreaker()
	o.writeJSON(ctx, fasthttp.StatusOK, sweepResult{Status: "reset", Proxies: []string{p.Name()}})
}

func (o *Ops) handleResources(ctx *fasthttp.RequestCtx) {
	keys := o.Resources.Keys()

	views := make([]resourceView, 0, len(keys))
	for _, key := range keys {
		views = append(views, resourceView{Key: key, RefCount: o.Resources.RefCount(key)})
	}

	o.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"count":     len(views),
		"resources": views,
	})
}

func (o *Ops) lookup(ctx *fasthttp.RequestCtx) (*proxy.CachedProxy, bool) {
	name, _ := ctx.UserValue("name").(string)

	p, ok := o.Proxies.Lookup(name)
	if !ok {
		utils.CreateErrorResponse(ctx, fasthttp.StatusNotFound, (&types.ResourceNotFoundError{Key: name}).Error())
		return nil, false
	}

	return p, true
}

func (o *Ops) writeJSON(ctx *fasthttp.RequestCtx, statusCode int, v interface{}) {
	if err := utils.WriteJSON(ctx, statusCode, v); err != nil && o.Logger != nil {
		o.Logger.Error("Failed to encode response",
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))
	}
}

func newProxyView(p *proxy.CachedProxy) proxyView {
	m := p.GetMetrics()

	return proxyView{
		Name:         p.Name(),
		BreakerState: p.BreakerState().String(),
		Config:       p.Config(),
		Metrics:      m,
		SuccessRate:  m.SuccessRate(),
		FailureRate:  m.FailureRate(),
	}
}
