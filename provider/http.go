package provider

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-resilience/types"
)

type HTTPResolverConfig struct {
	BaseURL    string            `yaml:"base_url" json:"base_url"`
	HealthPath string            `yaml:"health_path" json:"health_path"`
	Timeout    time.Duration     `yaml:"timeout" json:"timeout"`
	Headers    map[string]string `yaml:"headers" json:"headers"`
	// Dial overrides the client's dialer; tests use an in-memory listener.
	Dial fasthttp.DialFunc `yaml:"-" json:"-"`
}

// Endpoint is what an HTTPResolver hands back: a backend that answered its probe.
type Endpoint struct {
	Name       string        `json:"name"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
}

type HTTPResolver struct {
	client *fasthttp.Client
	config *HTTPResolverConfig
}

func NewHTTPResolver(config *HTTPResolverConfig) *HTTPResolver {
	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = types.DefaultCallTimeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPResolver{
		client: &fasthttp.Client{
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			Dial:         cfg.Dial,
		},
		config: &cfg,
	}
}

// Resolve probes the configured health path. The request is bounded by the
// context deadline when one is set, otherwise by the resolver timeout.
func (r *HTTPResolver) Resolve(ctx context.Context, key string) (interface{}, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	url := r.config.BaseURL + r.config.HealthPath
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	for k, v := range r.config.Headers {
		req.Header.Set(k, v)
	}

	deadline := time.Now().Add(r.config.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	start := time.Now()
	err := r.client.DoDeadline(req, resp, deadline)
	latency := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, types.WrapError(ctxErr, "probe "+url)
	}
	if err != nil {
		return nil, types.WrapError(err, "probe "+url)
	}

	statusCode := resp.StatusCode()
	if !IsSuccessfulStatus(statusCode) {
		return nil, types.Errorf(types.ErrResolutionFailed, "probe %s: HTTP %d", url, statusCode)
	}

	return &Endpoint{
		Name:       key,
		URL:        r.config.BaseURL,
		StatusCode: statusCode,
		Latency:    latency,
	}, nil
}

func IsSuccessfulStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
