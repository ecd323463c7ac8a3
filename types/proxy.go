package types

import (
	"context"
	"time"
)

const (
	DefaultTTL              = 300 * time.Second
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultSuccessThreshold = 3
	DefaultCallTimeout      = 5 * time.Second
)

type ProxyRegistry interface {
	Get(ctx context.Context, name string) (interface{}, error)
	InvalidateAll()
	ResetAllBreakers()
	AggregateMetrics() map[string]ProxyMetrics
	AggregateHealth(ctx context.Context) map[string]bool
}

type ResourceManager interface {
	Has(key string) bool
	Count() int
	Keys() []string
	RefCount(key string) int
	ReleaseAll() error
}

// BreakerConfig is immutable once a proxy has been created with it.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" validate:"min=0"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold" validate:"min=0"`
	CallTimeout      time.Duration `yaml:"call_timeout" json:"call_timeout" validate:"min=0"`
}

type ProxyConfig struct {
	TTL     time.Duration `yaml:"ttl" json:"ttl" validate:"min=0"`
	Breaker BreakerConfig `yaml:",inline" json:"breaker"`
}

func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		TTL: DefaultTTL,
		Breaker: BreakerConfig{
			FailureThreshold: DefaultFailureThreshold,
			RecoveryTimeout:  DefaultRecoveryTimeout,
			SuccessThreshold: DefaultSuccessThreshold,
			CallTimeout:      DefaultCallTimeout,
		},
	}
}

// WithDefaults returns a copy with every zero field replaced by its default.
// A nil receiver yields DefaultProxyConfig.
func (c *ProxyConfig) WithDefaults() *ProxyConfig {
	if c == nil {
		return DefaultProxyConfig()
	}

	out := *c
	out.Breaker = *out.Breaker.WithDefaults()
	if out.TTL <= 0 {
		out.TTL = DefaultTTL
	}

	return &out
}

func (c *BreakerConfig) WithDefaults() *BreakerConfig {
	if c == nil {
		return &DefaultProxyConfig().Breaker
	}

	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = DefaultFailureThreshold
	}
	if out.RecoveryTimeout <= 0 {
		out.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if out.SuccessThreshold <= 0 {
		out.SuccessThreshold = DefaultSuccessThreshold
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = DefaultCallTimeout
	}

	return &out
}

// ProxyMetrics is a point-in-time copy of a proxy's counters.
type ProxyMetrics struct {
	TotalRequests       uint64        `json:"total_requests"`
	SuccessfulRequests  uint64        `json:"successful_requests"`
	FailedRequests      uint64        `json:"failed_requests"`
	CacheHits           uint64        `json:"cache_hits"`
	CacheMisses         uint64        `json:"cache_misses"`
	FallbackInvocations uint64        `json:"fallback_invocations"`
	LastSuccessTime     time.Time     `json:"last_success_time"`
	LastFailureTime     time.Time     `json:"last_failure_time"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	BreakerState        string        `json:"breaker_state"`
}

func (m ProxyMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

func (m ProxyMetrics) FailureRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailedRequests) / float64(m.TotalRequests)
}

// Inherit fills the zero fields of c from base, then from the package
// defaults. Used for per-service overrides of the top-level proxy section.
func (c *ProxyConfig) Inherit(base *ProxyConfig) *ProxyConfig {
	if c == nil {
		return base.WithDefaults()
	}
	if base == nil {
		return c.WithDefaults()
	}

	out := *c
	if out.TTL <= 0 {
		out.TTL = base.TTL
	}
	if out.Breaker.FailureThreshold <= 0 {
		out.Breaker.FailureThreshold = base.Breaker.FailureThreshold
	}
	if out.Breaker.RecoveryTimeout <= 0 {
		out.Breaker.RecoveryTimeout = base.Breaker.RecoveryTimeout
	}
	if out.Breaker.SuccessThreshold <= 0 {
		out.Breaker.SuccessThreshold = base.Breaker.SuccessThreshold
	}
	if out.Breaker.CallTimeout <= 0 {
		out.Breaker.CallTimeout = base.Breaker.CallTimeout
	}

	return out.WithDefaults()
}
