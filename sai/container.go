// Package sai holds the live components of one service instance. The
// container is owned by the service and handed to whoever needs it; there is
// no process-wide instance.
package sai

import (
	"sync/atomic"

	"github.com/saiset-co/sai-resilience/cron"
	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/metrics"
	"github.com/saiset-co/sai-resilience/proxy"
	"github.com/saiset-co/sai-resilience/resource"
	"github.com/saiset-co/sai-resilience/server"
	"github.com/saiset-co/sai-resilience/types"
)

type Container struct {
	Config     atomic.Pointer[types.ConfigManager]
	Logger     atomic.Pointer[types.LoggerManager]
	Metrics    atomic.Pointer[metrics.Manager]
	Health     atomic.Pointer[types.HealthManager]
	Registry   atomic.Pointer[proxy.Registry]
	Resources  atomic.Pointer[resource.Manager]
	Cron       atomic.Pointer[cron.Manager]
	HTTPServer atomic.Pointer[server.FastHTTPServer]
}

func InitContainer() *Container {
	return &Container{}
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func RegisterMetricsBackend(backendName string, creator metrics.BackendCreator) {
	metrics.RegisterBackend(backendName, creator)
}

func (fc *Container) SetConfig(config types.ConfigManager) {
	fc.Config.Store(&config)
}

func (fc *Container) SetLogger(logger types.LoggerManager) {
	fc.Logger.Store(&logger)
}

func (fc *Container) SetMetrics(metrics *metrics.Manager) {
	fc.Metrics.Store(metrics)
}

func (fc *Container) SetHealth(health types.HealthManager) {
	fc.Health.Store(&health)
}

func (fc *Container) SetRegistry(registry *proxy.Registry) {
	fc.Registry.Store(registry)
}

func (fc *Container) SetResources(resources *resource.Manager) {
	fc.Resources.Store(resources)
}

func (fc *Container) SetCron(cron *cron.Manager) {
	fc.Cron.Store(cron)
}

func (fc *Container) SetHTTPServer(server *server.FastHTTPServer) {
	fc.HTTPServer.Store(server)
}

// GetConfig returns nil until a config manager is set.
func (fc *Container) GetConfig() types.ConfigManager {
	if ptr := fc.Config.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

// GetLogger returns nil until a logger is set.
func (fc *Container) GetLogger() types.LoggerManager {
	if ptr := fc.Logger.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (fc *Container) GetHealth() types.HealthManager {
	if ptr := fc.Health.Load(); ptr != nil {
		return *ptr
	}
	return nil
}
