package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/config"
	"github.com/saiset-co/sai-resilience/cron"
	"github.com/saiset-co/sai-resilience/health"
	"github.com/saiset-co/sai-resilience/logger"
	"github.com/saiset-co/sai-resilience/metrics"
	"github.com/saiset-co/sai-resilience/provider"
	"github.com/saiset-co/sai-resilience/proxy"
	"github.com/saiset-co/sai-resilience/resource"
	"github.com/saiset-co/sai-resilience/sai"
	"github.com/saiset-co/sai-resilience/server"
	"github.com/saiset-co/sai-resilience/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const healthSweepJob = "health_sweep"

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	container       *sai.Container
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)
	container := sai.InitContainer()

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	if err := registerProviders(serviceCtx, container, configPath); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return service, nil
}

// Start brings every component up and blocks until the service is stopped,
// its context ends, or the process receives SIGINT, SIGTERM or SIGQUIT.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger().Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger().Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger().Info("Starting service", zap.String("config", s.configPath))

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		if ptr := s.container.Logger.Load(); ptr != nil {
			if stacked, ok := (*ptr).(*logger.Manager); ok {
				stacked.ErrorWithErrStack("Component startup failed", err)
			}
		}
		s.setState(StateStopped)
		if stopErr := s.stopComponents(); stopErr != nil {
			s.logger().Error("Error while rolling back startup", zap.Error(stopErr))
		}
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	s.logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger().Warn("Service is not running")
		return types.ErrServerNotRunning
	}

	s.logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Registry() *proxy.Registry {
	return s.container.Registry.Load()
}

func (s *Service) Resources() *resource.Manager {
	return s.container.Resources.Load()
}

func (s *Service) Health() types.HealthManager {
	return s.container.GetHealth()
}

func (s *Service) Config() types.ConfigManager {
	return s.container.GetConfig()
}

// Logger is the service logger, usable as soon as NewService returns.
func (s *Service) Logger() types.Logger {
	return s.logger()
}

func (s *Service) Container() *sai.Container {
	return s.container
}

// Addr is the operational server's bound address, empty when it is disabled
// or not yet listening.
func (s *Service) Addr() string {
	if srv := s.container.HTTPServer.Load(); srv != nil {
		return srv.Addr()
	}
	return ""
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) {
	s.state.Store(newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) logger() types.Logger {
	if l := s.container.GetLogger(); l != nil {
		return l
	}
	return logger.NewNopLogger()
}

func (s *Service) startComponents(ctx context.Context) error {
	_config := (*s.container.Config.Load()).GetConfig()

	steps := []struct {
		name    string
		enabled bool
		manager types.LifecycleManager
	}{
		{"logger", true, *s.container.Logger.Load()},
		{"metrics", true, s.container.Metrics.Load()},
		{"health", _config.Health.Enabled, *s.container.Health.Load()},
		{"cron", true, s.container.Cron.Load()},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}

		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
		}

		if err := step.manager.Start(); err != nil {
			return types.Errorf(types.ErrComponentStartFailed, "%s: %v", step.name, err)
		}
	}

	if srv := s.container.HTTPServer.Load(); srv != nil {
		if err := srv.Start(); err != nil {
			return types.Errorf(types.ErrComponentStartFailed, "http server: %v", err)
		}
	}

	s.logger().Info("All components started successfully")
	return nil
}

// stopComponents tears down in reverse start order. Components that never
// started report ErrServerNotRunning, which is not a shutdown failure.
func (s *Service) stopComponents() error {
	var errs []error

	s.logger().Info("Stopping service components...")

	stop := func(name string, manager types.LifecycleManager) {
		if err := manager.Stop(); err != nil && !errors.Is(err, types.ErrServerNotRunning) {
			s.logger().Error("Failed to stop component", zap.String("component", name), zap.Error(err))
			errs = append(errs, types.Errorf(types.ErrComponentStopFailed, "%s: %v", name, err))
		}
	}

	if srv := s.container.HTTPServer.Load(); srv != nil {
		stop("http server", srv)
	}
	if cronManager := s.container.Cron.Load(); cronManager != nil {
		stop("cron", cronManager)
	}
	if ptr := s.container.Health.Load(); ptr != nil {
		stop("health", *ptr)
	}

	if resources := s.container.Resources.Load(); resources != nil {
		if err := resources.ReleaseAll(); err != nil {
			s.logger().Error("Failed to release shared resources", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if metricsManager := s.container.Metrics.Load(); metricsManager != nil {
		stop("metrics", metricsManager)
	}

	s.logger().Info("All components stopped", zap.Int("errors", len(errs)))

	if ptr := s.container.Logger.Load(); ptr != nil {
		stop("logger", *ptr)
	}

	return errors.Join(errs...)
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger().Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger().Info("Service shutdown: context done")
	}
}

func registerProviders(ctx context.Context, container *sai.Container, configPath string) error {
	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return types.WrapError(err, "failed to register config manager")
	}
	container.SetConfig(configManager)

	_config := configManager.GetConfig()

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	container.SetLogger(loggerManager)

	metricsManager, err := metrics.NewManager(ctx, _config.Metrics, loggerManager)
	switch {
	case errors.Is(err, types.ErrMetricsIsDisabled):
		metricsManager = metrics.NewNopManager()
	case err != nil:
		return types.WrapError(err, "failed to register metrics manager")
	}
	container.SetMetrics(metricsManager)

	registry := proxy.NewRegistry(loggerManager,
		proxy.WithDefaults(_config.Proxy),
		proxy.WithRegistryMetrics(metricsManager))
	if err = defineServices(registry, _config); err != nil {
		return types.WrapError(err, "failed to register proxies")
	}
	container.SetRegistry(registry)

	resources, err := resource.NewManager(resource.DialWebSocket(loggerManager, _config.Resources), loggerManager,
		resource.WithMetrics(metricsManager))
	if err != nil {
		return types.WrapError(err, "failed to register resource manager")
	}
	container.SetResources(resources)

	healthManager := health.NewManager(ctx, _config.Health,
		types.ServiceInfo{Name: _config.Name, Version: _config.Version}, loggerManager)
	healthManager.RegisterChecker("proxies", registry.HealthChecker())
	healthManager.RegisterChecker("resources", resources.HealthChecker())
	container.SetHealth(healthManager)

	cronManager := cron.NewManager(ctx, _config.Health.Timezone, loggerManager, metricsManager)
	if _config.Health.Enabled && _config.Health.CheckInterval != "" {
		sweep := func() {
			report := healthManager.Check(ctx)
			loggerManager.Debug("Health sweep finished",
				zap.String("status", string(report.Status)),
				zap.Int("checks", report.Summary.Total))
		}
		if err = cronManager.Add(healthSweepJob, _config.Health.CheckInterval, sweep); err != nil {
			return types.WrapError(err, "failed to schedule health sweep")
		}
	}
	container.SetCron(cronManager)

	if _config.Server.HTTP.Enabled {
		ops := &server.Ops{
			Proxies:   registry,
			Resources: resources,
			Logger:    loggerManager,
		}
		if _config.Health.Enabled {
			ops.Health = healthManager
		}
		if _config.Metrics.Enabled {
			ops.Metrics = metricsManager
		}

		router := server.NewRouter()
		server.RegisterOps(router, ops)
		container.SetHTTPServer(server.NewHTTPServer(ctx, _config.Server.HTTP, loggerManager, router))
	}

	return nil
}

// defineServices declares one lazily built proxy per configured service.
// The primary URL is probed first, then each fallback URL in order.
func defineServices(registry *proxy.Registry, _config *types.ServiceConfig) error {
	for name, target := range _config.Services {
		if target == nil {
			continue
		}

		proxyConfig := target.Proxy.Inherit(_config.Proxy)

		urls := append([]string{target.URL}, target.Fallbacks...)
		resolvers := make([]provider.Resolver, 0, len(urls))
		for _, url := range urls {
			resolvers = append(resolvers, provider.NewHTTPResolver(&provider.HTTPResolverConfig{
				BaseURL:    url,
				HealthPath: target.HealthPath,
				Timeout:    proxyConfig.Breaker.CallTimeout,
				Headers:    target.Headers,
			}))
		}

		if err := registry.Define(name, proxyConfig, resolvers...); err != nil {
			return err
		}
	}

	return nil
}
