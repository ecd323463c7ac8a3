package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-resilience/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// LoadFromFile overlays the YAML file on Defaults and validates the result.
// ${VAR} references in the file are expanded from the environment. The raw
// document is returned alongside for path lookups.
func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.Errorf(types.ErrConfigNotFound, "file not found: %s", configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.Parse([]byte(os.ExpandEnv(string(data))))
}

func (l *Loader) Parse(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	l.fillSections(config)

	return config, raw, nil
}

// fillSections restores sections the file set to null and resolves
// per-service proxy overrides against the top-level proxy section.
func (l *Loader) fillSections(config *types.ServiceConfig) {
	defaults := l.Defaults()

	if config.Server == nil {
		config.Server = defaults.Server
	}
	if config.Server.HTTP == nil {
		config.Server.HTTP = defaults.Server.HTTP
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}
	if config.Health == nil {
		config.Health = defaults.Health
	}
	if config.Resources == nil {
		config.Resources = defaults.Resources
	}
	if config.Services == nil {
		config.Services = defaults.Services
	}

	config.Proxy = config.Proxy.WithDefaults()

	for _, target := range config.Services {
		if target != nil && target.Proxy != nil {
			target.Proxy = target.Proxy.Inherit(config.Proxy)
		}
	}
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Enabled:         true,
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
			},
		},
		Logger: &types.LoggerConfig{
			Type:  "default",
			Level: "info",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled:       true,
			CheckInterval: "*/30 * * * * *",
			CheckTimeout:  5 * time.Second,
			Timezone:      "UTC",
		},
		Proxy:    types.DefaultProxyConfig(),
		Services: make(map[string]*types.ServiceTarget),
		Resources: &types.ResourcesConfig{
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
	}
}
