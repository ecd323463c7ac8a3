package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-resilience/types"
)

type ConfigurationManager struct {
	ctx         context.Context
	configPath  string
	loader      *Loader
	config      atomic.Pointer[types.ServiceConfig]
	parser      atomic.Pointer[Parser]
	loadTimeout time.Duration
}

var _ types.ConfigManager = (*ConfigurationManager)(nil)

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	cm := &ConfigurationManager{
		ctx:         ctx,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	if err := cm.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// Load rereads the file. The previous configuration stays active when the
// new one fails to parse or validate.
func (cm *ConfigurationManager) Load() error {
	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, raw, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		return types.WrapError(err, "failed to load configuration from file")
	}

	cm.config.Store(config)
	cm.parser.Store(NewParser(raw))

	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := cm.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	parser := cm.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}
