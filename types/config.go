package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name      string                    `yaml:"name" json:"name" validate:"required"`
	Version   string                    `yaml:"version" json:"version" validate:"required"`
	Server    *ServerConfig             `yaml:"server" json:"server"`
	Logger    *LoggerConfig             `yaml:"logger" json:"logger"`
	Metrics   *MetricsConfig            `yaml:"metrics" json:"metrics"`
	Health    *HealthConfig             `yaml:"health" json:"health"`
	Proxy     *ProxyConfig              `yaml:"proxy" json:"proxy"`
	Services  map[string]*ServiceTarget `yaml:"services" json:"services" validate:"dive"`
	Resources *ResourcesConfig          `yaml:"resources" json:"resources"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http"`
}

type HTTPConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type HealthConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	CheckInterval string        `yaml:"check_interval" json:"check_interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout" json:"check_timeout" validate:"min=0"`
	Timezone      string        `yaml:"timezone" json:"timezone"`
}

// ServiceTarget declares a backend service proxied through the registry.
// Zero breaker fields fall back to the top-level proxy defaults.
type ServiceTarget struct {
	URL        string            `yaml:"url" json:"url" validate:"required,url"`
	Fallbacks  []string          `yaml:"fallbacks" json:"fallbacks" validate:"dive,url"`
	HealthPath string            `yaml:"health_path" json:"health_path"`
	Proxy      *ProxyConfig      `yaml:"proxy" json:"proxy"`
	Headers    map[string]string `yaml:"headers" json:"headers"`
}

type ResourcesConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout" validate:"min=0"`
	PingInterval     time.Duration `yaml:"ping_interval" json:"ping_interval" validate:"min=0"`
}
