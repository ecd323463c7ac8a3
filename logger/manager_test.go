package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-resilience/types"
)

type staticConfig struct {
	config *types.ServiceConfig
}

func (s staticConfig) Load() error { return nil }

func (s staticConfig) GetConfig() *types.ServiceConfig { return s.config }

func (s staticConfig) GetValue(_ string, def interface{}) interface{} { return def }

func (s staticConfig) GetAs(_ string, _ interface{}) error { return types.ErrConfigNotFound }

func withLogger(config *types.LoggerConfig) staticConfig {
	return staticConfig{config: &types.ServiceConfig{Name: "gateway", Version: "1.0.0", Logger: config}}
}

func TestNewManager_SelectsLogger(t *testing.T) {
	_, err := NewManager(context.Background(), withLogger(nil))
	assert.ErrorIs(t, err, types.ErrLoggerConfigInvalid)

	_, err = NewManager(context.Background(), withLogger(&types.LoggerConfig{Type: "syslog"}))
	assert.ErrorIs(t, err, types.ErrLoggerTypeUnknown)

	manager, err := NewManager(context.Background(), withLogger(&types.LoggerConfig{Type: "nop"}))
	require.NoError(t, err)

	require.NoError(t, manager.Start())
	assert.True(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsRunning())
	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)
}

func TestNewManager_CustomLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	RegisterLogger("observed", func(config interface{}) (types.Logger, error) {
		return NewZapWrapper(zap.New(core)), nil
	})

	manager, err := NewManager(context.Background(), withLogger(&types.LoggerConfig{Type: "observed"}))
	require.NoError(t, err)

	manager.Info("Proxy created", zap.String("resource", "features"))
	manager.Debug("Proxy cache invalidated")

	stacked, ok := manager.(*Manager)
	require.True(t, ok)
	stacked.ErrorWithErrStack("Resolution failed", errors.Wrap(errors.New("connection refused"), "probe"))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "features", entries[0].ContextMap()["resource"])
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)

	fields := entries[2].ContextMap()
	assert.Equal(t, "connection refused", fields["error"])
	assert.Contains(t, fields["stack"], "manager_test.go")
}

func TestNewDefaultLogger_FileOutput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "service.log")

	l, err := NewDefaultLogger(&types.LoggerConfig{
		Level: "debug",
		Config: map[string]interface{}{
			"format": "json",
			"output": "file",
			"file":   file,
		},
	})
	require.NoError(t, err)

	l.Debug("written")
	require.NoError(t, l.(*ZapWrapper).Sync())
	assert.FileExists(t, file)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("WARNING"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("verbose"))
}
