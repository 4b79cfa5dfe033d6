package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "hgcc", cfg.Client.ClientName)
	assert.Equal(t, 10*time.Second, cfg.Client.Timeout)
	assert.True(t, cfg.Client.MDNSDiscovery)
	assert.Equal(t, 2, cfg.Client.MaxDesiredSlots)

	assert.Equal(t, ":8090", cfg.Scheduler.ListenAddr)
	assert.True(t, cfg.Scheduler.MDNSEnable)

	assert.Equal(t, ":8091", cfg.Builder.ListenAddr)
	assert.True(t, cfg.Builder.ObjectCache)

	assert.True(t, cfg.Cache.Enable)
	assert.Equal(t, int64(1024), cfg.Cache.MaxSize)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8090", cfg.Scheduler.ListenAddr)
}

func TestLoad_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hgcc.yaml")

	configContent := `
client:
  scheduler_addr: "10.0.0.5:8090"
  max_compile_slots: 8

scheduler:
  listen_addr: ":9999"
  mdns_enable: false

cache:
  enable: false
  max_size_mb: 2048

log:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:8090", cfg.Client.SchedulerAddr)
	assert.Equal(t, 8, cfg.Client.MaxCompileSlots)
	assert.Equal(t, ":9999", cfg.Scheduler.ListenAddr)
	assert.False(t, cfg.Scheduler.MDNSEnable)
	assert.False(t, cfg.Cache.Enable)
	assert.EqualValues(t, 2048, cfg.Cache.MaxSize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_SchedulerEnvOverride(t *testing.T) {
	os.Setenv("HGCC_SCHEDULER", "builder-host:8090")
	defer os.Unsetenv("HGCC_SCHEDULER")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "builder-host:8090", cfg.Client.SchedulerAddr)
}

func TestWriteExample(t *testing.T) {
	tmpDir := t.TempDir()
	examplePath := filepath.Join(tmpDir, "example.yaml")

	require.NoError(t, WriteExample(examplePath))

	content, err := os.ReadFile(examplePath)
	require.NoError(t, err)
	assert.Greater(t, len(content), 100)
}

func TestConfig_CacheDir(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.Cache.Dir)
	assert.True(t, filepath.IsAbs(cfg.Builder.WorkDir))
}
