// Package config loads configuration for every hgcc binary from a YAML
// file plus an HG_*-prefixed environment-variable overlay, built on
// github.com/spf13/viper. A missing config file is not an error; the
// defaults are meant to work on a single machine out of the box.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full on-disk/env configuration surface. hgcc only reads
// Client/Cache/Log; hgctl and the reference daemons read Scheduler/Builder.
type Config struct {
	Client    ClientConfig    `mapstructure:"client"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Builder   BuilderConfig   `mapstructure:"builder"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
}

// ClientConfig holds everything internal/client/driver needs.
type ClientConfig struct {
	SchedulerAddr        string        `mapstructure:"scheduler_addr"`
	ClientName           string        `mapstructure:"client_name"`
	ConfigVersion        string        `mapstructure:"config_version"`
	SourceRoot           string        `mapstructure:"source_root"`
	Timeout              time.Duration `mapstructure:"timeout"`
	SlotDir              string        `mapstructure:"slot_dir"`
	MaxCompileSlots      int           `mapstructure:"max_compile_slots"`
	MaxCppSlots          int           `mapstructure:"max_cpp_slots"`
	MaxDesiredSlots      int           `mapstructure:"max_desired_slots"`
	StatLogPath          string        `mapstructure:"stat_log"`
	CompressPreprocessed bool          `mapstructure:"compress_preprocessed"`
	DiscardComments      bool          `mapstructure:"discard_comments"`
	MDNSDiscovery        bool          `mapstructure:"mdns_discovery"`
	EnvTarScript         string        `mapstructure:"env_tar_script"`
}

// SchedulerConfig configures the scheduler daemon (internal/schedulersvc).
type SchedulerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	MDNSEnable  bool   `mapstructure:"mdns_enable"`
	MinVersion  string `mapstructure:"min_version"`
}

// BuilderConfig configures the builder daemon (internal/buildersvc).
type BuilderConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	WorkDir     string `mapstructure:"work_dir"`
	MaxParallel int    `mapstructure:"max_parallel"`
	ObjectCache bool   `mapstructure:"object_cache"`
	CacheDir    string `mapstructure:"cache_dir"`
}

// CacheConfig toggles the client-side object-cache fingerprint and the
// builder's on-disk object cache.
type CacheConfig struct {
	Enable  bool   `mapstructure:"enable"`
	Dir     string `mapstructure:"dir"`
	MaxSize int64  `mapstructure:"max_size_mb"`
}

// LogConfig controls internal/common's logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultConfig returns the built-in defaults, overridden by any config
// file and then by HG_* environment variables.
func DefaultConfig() *Config {
	cacheDir, _ := os.UserCacheDir()
	return &Config{
		Client: ClientConfig{
			ClientName:      "hgcc",
			ConfigVersion:   "1",
			Timeout:         10 * time.Second,
			SlotDir:         filepath.Join(os.TempDir(), "hybridgrid-slots"),
			MaxCompileSlots: runtime.NumCPU(),
			MaxCppSlots:     runtime.NumCPU() * 2,
			MaxDesiredSlots: 2,
			MDNSDiscovery:   true,
		},
		Scheduler: SchedulerConfig{
			ListenAddr:  ":8090",
			MetricsAddr: ":9090",
			MDNSEnable:  true,
			MinVersion:  "1.0.0",
		},
		Builder: BuilderConfig{
			ListenAddr:  ":8091",
			MetricsAddr: ":9091",
			WorkDir:     filepath.Join(os.TempDir(), "hybridgrid-builder"),
			MaxParallel: runtime.NumCPU(),
			ObjectCache: true,
			CacheDir:    filepath.Join(cacheDir, "hybridgrid", "objcache"),
		},
		Cache: CacheConfig{
			Enable:  true,
			Dir:     filepath.Join(cacheDir, "hybridgrid"),
			MaxSize: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configPath (or the default search path when empty), overlays
// HG_* environment variables, and returns the merged Config. A missing
// config file is not an error: defaults apply.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hgcc")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/hybridgrid")
		v.AddConfigPath("/etc/hybridgrid")
	}

	v.SetEnvPrefix("HG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling config: %w", err)
	}
	if cfg.Client.MaxCompileSlots <= 0 {
		cfg.Client.MaxCompileSlots = runtime.NumCPU()
	}
	if cfg.Client.MaxCppSlots <= 0 {
		cfg.Client.MaxCppSlots = runtime.NumCPU() * 2
	}
	if cfg.Builder.MaxParallel <= 0 {
		cfg.Builder.MaxParallel = runtime.NumCPU()
	}

	if addr := os.Getenv("HGCC_SCHEDULER"); addr != "" {
		cfg.Client.SchedulerAddr = addr
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("client.scheduler_addr", cfg.Client.SchedulerAddr)
	v.SetDefault("client.client_name", cfg.Client.ClientName)
	v.SetDefault("client.config_version", cfg.Client.ConfigVersion)
	v.SetDefault("client.timeout", cfg.Client.Timeout)
	v.SetDefault("client.slot_dir", cfg.Client.SlotDir)
	v.SetDefault("client.max_compile_slots", cfg.Client.MaxCompileSlots)
	v.SetDefault("client.max_cpp_slots", cfg.Client.MaxCppSlots)
	v.SetDefault("client.max_desired_slots", cfg.Client.MaxDesiredSlots)
	v.SetDefault("client.mdns_discovery", cfg.Client.MDNSDiscovery)

	v.SetDefault("scheduler.listen_addr", cfg.Scheduler.ListenAddr)
	v.SetDefault("scheduler.metrics_addr", cfg.Scheduler.MetricsAddr)
	v.SetDefault("scheduler.mdns_enable", cfg.Scheduler.MDNSEnable)
	v.SetDefault("scheduler.min_version", cfg.Scheduler.MinVersion)

	v.SetDefault("builder.listen_addr", cfg.Builder.ListenAddr)
	v.SetDefault("builder.metrics_addr", cfg.Builder.MetricsAddr)
	v.SetDefault("builder.work_dir", cfg.Builder.WorkDir)
	v.SetDefault("builder.max_parallel", cfg.Builder.MaxParallel)
	v.SetDefault("builder.object_cache", cfg.Builder.ObjectCache)
	v.SetDefault("builder.cache_dir", cfg.Builder.CacheDir)

	v.SetDefault("cache.enable", cfg.Cache.Enable)
	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.max_size_mb", cfg.Cache.MaxSize)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

// WriteExample writes an example config file for `hgctl config init`.
func WriteExample(path string) error {
	example := `# hgcc distributed-compile client configuration

client:
  scheduler_addr: ""     # host:port, or leave empty to mdns-discover
  client_name: hgcc
  config_version: "1"
  timeout: 10s
  slot_dir: /tmp/hybridgrid-slots
  max_compile_slots: 0   # 0 = auto (number of CPUs)
  max_cpp_slots: 0        # 0 = auto (2x CPUs)
  max_desired_slots: 2
  mdns_discovery: true

scheduler:
  listen_addr: ":8090"
  metrics_addr: ":9090"
  mdns_enable: true
  min_version: "1.0.0"

builder:
  listen_addr: ":8091"
  metrics_addr: ":9091"
  work_dir: /tmp/hybridgrid-builder
  max_parallel: 0         # 0 = auto
  object_cache: true
  cache_dir: ~/.cache/hybridgrid/objcache

cache:
  enable: true
  dir: ~/.cache/hybridgrid
  max_size_mb: 1024

log:
  level: info             # debug, info, warn, error
  format: console         # console, json
  # file: /var/log/hgcc.log
`
	return os.WriteFile(path, []byte(example), 0644)
}
