// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `toe:` root key in YAML.
type GlobalConfig struct {
	Log     log.LoggerConfig `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Engine  EngineConfig     `mapstructure:"engine" yaml:"engine"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Engine ───

// EngineConfig sizes the receive pipeline and its reference tables.
type EngineConfig struct {
	QueueDepth         int    `mapstructure:"queue_depth" yaml:"queue_depth"`       // capacity of every inter-stage channel
	RxBufferSize       uint32 `mapstructure:"rx_buffer_size" yaml:"rx_buffer_size"` // per-session circular buffer, power of two
	MSS                uint16 `mapstructure:"mss" yaml:"mss"`
	SlowStartThreshold uint32 `mapstructure:"slow_start_threshold" yaml:"slow_start_threshold"`
	FastRetransmit     bool   `mapstructure:"fast_retransmit" yaml:"fast_retransmit"`
	MaxSessions        int    `mapstructure:"max_sessions" yaml:"max_sessions"`
	ListenPorts        []int  `mapstructure:"listen_ports" yaml:"listen_ports"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `toe: ...`.
type configRoot struct {
	TOE GlobalConfig `mapstructure:"toe"`
}

// Load loads configuration from file.
// The YAML file uses `toe:` as root key; env vars use the TOE_ prefix (e.g., TOE_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return load(v)
}

// Default returns the validated built-in configuration.
func Default() *GlobalConfig {
	cfg, err := load(viper.New())
	if err != nil {
		panic(err)
	}
	return cfg
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	// key "toe.log.level" → env "TOE_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.TOE

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "toe." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("toe.log.level", "info")
	v.SetDefault("toe.log.pattern", log.DefaultPattern)
	v.SetDefault("toe.log.time", log.DefaultTime)
	v.SetDefault("toe.log.appenders", []map[string]interface{}{{"type": "console"}})

	// Metrics defaults
	v.SetDefault("toe.metrics.enabled", false)
	v.SetDefault("toe.metrics.listen", ":9091")
	v.SetDefault("toe.metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault("toe.engine.queue_depth", 64)
	v.SetDefault("toe.engine.rx_buffer_size", 65536)
	v.SetDefault("toe.engine.mss", 1460)
	v.SetDefault("toe.engine.slow_start_threshold", 0xFFFF)
	v.SetDefault("toe.engine.fast_retransmit", true)
	v.SetDefault("toe.engine.max_sessions", 1024)
	v.SetDefault("toe.engine.listen_ports", []int{})
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("%w: invalid log level %q (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}

	// ── Engine validation ──
	e := &cfg.Engine
	if e.QueueDepth <= 0 {
		return fmt.Errorf("%w: engine.queue_depth must be positive, got %d", core.ErrConfigInvalid, e.QueueDepth)
	}
	if e.RxBufferSize < 2 || bits.OnesCount32(e.RxBufferSize) != 1 {
		return fmt.Errorf("%w: engine.rx_buffer_size=%d", core.ErrBufferSizeRange, e.RxBufferSize)
	}
	if e.MSS == 0 {
		return fmt.Errorf("%w: engine.mss must be positive", core.ErrConfigInvalid)
	}
	if e.MaxSessions <= 0 {
		return fmt.Errorf("%w: engine.max_sessions must be positive, got %d", core.ErrConfigInvalid, e.MaxSessions)
	}
	for _, p := range e.ListenPorts {
		if p <= 0 || p > 0xFFFF {
			return fmt.Errorf("%w: listen port %d out of range", core.ErrConfigInvalid, p)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return nil
}
