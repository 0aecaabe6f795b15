// Package config materializes a Config from a YAML file and DYNPROXY_*
// environment overrides via viper: nested mapstructure structs, a
// setDefaults pass, AutomaticEnv, and tolerant handling of a missing
// config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration schema, covering the pool/health/proxy
// tunables plus the backend-specific subprocess and container fields.
type Config struct {
	Listen   string `mapstructure:"listen"`
	Backend  string `mapstructure:"backend"` // "subprocess" or "container"
	BasePort int    `mapstructure:"base_port"`

	Pool   PoolConfig   `mapstructure:"pool"`
	Health HealthConfig `mapstructure:"health"`
	Proxy  ProxyConfig  `mapstructure:"proxy"`
	Log    LogConfig    `mapstructure:"log"`

	Subprocess SubprocessConfig `mapstructure:"subprocess"`
	Container  ContainerConfig  `mapstructure:"container"`
}

// PoolConfig bounds pool size and the autoscaler's thresholds.
type PoolConfig struct {
	MinInstances         int           `mapstructure:"min_instances"`
	MaxInstances         int           `mapstructure:"max_instances"`
	ScaleUpLoadThreshold float64       `mapstructure:"scale_up_load_threshold"`
	ScaleDownThreshold   float64       `mapstructure:"scale_down_threshold"`
	IdleFor              time.Duration `mapstructure:"idle_for"`
	EvalInterval         time.Duration `mapstructure:"eval_interval"`
}

// HealthConfig configures the prober.
type HealthConfig struct {
	Path           string        `mapstructure:"path"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	EvictAfter     time.Duration `mapstructure:"evict_after"`
	WarmUpInterval time.Duration `mapstructure:"warm_up_interval"`
	WarmUpWindow   time.Duration `mapstructure:"warm_up_window"`
}

// ProxyConfig configures the data path.
type ProxyConfig struct {
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SubprocessConfig configures the subprocess runtime backend.
type SubprocessConfig struct {
	EntryPath string   `mapstructure:"entry_path"`
	Args      []string `mapstructure:"args"`
	Env       []string `mapstructure:"env"`
}

// ContainerConfig configures the container runtime backend.
type ContainerConfig struct {
	Image         string   `mapstructure:"image"`
	Env           []string `mapstructure:"env"`
	Volumes       []string `mapstructure:"volumes"`
	Network       string   `mapstructure:"network"`
	Prefix        string   `mapstructure:"prefix"`
	PullPolicy    string   `mapstructure:"pull_policy"`
	ContainerPort int      `mapstructure:"container_port"`
}

// Load materializes Config from configPath (if non-empty) or the default
// search path, applying DYNPROXY_*-prefixed environment overrides on top.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dynproxy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dynproxy")
	}

	v.SetEnvPrefix("DYNPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate fails fast on configuration that would make the pool
// unsatisfiable.
func Validate(cfg *Config) error {
	if cfg.Pool.MinInstances < 0 {
		return errors.New("config: pool.min_instances must be >= 0")
	}
	if cfg.Pool.MaxInstances < cfg.Pool.MinInstances {
		return errors.New("config: pool.max_instances must be >= pool.min_instances")
	}
	switch cfg.Backend {
	case "subprocess":
		if cfg.Subprocess.EntryPath == "" {
			return errors.New("config: subprocess.entry_path is required for backend=subprocess")
		}
	case "container":
		if cfg.Container.Image == "" {
			return errors.New("config: container.image is required for backend=container")
		}
	default:
		return fmt.Errorf("config: unknown backend %q (want subprocess or container)", cfg.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":4000")
	v.SetDefault("backend", "subprocess")
	v.SetDefault("base_port", 5001)

	v.SetDefault("pool.min_instances", 2)
	v.SetDefault("pool.max_instances", 10)
	v.SetDefault("pool.scale_up_load_threshold", 3.0)
	v.SetDefault("pool.scale_down_threshold", 0.5)
	v.SetDefault("pool.idle_for", 30*time.Second)
	v.SetDefault("pool.eval_interval", 5*time.Second)

	v.SetDefault("health.path", "/health")
	v.SetDefault("health.check_interval", 5*time.Second)
	v.SetDefault("health.probe_timeout", 2*time.Second)
	v.SetDefault("health.evict_after", 60*time.Second)
	v.SetDefault("health.warm_up_interval", 1*time.Second)
	v.SetDefault("health.warm_up_window", 30*time.Second)

	v.SetDefault("proxy.upstream_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("container.prefix", "dynproxy")
	v.SetDefault("container.pull_policy", "missing")
	v.SetDefault("container.container_port", 8080)
}
