// Package config loads and validates the poolhub configuration: global
// settings plus the per-service process specs that drive each pool.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid marks configuration errors. The CLI maps any error wrapping it
// to its configuration-error exit code.
var ErrInvalid = errors.New("invalid configuration")

// Restart policies.
const (
	RestartAlways    = "always"
	RestartOnFailure = "on-failure"
	RestartNever     = "never"
)

// Health check kinds.
const (
	CheckTCP     = "tcp"
	CheckHTTP    = "http"
	CheckCommand = "command"
)

// Config is the full poolhub configuration.
type Config struct {
	Settings Settings                `mapstructure:"settings"`
	Services map[string]*ServiceSpec `mapstructure:"services"`
}

// Settings holds the supervisor-wide knobs.
type Settings struct {
	Host            string        `mapstructure:"host"`
	PortMin         int           `mapstructure:"port_min"`
	PortMax         int           `mapstructure:"port_max"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
	LogDirectory    string        `mapstructure:"log_directory"`
	DataDirectory   string        `mapstructure:"data_directory"`
	EndpointsFile   string        `mapstructure:"endpoints_file"`
	UpstreamFile    string        `mapstructure:"upstream_file"`
	MetricsListen   string        `mapstructure:"metrics_listen"`
	BuildCommand    string        `mapstructure:"build_command"`
}

// RegistryPath returns the path of the sqlite worker registry.
func (s Settings) RegistryPath() string {
	return filepath.Join(s.DataDirectory, "registry.db")
}

// ServiceSpec describes one worker type: how to launch it, how many
// instances to keep, how to probe it, and what it depends on.
type ServiceSpec struct {
	Name         string            `mapstructure:"-"`
	Command      string            `mapstructure:"command"`
	Args         []string          `mapstructure:"args"`
	Dir          string            `mapstructure:"cwd"`
	Env          map[string]string `mapstructure:"env"`
	Ports        []int             `mapstructure:"ports"`
	MinInstances int               `mapstructure:"min_instances"`
	MaxInstances int               `mapstructure:"max_instances"`
	Restart      string            `mapstructure:"restart"`
	DependsOn    []string          `mapstructure:"depends_on"`
	StartupDelay time.Duration     `mapstructure:"startup_delay"`
	Health       HealthCheck       `mapstructure:"health"`
	Scale        *ScaleSpec        `mapstructure:"scale"`
}

// HealthCheck describes the probe run against each worker of a service.
type HealthCheck struct {
	Kind     string        `mapstructure:"kind"`
	Target   string        `mapstructure:"target"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Grace    time.Duration `mapstructure:"grace"`
	Failures int           `mapstructure:"failures"`
}

// ScaleSpec enables latency-driven elasticity for a pool. Pools without a
// scale block never autoscale.
type ScaleSpec struct {
	LatencyHigh time.Duration `mapstructure:"latency_high"`
	LatencyLow  time.Duration `mapstructure:"latency_low"`
	Window      int           `mapstructure:"window"`
}

// Load reads the configuration from the given file path, or from
// poolhub.yaml in the working directory or ops/ when path is empty.
// Environment variables prefixed POOLHUB_ override file values
// (POOLHUB_SETTINGS_LOG_LEVEL and so on). A missing config file is only an
// error when a path was given explicitly; commands that need no services
// still work from defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("poolhub")
		v.AddConfigPath(".")
		v.AddConfigPath("ops")
	}

	v.SetEnvPrefix("POOLHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: reading config: %v", ErrInvalid, err)
		}
		// No config file found on the search path; defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %v", ErrInvalid, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("settings.host", "127.0.0.1")
	v.SetDefault("settings.port_min", 8000)
	v.SetDefault("settings.port_max", 8999)
	v.SetDefault("settings.health_interval", "30s")
	v.SetDefault("settings.startup_timeout", "30s")
	v.SetDefault("settings.shutdown_timeout", "10s")
	v.SetDefault("settings.log_level", "info")
	v.SetDefault("settings.log_directory", "logs")
	v.SetDefault("settings.data_directory", ".poolhub")
}

// applyDefaults fills per-service defaults that depend on the map key or on
// global settings, so the rest of the system never sees zero values.
func (c *Config) applyDefaults() {
	if c.Settings.EndpointsFile == "" {
		c.Settings.EndpointsFile = filepath.Join(c.Settings.DataDirectory, "endpoints.json")
	}

	for name, spec := range c.Services {
		if spec == nil {
			spec = &ServiceSpec{}
			c.Services[name] = spec
		}
		spec.Name = name
		if spec.MinInstances == 0 {
			spec.MinInstances = 1
		}
		if spec.MaxInstances == 0 {
			spec.MaxInstances = 3
		}
		// Pinned ports cap the pool size.
		if len(spec.Ports) > 0 && spec.MaxInstances > len(spec.Ports) {
			spec.MaxInstances = len(spec.Ports)
		}
		if spec.Restart == "" {
			spec.Restart = RestartAlways
		}
		if spec.Health.Kind == "" {
			spec.Health.Kind = CheckTCP
		}
		if spec.Health.Interval == 0 {
			spec.Health.Interval = c.Settings.HealthInterval
		}
		if spec.Health.Timeout == 0 {
			spec.Health.Timeout = 5 * time.Second
		}
		if spec.Health.Grace == 0 {
			spec.Health.Grace = 10 * time.Second
		}
		if spec.Health.Failures == 0 {
			spec.Health.Failures = 3
		}
	}
}

// DependencyEdges returns the depends_on relation in the form the deps
// package consumes.
func (c *Config) DependencyEdges() map[string][]string {
	edges := make(map[string][]string, len(c.Services))
	for name, spec := range c.Services {
		edges[name] = spec.DependsOn
	}
	return edges
}
