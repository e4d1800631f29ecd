// Package config provides configuration management for the claudesmith runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SandboxConfig holds Docker sandbox configuration.
type SandboxConfig struct {
	Host       string `mapstructure:"host"`       // Docker daemon address
	APIVersion string `mapstructure:"apiVersion"` // Docker API version
	Image      string `mapstructure:"image"`      // Fixed sandbox image tag; never pulled

	// Resource caps applied to every session container.
	MemoryBytes int64 `mapstructure:"memoryBytes"`
	CPUCores    int64 `mapstructure:"cpuCores"`

	// CreateTimeout bounds container provisioning end to end.
	CreateTimeout int `mapstructure:"createTimeout"` // in seconds
	// StopGracePeriod is how long a container gets to stop before removal.
	StopGracePeriod int `mapstructure:"stopGracePeriod"` // in seconds

	// ScratchRoot is the host directory holding per-session /scratch mounts.
	// Defaults to <cwd>/.scratch.
	ScratchRoot string `mapstructure:"scratchRoot"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LimitsConfig holds the default per-tool-invocation resource limits.
type LimitsConfig struct {
	MaxResultSize     int  `mapstructure:"maxResultSize"`     // in characters
	MaxToolTimeout    int  `mapstructure:"maxToolTimeout"`    // in milliseconds
	IncludeErrorHints bool `mapstructure:"includeErrorHints"` // attach remediation hints to tool errors
}

// EvaluatorConfig holds settings for the restricted snippet evaluator.
type EvaluatorConfig struct {
	NodeBinary     string `mapstructure:"nodeBinary"`
	HookTimeout    int    `mapstructure:"hookTimeout"`    // in milliseconds
	HandlerTimeout int    `mapstructure:"handlerTimeout"` // in milliseconds
	LoaderTimeout  int    `mapstructure:"loaderTimeout"`  // in milliseconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CreateTimeoutDuration returns the container create timeout as a time.Duration.
func (s *SandboxConfig) CreateTimeoutDuration() time.Duration {
	return time.Duration(s.CreateTimeout) * time.Second
}

// StopGracePeriodDuration returns the stop grace period as a time.Duration.
func (s *SandboxConfig) StopGracePeriodDuration() time.Duration {
	return time.Duration(s.StopGracePeriod) * time.Second
}

// MaxToolTimeoutDuration returns the tool timeout cap as a time.Duration.
func (l *LimitsConfig) MaxToolTimeoutDuration() time.Duration {
	return time.Duration(l.MaxToolTimeout) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("CLAUDESMITH_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Sandbox defaults
	v.SetDefault("sandbox.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.apiVersion", "1.41")
	v.SetDefault("sandbox.image", "claudesmith:latest")
	v.SetDefault("sandbox.memoryBytes", int64(4)<<30) // 4 GiB
	v.SetDefault("sandbox.cpuCores", 2)
	v.SetDefault("sandbox.createTimeout", 120)
	v.SetDefault("sandbox.stopGracePeriod", 10)
	v.SetDefault("sandbox.scratchRoot", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "claudesmith")
	v.SetDefault("nats.maxReconnects", 10)

	// Tool limit defaults
	v.SetDefault("limits.maxResultSize", 50000)
	v.SetDefault("limits.maxToolTimeout", 60000)
	v.SetDefault("limits.includeErrorHints", true)

	// Evaluator defaults
	v.SetDefault("evaluator.nodeBinary", "node")
	v.SetDefault("evaluator.hookTimeout", 5000)
	v.SetDefault("evaluator.handlerTimeout", 10000)
	v.SetDefault("evaluator.loaderTimeout", 5000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDESMITH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/claudesmith/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAUDESMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys whose env names differ.
	_ = v.BindEnv("sandbox.image", "CLAUDESMITH_SANDBOX_IMAGE")
	_ = v.BindEnv("limits.maxResultSize", "CLAUDESMITH_LIMITS_MAX_RESULT_SIZE")
	_ = v.BindEnv("limits.maxToolTimeout", "CLAUDESMITH_LIMITS_MAX_TOOL_TIMEOUT")
	_ = v.BindEnv("evaluator.nodeBinary", "CLAUDESMITH_EVALUATOR_NODE_BINARY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claudesmith/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// All offenses are collected and reported together.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image is required")
	}
	if cfg.Sandbox.MemoryBytes <= 0 {
		errs = append(errs, "sandbox.memoryBytes must be positive")
	}
	if cfg.Sandbox.CPUCores <= 0 {
		errs = append(errs, "sandbox.cpuCores must be positive")
	}

	if cfg.Limits.MaxResultSize <= 0 {
		errs = append(errs, "limits.maxResultSize must be positive")
	}
	if cfg.Limits.MaxToolTimeout <= 0 {
		errs = append(errs, "limits.maxToolTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
