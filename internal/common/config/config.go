// Package config provides configuration management for the relayhub process.
// It supports loading configuration from environment variables, a config file,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relayhub/relayhub/internal/common/logger"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Hub        HubConfig            `mapstructure:"hub"`
	Dispatcher DispatcherConfig     `mapstructure:"dispatcher"`
	NATS       NATSConfig           `mapstructure:"nats"`
	Gateway    GatewayConfig        `mapstructure:"gateway"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// HubConfig locates the hub working tree.
type HubConfig struct {
	// Dir is the root of the hub-and-spoke working tree. Inboxes, archive,
	// sessions and history all live under it.
	Dir string `mapstructure:"dir"`
	// GitSync enables the git pull/commit/push collaborator. When false the
	// hub operates on the tree without touching git.
	GitSync bool `mapstructure:"git_sync"`
}

// DispatcherConfig holds the scheduler/dispatcher tuning knobs.
type DispatcherConfig struct {
	Workers            int     `mapstructure:"workers"`
	PollInterval       int     `mapstructure:"poll_interval"`        // seconds
	SessionMaxRequests int     `mapstructure:"session_max_requests"` // agent session rotation
	SessionMaxAgeHours int     `mapstructure:"session_max_age_hours"`
	RequestTimeout     int     `mapstructure:"request_timeout"` // seconds, local hard / remote idle
	MaxAttempts        int     `mapstructure:"max_attempts"`
	Model              string  `mapstructure:"model"`
	MaxBudgetUSD       float64 `mapstructure:"max_budget_usd"`
	Debug              bool    `mapstructure:"debug"`
	// AgentCmd is the local agent CLI binary, overridable with --agent-cmd.
	AgentCmd string `mapstructure:"agent_cmd"`
}

// NATSConfig holds the optional NATS event-bus backend configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// GatewayConfig holds the WebSocket gateway configuration.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"` // 0 disables the gateway
}

// PollIntervalDuration returns the scheduler tick interval.
func (d *DispatcherConfig) PollIntervalDuration() time.Duration {
	return time.Duration(d.PollInterval) * time.Second
}

// RequestTimeoutDuration returns the per-request timeout.
func (d *DispatcherConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(d.RequestTimeout) * time.Second
}

// SessionMaxAge returns the agent session age cap.
func (d *DispatcherConfig) SessionMaxAge() time.Duration {
	return time.Duration(d.SessionMaxAgeHours) * time.Hour
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.dir", ".")
	v.SetDefault("hub.git_sync", true)

	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.poll_interval", 30)
	v.SetDefault("dispatcher.session_max_requests", 20)
	v.SetDefault("dispatcher.session_max_age_hours", 8)
	v.SetDefault("dispatcher.request_timeout", 600)
	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("dispatcher.model", "")
	v.SetDefault("dispatcher.max_budget_usd", 0.0)
	v.SetDefault("dispatcher.debug", false)
	v.SetDefault("dispatcher.agent_cmd", "claude")

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "relayhub")
	v.SetDefault("nats.max_reconnects", 10)

	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 8137)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix RELAYHUB_ with snake_case
// naming, e.g. RELAYHUB_DISPATCHER_MAX_ATTEMPTS.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations (current directory, /etc/relayhub/).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAYHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relayhub/")

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Hub.Dir == "" {
		errs = append(errs, "hub.dir is required")
	}
	if cfg.Dispatcher.Workers <= 0 {
		errs = append(errs, "dispatcher.workers must be positive")
	}
	if cfg.Dispatcher.PollInterval <= 0 {
		errs = append(errs, "dispatcher.poll_interval must be positive")
	}
	if cfg.Dispatcher.RequestTimeout <= 0 {
		errs = append(errs, "dispatcher.request_timeout must be positive")
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		errs = append(errs, "dispatcher.max_attempts must be positive")
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Dispatcher.Debug {
		cfg.Logging.Level = "debug"
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
