package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// An empty directory forces defaults only.
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Dispatcher.Workers)
	}
	if cfg.Dispatcher.PollIntervalDuration() != 30*time.Second {
		t.Errorf("poll interval = %s, want 30s", cfg.Dispatcher.PollIntervalDuration())
	}
	if cfg.Dispatcher.RequestTimeoutDuration() != 600*time.Second {
		t.Errorf("request timeout = %s, want 10m", cfg.Dispatcher.RequestTimeoutDuration())
	}
	if cfg.Dispatcher.SessionMaxAge() != 8*time.Hour {
		t.Errorf("session max age = %s, want 8h", cfg.Dispatcher.SessionMaxAge())
	}
	if cfg.Dispatcher.AgentCmd != "claude" {
		t.Errorf("agent_cmd = %q", cfg.Dispatcher.AgentCmd)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("nats.url = %q, want empty (memory bus)", cfg.NATS.URL)
	}
	if cfg.Gateway.Port != 8137 {
		t.Errorf("gateway.port = %d, want 8137", cfg.Gateway.Port)
	}
	if !cfg.Hub.GitSync {
		t.Error("hub.git_sync should default on")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
hub:
  dir: /srv/hub
  git_sync: false
dispatcher:
  workers: 2
  max_attempts: 5
  model: claude-sonnet-4
gateway:
  port: 0
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Hub.Dir != "/srv/hub" {
		t.Errorf("hub.dir = %q", cfg.Hub.Dir)
	}
	if cfg.Hub.GitSync {
		t.Error("hub.git_sync should be off")
	}
	if cfg.Dispatcher.Workers != 2 || cfg.Dispatcher.MaxAttempts != 5 {
		t.Errorf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Dispatcher.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", cfg.Dispatcher.Model)
	}
	if cfg.Gateway.Port != 0 {
		t.Errorf("gateway.port = %d, want 0 (disabled)", cfg.Gateway.Port)
	}
	// File overrides leave untouched keys at their defaults.
	if cfg.Dispatcher.PollInterval != 30 {
		t.Errorf("poll_interval = %d, want default 30", cfg.Dispatcher.PollInterval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAYHUB_DISPATCHER_WORKERS", "9")
	t.Setenv("RELAYHUB_GATEWAY_PORT", "9001")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatcher.Workers != 9 {
		t.Errorf("workers = %d, want 9 from env", cfg.Dispatcher.Workers)
	}
	if cfg.Gateway.Port != 9001 {
		t.Errorf("gateway.port = %d, want 9001 from env", cfg.Gateway.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty hub dir", func(c *Config) { c.Hub.Dir = "" }},
		{"zero workers", func(c *Config) { c.Dispatcher.Workers = 0 }},
		{"negative poll interval", func(c *Config) { c.Dispatcher.PollInterval = -1 }},
		{"zero request timeout", func(c *Config) { c.Dispatcher.RequestTimeout = 0 }},
		{"zero max attempts", func(c *Config) { c.Dispatcher.MaxAttempts = 0 }},
		{"out of range port", func(c *Config) { c.Gateway.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Hub: HubConfig{Dir: "."},
				Dispatcher: DispatcherConfig{
					Workers: 4, PollInterval: 30, RequestTimeout: 600, MaxAttempts: 3,
				},
				Gateway: GatewayConfig{Port: 8137},
			}
			cfg.Logging.Level = "info"
			tc.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDebugForcesLogLevel(t *testing.T) {
	cfg := &Config{
		Hub: HubConfig{Dir: "."},
		Dispatcher: DispatcherConfig{
			Workers: 4, PollInterval: 30, RequestTimeout: 600, MaxAttempts: 3, Debug: true,
		},
		Gateway: GatewayConfig{Port: 8137},
	}
	cfg.Logging.Level = "info"
	if err := validate(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}
