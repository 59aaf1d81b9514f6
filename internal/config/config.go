package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all browserctl configuration.
type Config struct {
	// ProjectID selects the project whose worker session is managed.
	ProjectID string `yaml:"project_id"`

	// Remote collaborators
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Worker       WorkerConfig       `yaml:"worker"`
	VNC          VNCConfig          `yaml:"vnc"`

	// Session activities
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`

	// Task store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			BaseURL:           "http://localhost:8080",
			Timeout:           "30s",
			HeartbeatInterval: "60s",
		},
		Worker: WorkerConfig{
			Scheme:          "http",
			Host:            "localhost",
			Timeout:         "15s",
			AutoInitBrowser: true,
		},
		VNC: VNCConfig{
			Enabled:           false,
			HeartbeatInterval: "30s",
		},
		Telemetry: TelemetryConfig{
			Capacity:         50,
			ReconnectInitial: "1s",
			ReconnectMax:     "30s",
		},
		Screenshot: ScreenshotConfig{
			Interval: "2s",
			Timeout:  "10s",
		},
		Reconcile: ReconcileConfig{
			Interval: "30s",
		},
		Store: StoreConfig{
			DatabasePath:  ".browserctl/tasks.db",
			WatchExternal: true,
			Debounce:      "200ms",
			ListLimit:     50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Dir:    ".browserctl/logs",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults (with env overrides applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BROWSER_ORCHESTRATOR_URL"); v != "" {
		c.Orchestrator.BaseURL = v
	}
	if v := os.Getenv("BROWSER_MCP_API_KEY"); v != "" {
		c.Orchestrator.APIKey = v
	}
	if v := os.Getenv("BROWSER_WORKER_HOST"); v != "" {
		c.Worker.Host = v
	}
	if v := os.Getenv("BROWSERCTL_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("BROWSERCTL_PROJECT"); v != "" {
		c.ProjectID = v
	}
}

// Validate checks the configuration for values the client cannot work without.
func (c *Config) Validate() error {
	if c.Orchestrator.BaseURL == "" {
		return fmt.Errorf("orchestrator base_url not configured (set BROWSER_ORCHESTRATOR_URL)")
	}
	u, err := url.Parse(c.Orchestrator.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid orchestrator base_url: %q", c.Orchestrator.BaseURL)
	}
	if c.Worker.Host == "" {
		return fmt.Errorf("worker host not configured (set BROWSER_WORKER_HOST)")
	}
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store database_path not configured (set BROWSERCTL_DB)")
	}
	if c.Telemetry.Capacity < 0 || c.Telemetry.Capacity > MaxTelemetryCapacity {
		return fmt.Errorf("telemetry capacity must be between 1 and %d, got %d", MaxTelemetryCapacity, c.Telemetry.Capacity)
	}
	if c.Telemetry.ReconnectAttempts < 0 {
		return fmt.Errorf("telemetry reconnect_attempts must not be negative")
	}

	durations := []struct {
		name      string
		value     string
		allowZero bool
	}{
		{"orchestrator timeout", c.Orchestrator.Timeout, false},
		{"orchestrator heartbeat_interval", c.Orchestrator.HeartbeatInterval, true},
		{"worker timeout", c.Worker.Timeout, false},
		{"vnc heartbeat_interval", c.VNC.HeartbeatInterval, false},
		{"telemetry reconnect_initial", c.Telemetry.ReconnectInitial, false},
		{"telemetry reconnect_max", c.Telemetry.ReconnectMax, false},
		{"screenshot interval", c.Screenshot.Interval, false},
		{"screenshot timeout", c.Screenshot.Timeout, false},
		{"reconcile interval", c.Reconcile.Interval, false},
		{"store debounce", c.Store.Debounce, false},
	}
	for _, d := range durations {
		if err := checkDuration(d.name, d.value, d.allowZero); err != nil {
			return err
		}
	}
	return nil
}

// RequireProject returns the configured project ID or an error.
func (c *Config) RequireProject() (string, error) {
	if c.ProjectID == "" {
		return "", fmt.Errorf("project not set (use --project or BROWSERCTL_PROJECT)")
	}
	return c.ProjectID, nil
}
