package config

import (
	"fmt"
	"strings"
	"time"
)

// OrchestratorConfig configures the container-lifecycle REST API.
type OrchestratorConfig struct {
	BaseURL           string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey            string `yaml:"api_key" json:"api_key,omitempty"` // sent as X-API-Key
	UserID            string `yaml:"user_id" json:"user_id,omitempty"`
	Timeout           string `yaml:"timeout" json:"timeout,omitempty"`                       // per request, e.g. "30s"
	HeartbeatInterval string `yaml:"heartbeat_interval" json:"heartbeat_interval,omitempty"` // "0" disables
}

// WorkerConfig configures how the per-container session worker is reached.
type WorkerConfig struct {
	Scheme          string `yaml:"scheme" json:"scheme,omitempty"`
	Host            string `yaml:"host" json:"host,omitempty"`
	Timeout         string `yaml:"timeout" json:"timeout,omitempty"`
	AutoInitBrowser bool   `yaml:"auto_init_browser" json:"auto_init_browser,omitempty"`
}

// VNCConfig configures the optional interactive VNC view.
type VNCConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled,omitempty"`
	HeartbeatInterval string `yaml:"heartbeat_interval" json:"heartbeat_interval,omitempty"`
}

// BaseURLForPort returns the worker base URL for a container port.
func (w WorkerConfig) BaseURLForPort(port int) string {
	scheme := w.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := w.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// GetTimeout returns the worker request timeout.
func (w WorkerConfig) GetTimeout() time.Duration {
	return parseDuration(w.Timeout, 15*time.Second)
}

// GetTimeout returns the orchestrator request timeout.
func (o OrchestratorConfig) GetTimeout() time.Duration {
	return parseDuration(o.Timeout, 30*time.Second)
}

// GetHeartbeatInterval returns the keep-alive interval; zero means disabled.
func (o OrchestratorConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(o.HeartbeatInterval, 0)
}

// GetHeartbeatInterval returns the VNC heartbeat interval.
func (v VNCConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(v.HeartbeatInterval, 30*time.Second)
}

// parseDuration parses s, falling back to def on empty, invalid or
// non-positive input. Settings where zero means disabled pass def = 0.
func parseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// checkDuration validates a duration setting. Empty means the default.
// allowZero admits "0" for settings where zero disables the feature.
func checkDuration(name, s string, allowZero bool) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%s must be positive, got %q", name, s)
	}
	return nil
}
