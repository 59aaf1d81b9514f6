package config

import "time"

// TelemetryConfig configures the worker event stream.
type TelemetryConfig struct {
	// Capacity of the retained event log (FIFO eviction).
	Capacity int `yaml:"capacity" json:"capacity,omitempty"`

	ReconnectInitial  string `yaml:"reconnect_initial" json:"reconnect_initial,omitempty"`
	ReconnectMax      string `yaml:"reconnect_max" json:"reconnect_max,omitempty"`
	ReconnectAttempts int    `yaml:"reconnect_attempts" json:"reconnect_attempts,omitempty"` // 0 = unlimited
}

// ScreenshotConfig configures the screenshot poller.
type ScreenshotConfig struct {
	Interval string `yaml:"interval" json:"interval,omitempty"`
	Timeout  string `yaml:"timeout" json:"timeout,omitempty"`
}

// ReconcileConfig configures the reconciliation loop.
type ReconcileConfig struct {
	Interval string `yaml:"interval" json:"interval,omitempty"`
}

// MaxTelemetryCapacity bounds the retained event log.
const MaxTelemetryCapacity = 50

// GetCapacity returns the event log capacity, at most MaxTelemetryCapacity.
func (t TelemetryConfig) GetCapacity() int {
	if t.Capacity <= 0 || t.Capacity > MaxTelemetryCapacity {
		return MaxTelemetryCapacity
	}
	return t.Capacity
}

func (t TelemetryConfig) GetReconnectInitial() time.Duration {
	return parseDuration(t.ReconnectInitial, time.Second)
}

func (t TelemetryConfig) GetReconnectMax() time.Duration {
	return parseDuration(t.ReconnectMax, 30*time.Second)
}

func (s ScreenshotConfig) GetInterval() time.Duration {
	return parseDuration(s.Interval, 2*time.Second)
}

func (s ScreenshotConfig) GetTimeout() time.Duration {
	return parseDuration(s.Timeout, 10*time.Second)
}

func (r ReconcileConfig) GetInterval() time.Duration {
	return parseDuration(r.Interval, 30*time.Second)
}
