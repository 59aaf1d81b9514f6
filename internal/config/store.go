package config

import "time"

// StoreConfig configures the persisted task store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path,omitempty"`

	// WatchExternal enables the fsnotify feed for rows written by other processes.
	WatchExternal bool   `yaml:"watch_external" json:"watch_external,omitempty"`
	Debounce      string `yaml:"debounce" json:"debounce,omitempty"`

	// ListLimit bounds the initial task list load (newest first).
	ListLimit int `yaml:"list_limit" json:"list_limit,omitempty"`
}

func (s StoreConfig) GetDebounce() time.Duration {
	return parseDuration(s.Debounce, 200*time.Millisecond)
}

func (s StoreConfig) GetListLimit() int {
	if s.ListLimit <= 0 {
		return 50
	}
	return s.ListLimit
}
