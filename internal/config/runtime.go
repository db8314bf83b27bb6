package config

import (
	"os"
	"strconv"
	"sync"
)

// RuntimeConfig stores configuration set at runtime via CLI flags or the
// environment. These values are not persisted to config files.
type RuntimeConfig struct {
	mu      sync.RWMutex
	premium bool
	debug   bool
}

var globalRuntime = &RuntimeConfig{}

// SetPremium enables or disables capability-gated wizard features.
// Gated steps are locked by default.
func SetPremium(enabled bool) {
	globalRuntime.mu.Lock()
	defer globalRuntime.mu.Unlock()
	globalRuntime.premium = enabled
}

// IsPremium returns whether capability-gated features are unlocked.
func IsPremium() bool {
	globalRuntime.mu.RLock()
	defer globalRuntime.mu.RUnlock()
	return globalRuntime.premium
}

// SetDebug toggles verbose logging. When called with false, WIZARD_DEBUG
// from the environment still enables it.
func SetDebug(debug bool) {
	globalRuntime.mu.Lock()
	defer globalRuntime.mu.Unlock()

	if !debug {
		debug, _ = strconv.ParseBool(os.Getenv("WIZARD_DEBUG"))
	}
	globalRuntime.debug = debug
}

// IsDebug returns whether verbose logging is enabled.
func IsDebug() bool {
	globalRuntime.mu.RLock()
	defer globalRuntime.mu.RUnlock()
	return globalRuntime.debug
}
