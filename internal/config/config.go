package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the wizard configuration
type Config struct {
	Title          string                `yaml:"title"`
	BasePath       string                `yaml:"base_path"`       // Path the wizard pages are served under (default: /wizard)
	SessionVersion string                `yaml:"session_version"` // Stamped on persisted state; mismatching blobs are discarded
	Timing         TimingConfig          `yaml:"timing"`
	Storage        StorageConfig         `yaml:"storage"`
	Transport      TransportConfig       `yaml:"transport"`
	History        HistoryConfig         `yaml:"history"`
	Server         ServerConfig          `yaml:"server"`
	Features       FeaturesConfig        `yaml:"features"`
	Steps          map[string]StepConfig `yaml:"steps,omitempty"`
	API            *APIConfig            `yaml:"api,omitempty"`
}

// TimingConfig holds every user-visible pacing delay. Values are Go duration
// strings ("300ms", "2s").
type TimingConfig struct {
	Debounce         string `yaml:"debounce,omitempty"`          // Gesture debounce (default: 300ms)
	RedirectDelay    string `yaml:"redirect_delay,omitempty"`    // Delay before following a redirect (default: 500ms)
	SkeletonHold     string `yaml:"skeleton_hold,omitempty"`     // Minimum time a skeleton stays up (default: 150ms)
	RetryBackoff     string `yaml:"retry_backoff,omitempty"`     // Fixed backoff before the single retry (default: 1s)
	AutosaveDelay    string `yaml:"autosave_delay,omitempty"`    // Delay after the first unsaved change (default: 3s)
	AutosaveCooldown string `yaml:"autosave_cooldown,omitempty"` // Skip autosave if a save happened this recently (default: 30s)
	InternalNavigate string `yaml:"internal_navigate,omitempty"` // Lifetime of the internal-navigation flag (default: 2s)
	CompleteRedirect string `yaml:"complete_redirect,omitempty"` // Delay before leaving after completion (default: 1500ms)
}

// StorageConfig configures the persisted client cache
type StorageConfig struct {
	Driver     string `yaml:"driver,omitempty"`      // "memory", "sqlite" or "postgres" (default: sqlite)
	DSN        string `yaml:"dsn,omitempty"`         // sqlite file path or postgres connection string (env vars expanded)
	Key        string `yaml:"key,omitempty"`         // Key of the state blob (default: wizard_state)
	Prefix     string `yaml:"prefix,omitempty"`      // Prefix shared by all wizard-owned keys (default: wizard_)
	QuotaBytes int    `yaml:"quota_bytes,omitempty"` // Per-session byte quota (default: 5 MiB, 0 keeps default, -1 unlimited)
}

// TransportConfig configures calls to the wizard backend
type TransportConfig struct {
	Endpoint      string   `yaml:"endpoint,omitempty"`       // Backend URL (default: same server /api/wizard)
	Timeout       string   `yaml:"timeout,omitempty"`        // Per-call timeout (default: 30s)
	RetryLimit    *int     `yaml:"retry_limit,omitempty"`    // Automatic retries for transient failures (default: 1)
	RedirectHosts []string `yaml:"redirect_hosts,omitempty"` // Hosts the backend may redirect to besides this site
}

// HistoryConfig configures the state snapshot ring buffer
type HistoryConfig struct {
	Capacity int `yaml:"capacity,omitempty"` // Snapshots kept (default: 50)
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Host           string `yaml:"host"`
	Debug          bool   `yaml:"debug"`
	SessionTimeout string `yaml:"session_timeout,omitempty"` // Idle time before a session expires (default: 30m)
}

// FeaturesConfig holds feature flags
type FeaturesConfig struct {
	HotReload bool `yaml:"hot_reload"`
	Metrics   bool `yaml:"metrics"`  // Expose /metrics (default: true)
	InPlace   bool `yaml:"in_place"` // Swap steps without a page load instead of redirecting
}

// StepConfig describes one wizard step
type StepConfig struct {
	Title    string   `yaml:"title,omitempty"`
	Help     string   `yaml:"help,omitempty"`     // Markdown help text shown next to the form
	Required []string `yaml:"required,omitempty"` // Fields that must be non-empty for client-side validation
	Bundle   string   `yaml:"bundle,omitempty"`   // Optional .wasm bundle providing the step's validation
	Gated    bool     `yaml:"gated,omitempty"`    // Step requires the premium capability
}

// APIConfig holds backend API configuration
type APIConfig struct {
	CORS      *CORSConfig      `yaml:"cors,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// CORSConfig holds CORS configuration for the API
type CORSConfig struct {
	Origins []string `yaml:"origins,omitempty"`
}

// RateLimitConfig holds rate limiting configuration for the API
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // Rate limit in requests per second (default: 10)
	Burst             int     `yaml:"burst,omitempty"`               // Burst size (default: 20)
	MaxTrackedIPs     int     `yaml:"max_tracked_ips,omitempty"`     // Client IPs tracked before LRU eviction (default: 10000)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetDebounce returns the gesture debounce delay (default: 300ms)
func (t TimingConfig) GetDebounce() time.Duration {
	return parseDuration(t.Debounce, 300*time.Millisecond)
}

// GetRedirectDelay returns the delay before following a redirect (default: 500ms)
func (t TimingConfig) GetRedirectDelay() time.Duration {
	return parseDuration(t.RedirectDelay, 500*time.Millisecond)
}

// GetSkeletonHold returns the minimum skeleton display time (default: 150ms)
func (t TimingConfig) GetSkeletonHold() time.Duration {
	return parseDuration(t.SkeletonHold, 150*time.Millisecond)
}

// GetRetryBackoff returns the fixed retry backoff (default: 1s)
func (t TimingConfig) GetRetryBackoff() time.Duration {
	return parseDuration(t.RetryBackoff, time.Second)
}

// GetAutosaveDelay returns the autosave delay (default: 3s)
func (t TimingConfig) GetAutosaveDelay() time.Duration {
	return parseDuration(t.AutosaveDelay, 3*time.Second)
}

// GetAutosaveCooldown returns the autosave cool-down (default: 30s)
func (t TimingConfig) GetAutosaveCooldown() time.Duration {
	return parseDuration(t.AutosaveCooldown, 30*time.Second)
}

// GetInternalNavigate returns the internal-navigation flag lifetime (default: 2s)
func (t TimingConfig) GetInternalNavigate() time.Duration {
	return parseDuration(t.InternalNavigate, 2*time.Second)
}

// GetCompleteRedirect returns the delay before leaving a completed wizard (default: 1500ms)
func (t TimingConfig) GetCompleteRedirect() time.Duration {
	return parseDuration(t.CompleteRedirect, 1500*time.Millisecond)
}

// GetDriver returns the storage driver (default: sqlite)
func (s StorageConfig) GetDriver() string {
	if s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// GetDSN returns the storage DSN with environment variables expanded
// (default for sqlite: ./wizard.db)
func (s StorageConfig) GetDSN() string {
	if s.DSN == "" {
		if s.GetDriver() == "sqlite" {
			return "./wizard.db"
		}
		return ""
	}
	return os.ExpandEnv(s.DSN)
}

// GetKey returns the state blob key (default: wizard_state)
func (s StorageConfig) GetKey() string {
	if s.Key == "" {
		return "wizard_state"
	}
	return s.Key
}

// GetPrefix returns the prefix of wizard-owned keys (default: wizard_)
func (s StorageConfig) GetPrefix() string {
	if s.Prefix == "" {
		return "wizard_"
	}
	return s.Prefix
}

// GetQuotaBytes returns the per-session quota in bytes; 0 means unlimited
func (s StorageConfig) GetQuotaBytes() int {
	switch {
	case s.QuotaBytes < 0:
		return 0
	case s.QuotaBytes == 0:
		return 5 * 1024 * 1024
	default:
		return s.QuotaBytes
	}
}

// GetTimeout returns the parsed transport timeout (default: 30s)
func (t TransportConfig) GetTimeout() time.Duration {
	d := parseDuration(t.Timeout, 30*time.Second)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

// GetRetryLimit returns automatic retries for transient failures (default: 1)
func (t TransportConfig) GetRetryLimit() int {
	if t.RetryLimit == nil || *t.RetryLimit < 0 {
		return 1
	}
	return *t.RetryLimit
}

// GetCapacity returns the history ring buffer capacity (default: 50)
func (h HistoryConfig) GetCapacity() int {
	if h.Capacity <= 0 {
		return 50
	}
	return h.Capacity
}

// GetSessionTimeout returns the idle session lifetime (default: 30m)
func (s ServerConfig) GetSessionTimeout() time.Duration {
	return parseDuration(s.SessionTimeout, 30*time.Minute)
}

// Step returns the configuration for a step, with a title derived from the
// step name when none is configured.
func (c *Config) Step(name string) StepConfig {
	sc := c.Steps[name]
	if sc.Title == "" && name != "" {
		sc.Title = string(name[0]-'a'+'A') + name[1:]
	}
	return sc
}

// GetCORSOrigins returns the configured CORS origins, or nil if not configured
func (c *APIConfig) GetCORSOrigins() []string {
	if c == nil || c.CORS == nil {
		return nil
	}
	return c.CORS.Origins
}

// GetRateLimitRPS returns the rate limit in requests per second (default: 10)
func (c *APIConfig) GetRateLimitRPS() float64 {
	if c == nil || c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 10
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 20)
func (c *APIConfig) GetRateLimitBurst() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 20
	}
	return c.RateLimit.Burst
}

// GetMaxTrackedIPs returns how many client IPs the rate limiter tracks (default: 10000)
func (c *APIConfig) GetMaxTrackedIPs() int {
	if c == nil || c.RateLimit == nil || c.RateLimit.MaxTrackedIPs <= 0 {
		return 10000
	}
	return c.RateLimit.MaxTrackedIPs
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Title:          "New Campaign",
		BasePath:       "/wizard",
		SessionVersion: "1",
		Server: ServerConfig{
			Port:  8080,
			Host:  "localhost",
			Debug: false,
		},
		Features: FeaturesConfig{
			HotReload: false,
			Metrics:   true,
		},
		Steps: map[string]StepConfig{
			"basic":     {Title: "Basic Info", Required: []string{"name"}},
			"products":  {Title: "Products", Required: []string{"product_selection_type"}},
			"discounts": {Title: "Discounts", Required: []string{"discount_type", "discount_value"}},
			"schedule":  {Title: "Schedule", Required: []string{"start_type"}},
			"review":    {Title: "Review"},
		},
	}
}

// Validate checks the configuration for values that would break the wizard.
func (c *Config) Validate() error {
	for name := range c.Steps {
		switch name {
		case "basic", "products", "discounts", "schedule", "review":
		default:
			return fmt.Errorf("steps: unknown step %q", name)
		}
	}
	switch c.Storage.GetDriver() {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.GetDSN() == "" {
			return fmt.Errorf("storage: postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("storage: unsupported driver %q", c.Storage.Driver)
	}
	durations := map[string]string{
		"timing.debounce":          c.Timing.Debounce,
		"timing.redirect_delay":    c.Timing.RedirectDelay,
		"timing.skeleton_hold":     c.Timing.SkeletonHold,
		"timing.retry_backoff":     c.Timing.RetryBackoff,
		"timing.autosave_delay":    c.Timing.AutosaveDelay,
		"timing.autosave_cooldown": c.Timing.AutosaveCooldown,
		"timing.internal_navigate": c.Timing.InternalNavigate,
		"timing.complete_redirect": c.Timing.CompleteRedirect,
		"transport.timeout":        c.Transport.Timeout,
		"server.session_timeout":   c.Server.SessionTimeout,
	}
	for field, raw := range durations {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field, raw)
		}
	}
	return nil
}

// Load loads configuration from a YAML file
// If the file doesn't exist, returns the default configuration
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadFromDir looks for wizard.yaml in the given directory
// If none is found, returns the default configuration
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, "wizard.yaml"))
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
