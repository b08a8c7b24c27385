// Package config loads and hot-reloads the broker's runtime configuration.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GatewayConfig controls the REST HTTP surface.
type GatewayConfig struct {
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// RateLimitConfig controls the gateway's per-key token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access to the gateway.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// APIKeyEntry is a single accepted API key for the gateway's auth middleware.
type APIKeyEntry struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// AuthConfig controls the gateway's API key authentication. Disabled by
// default for local/dev use; operators enable it and supply keys for any
// deployment reachable beyond localhost.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// RunninghubNodeSlotConfig maps an input_params key to a webapp node field.
type RunninghubNodeSlotConfig struct {
	ParamKey  string `yaml:"param_key"`
	NodeID    string `yaml:"node_id"`
	FieldName string `yaml:"field_name"`
}

// RunninghubModelConfig is the webapp submission target backing one
// model_id (sora, sorapro, banana, veo, veopro, ...) — the provider
// exposes several distinct generation models behind one account, each
// wired to its own webapp and node layout.
type RunninghubModelConfig struct {
	WebappID  string                     `yaml:"webapp_id"`
	NodeSlots []RunninghubNodeSlotConfig `yaml:"node_slots"`
}

// Config is the broker's full runtime configuration, loaded from
// config.yaml and environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	// Engine concurrency caps: one per track, two explicit engines.
	MaxConcurrentAPI int `yaml:"max_concurrent_api"`
	MaxConcurrentApp int `yaml:"max_concurrent_app"`

	// Retry knobs: exponential backoff bounds and the retry budget.
	MaxRetry       int `yaml:"max_retry"`
	BaseRetryDelaySeconds int `yaml:"base_retry_delay_seconds"`
	MaxRetryDelaySeconds  int `yaml:"max_retry_delay_seconds"`

	// Poll/check intervals for the engine, retry checker, and scheduler.
	PollIntervalSeconds           int `yaml:"poll_interval_seconds"`
	RetryCheckIntervalSeconds     int `yaml:"retry_check_interval_seconds"`
	SchedulerCheckIntervalSeconds int `yaml:"scheduler_check_interval_seconds"`
	CompletionMonitorIntervalSeconds int `yaml:"completion_monitor_interval_seconds"`

	// ScheduleExpirySeconds is how overdue a scheduled mission's start time
	// may be before it's failed at startup instead of promoted.
	ScheduleExpirySeconds int `yaml:"schedule_expiry_seconds"`

	// Platform selection.
	UseMock          bool              `yaml:"use_mock"`
	PlatformStrategy string            `yaml:"platform_strategy"` // "specified" only; see platform.Manager
	ProviderAPIKeys  map[string]string `yaml:"provider_api_keys"`

	// Runninghub webapp routing: a default target plus a per-model_id
	// override table (sora/sorapro/banana/veo/veopro route to distinct
	// webapps on the same account).
	RunninghubWebappID  string                           `yaml:"runninghub_webapp_id"`
	RunninghubNodeSlots []RunninghubNodeSlotConfig       `yaml:"runninghub_node_slots"`
	RunninghubModels    map[string]RunninghubModelConfig `yaml:"runninghub_models"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	OTel OTelConfig `yaml:"otel"`

	// RetentionEventDays/RetentionMediaDays bound how long mission/item
	// event-trail rows and unreferenced media rows are kept. 0 = forever.
	RetentionEventDays int `yaml:"retention_event_days"`
	RetentionMediaDays int `yaml:"retention_media_days"`

	NeedsGenesis bool `yaml:"-"`
}

// OTelConfig mirrors otel.Config's YAML shape so config.yaml can set it
// without this package importing the otel package (avoids an import cycle
// with otel's own config-shaped struct).
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ProviderAPIKey returns the API key for the named platform, checking the
// raw <PROVIDER>_API_KEY environment variable before the config file.
func (c Config) ProviderAPIKey(provider string) string {
	envVar := strings.ToUpper(provider) + "_API_KEY"
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if c.ProviderAPIKeys != nil {
		return c.ProviderAPIKeys[provider]
	}
	return ""
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the config fields that require a
// restart to take effect, so the watcher can tell a hot-reloadable change
// from one that needs a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "api=%d|app=%d|bind=%s|mock=%v|strategy=%s",
		c.MaxConcurrentAPI, c.MaxConcurrentApp, c.BindAddr, c.UseMock, c.PlatformStrategy)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		MaxConcurrentAPI:                 50,
		MaxConcurrentApp:                 2,
		MaxRetry:                         7,
		BaseRetryDelaySeconds:            60,
		MaxRetryDelaySeconds:             3600,
		PollIntervalSeconds:              3,
		RetryCheckIntervalSeconds:        10,
		SchedulerCheckIntervalSeconds:    10,
		CompletionMonitorIntervalSeconds: 2,
		ScheduleExpirySeconds:            600,
		UseMock:                          true,
		PlatformStrategy:                 "specified",
		BindAddr:                         "127.0.0.1:18790",
		LogLevel:                         "info",
		Gateway: GatewayConfig{
			MaxRequestBytes: 10 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		OTel: OTelConfig{
			Enabled:  false,
			Exporter: "otlp-http",
		},
		RetentionEventDays: 90,
		RetentionMediaDays: 365,
	}
}

// HomeDir resolves $MEDIABROKER_HOME, defaulting to ~/.mediabroker.
func HomeDir() string {
	if override := os.Getenv("MEDIABROKER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mediabroker")
}

// Load reads config.yaml (creating the home directory if needed), applies
// environment overrides, and normalizes/validates the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mediabroker home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.MaxConcurrentAPI <= 0 {
		cfg.MaxConcurrentAPI = 50
	}
	if cfg.MaxConcurrentApp <= 0 {
		cfg.MaxConcurrentApp = 2
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 7
	}
	if cfg.BaseRetryDelaySeconds <= 0 {
		cfg.BaseRetryDelaySeconds = 60
	}
	if cfg.MaxRetryDelaySeconds <= 0 {
		cfg.MaxRetryDelaySeconds = 3600
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 3
	}
	if cfg.RetryCheckIntervalSeconds <= 0 {
		cfg.RetryCheckIntervalSeconds = 10
	}
	if cfg.SchedulerCheckIntervalSeconds <= 0 {
		cfg.SchedulerCheckIntervalSeconds = 10
	}
	if cfg.CompletionMonitorIntervalSeconds <= 0 {
		cfg.CompletionMonitorIntervalSeconds = 2
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PlatformStrategy == "" {
		cfg.PlatformStrategy = "specified"
	}
	if cfg.Gateway.MaxRequestBytes <= 0 {
		cfg.Gateway.MaxRequestBytes = 10 << 20
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
}

// validate rejects any platform_strategy other than "specified", which is
// the only strategy this implementation supports.
func validate(cfg *Config) error {
	if cfg.PlatformStrategy != "specified" {
		return fmt.Errorf("platform_strategy %q is not implemented; only %q is supported", cfg.PlatformStrategy, "specified")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MEDIABROKER_MAX_CONCURRENT_API"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentAPI = v
		}
	}
	if raw := os.Getenv("MEDIABROKER_MAX_CONCURRENT_APP"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentApp = v
		}
	}
	if raw := os.Getenv("MEDIABROKER_MAX_RETRY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRetry = v
		}
	}
	if raw := os.Getenv("MEDIABROKER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("MEDIABROKER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MEDIABROKER_USE_MOCK"); raw != "" {
		cfg.UseMock = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("MEDIABROKER_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("RUNNINGHUB_API_KEY"); raw != "" {
		if cfg.ProviderAPIKeys == nil {
			cfg.ProviderAPIKeys = make(map[string]string)
		}
		cfg.ProviderAPIKeys["runninghub"] = raw
	}
}
