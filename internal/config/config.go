// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Watcher WatcherConfig `mapstructure:"watcher" yaml:"watcher"`
	Vision  VisionConfig  `mapstructure:"vision" yaml:"vision"`
}

// LoggerConfig controls the zap logger construction.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File rotation (lumberjack). Empty LogFile disables the file core.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig controls the shared engine process and per-session contexts.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`

	Fingerprint schemas.Fingerprint `mapstructure:"fingerprint" yaml:"fingerprint"`
}

// StoreConfig controls the credential store.
type StoreConfig struct {
	// Dir is the root of the file backend. Ignored when DSN is set.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// DSN selects the Postgres backend when non-empty.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// MinSaveInterval throttles bursts of save triggers per session.
	MinSaveInterval time.Duration `mapstructure:"min_save_interval" yaml:"min_save_interval"`
	// MaxAge after which a stored record is treated as absent.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
	// MarkerCredential, when set, names the credential that must be present in
	// a save for it to overwrite an existing record that has it.
	MarkerCredential string `mapstructure:"marker_credential" yaml:"marker_credential"`
	// WriteTimeout bounds a single durable write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// WatcherConfig controls change-detection runs.
type WatcherConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollBudget       int           `mapstructure:"poll_budget" yaml:"poll_budget"`
	DebounceDelay    time.Duration `mapstructure:"debounce_delay" yaml:"debounce_delay"`
	StabilizeDelay   time.Duration `mapstructure:"stabilize_delay" yaml:"stabilize_delay"`
	StabilizeRetries int           `mapstructure:"stabilize_retries" yaml:"stabilize_retries"`
	ErrorBackoff     time.Duration `mapstructure:"error_backoff" yaml:"error_backoff"`
	TailSize         int           `mapstructure:"tail_size" yaml:"tail_size"`
	// ExtractScript overrides the JS expression used to snapshot the tail.
	// The default walks generic list-item structures; site-specific selectors
	// belong here, not in code.
	ExtractScript string `mapstructure:"extract_script" yaml:"extract_script"`
}

// ProviderGemini is the only vision provider currently supported.
const ProviderGemini = "gemini"

// VisionConfig controls the optional vision-model fallback of the auth probe.
type VisionConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Provider         string        `mapstructure:"provider" yaml:"provider"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model            string        `mapstructure:"model" yaml:"model"`
	APITimeout       time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MinProbeInterval time.Duration `mapstructure:"min_probe_interval" yaml:"min_probe_interval"`
}

// SetDefaults registers every default value on the given viper instance.
// Called before ReadInConfig so a partial config file is always usable.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "marionette")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.action_timeout", 45*time.Second)
	v.SetDefault("browser.navigation_timeout", 90*time.Second)
	v.SetDefault("browser.keepalive_interval", 30*time.Second)
	v.SetDefault("browser.launch_timeout", 60*time.Second)
	v.SetDefault("browser.fingerprint.viewport_width", schemas.DefaultFingerprint.ViewportWidth)
	v.SetDefault("browser.fingerprint.viewport_height", schemas.DefaultFingerprint.ViewportHeight)
	v.SetDefault("browser.fingerprint.locale", schemas.DefaultFingerprint.Locale)
	v.SetDefault("browser.fingerprint.timezone", schemas.DefaultFingerprint.Timezone)
	v.SetDefault("browser.fingerprint.latitude", schemas.DefaultFingerprint.Latitude)
	v.SetDefault("browser.fingerprint.longitude", schemas.DefaultFingerprint.Longitude)

	v.SetDefault("store.dir", "./credentials")
	v.SetDefault("store.min_save_interval", 1500*time.Millisecond)
	v.SetDefault("store.max_age", 24*time.Hour)
	v.SetDefault("store.write_timeout", 10*time.Second)

	v.SetDefault("watcher.poll_interval", 2*time.Second)
	v.SetDefault("watcher.poll_budget", 150)
	v.SetDefault("watcher.debounce_delay", 750*time.Millisecond)
	v.SetDefault("watcher.stabilize_delay", 300*time.Millisecond)
	v.SetDefault("watcher.stabilize_retries", 4)
	v.SetDefault("watcher.error_backoff", 15*time.Second)
	v.SetDefault("watcher.tail_size", 20)

	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.provider", "gemini")
	v.SetDefault("vision.model", "gemini-2.0-flash")
	v.SetDefault("vision.api_timeout", 30*time.Second)
	v.SetDefault("vision.min_probe_interval", 30*time.Second)
}

// Load unmarshals and validates the configuration from the given viper instance.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave silently.
func (c *Config) Validate() error {
	if c.Browser.KeepaliveInterval <= 0 {
		return fmt.Errorf("browser.keepalive_interval must be positive")
	}
	if c.Store.MinSaveInterval < 0 {
		return fmt.Errorf("store.min_save_interval must not be negative")
	}
	if c.Store.Dir == "" && c.Store.DSN == "" {
		return fmt.Errorf("store.dir or store.dsn must be set")
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive")
	}
	if c.Watcher.PollBudget <= 0 {
		return fmt.Errorf("watcher.poll_budget must be positive")
	}
	if c.Watcher.TailSize <= 0 {
		return fmt.Errorf("watcher.tail_size must be positive")
	}
	if c.Vision.Enabled && c.Vision.APIKey == "" {
		return fmt.Errorf("vision.api_key is required when vision.enabled is true")
	}
	return nil
}
