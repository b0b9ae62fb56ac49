// Package config loads fieldsync settings from a YAML file, a .env file and
// FIELDSYNC_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/state"
	"github.com/fieldops/fieldsync/internal/syncer"
)

// EnvPrefix is prepended to every environment override, e.g.
// FIELDSYNC_SERVER_URL or FIELDSYNC_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "FIELDSYNC"

// FileName is the config file looked up in the data directory.
const FileName = "config.yaml"

// Config holds every setting of the device process.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	ServerURL string `mapstructure:"server_url"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
	BootDelay      time.Duration `mapstructure:"boot_delay"`
	DisplayWindow  time.Duration `mapstructure:"display_window"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	UploadInterval time.Duration `mapstructure:"upload_interval"`

	Retry RetryConfig `mapstructure:"retry"`

	Log       logging.Config  `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// MetricsAddr serves /metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Inbox is the capture directory the daemon watches. Empty disables it.
	Inbox string `mapstructure:"inbox"`

	// MemoryFallbackSize is the per-collection capacity of the in-memory
	// store used when the database becomes unavailable.
	MemoryFallbackSize int `mapstructure:"memory_fallback_size"`
}

// RetryConfig mirrors syncer.RetryPolicy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DashboardConfig controls the WebSocket feed.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DefaultDataDir returns ~/.fieldsync, or ./.fieldsync when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

func setDefaults(v *viper.Viper) {
	sc := syncer.DefaultConfig()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("request_timeout", sc.RequestTimeout)
	v.SetDefault("sync_interval", sc.SyncInterval)
	v.SetDefault("boot_delay", sc.BootDelay)
	v.SetDefault("display_window", sc.DisplayWindow)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("upload_interval", time.Minute)

	v.SetDefault("retry.max_attempts", sc.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", sc.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", sc.Retry.MaxDelay)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.add_source", false)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8081)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("inbox", "")
	v.SetDefault("memory_fallback_size", 1000)
}

// Default returns the built-in settings.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads the settings. An explicit path must exist; without one,
// config.yaml is looked up in dataDir (or the default data directory) and
// may be absent. A .env file in the working directory is applied to the
// environment first.
func Load(path, dataDir string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if dataDir != "" {
		v.Set("data_dir", dataDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(filepath.Join(v.GetString("data_dir"), FileName))
		if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// Validate checks the settings for values the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server_url %q is not an absolute URL", c.ServerURL))
	}
	for name, d := range map[string]time.Duration{
		"request_timeout": c.RequestTimeout,
		"sync_interval":   c.SyncInterval,
		"probe_interval":  c.ProbeInterval,
		"upload_interval": c.UploadInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.BootDelay < 0 || c.DisplayWindow < 0 {
		errs = append(errs, errors.New("boot_delay and display_window must not be negative"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		errs = append(errs, fmt.Errorf("dashboard.port %d is out of range", c.Dashboard.Port))
	}
	if c.MemoryFallbackSize <= 0 {
		errs = append(errs, errors.New("memory_fallback_size must be positive"))
	}
	return errors.Join(errs...)
}

// DBPath is the local database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// StatePath is the session state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, state.FileName)
}

// Syncer returns the coordinator settings.
func (c *Config) Syncer() syncer.Config {
	return syncer.Config{
		RequestTimeout: c.RequestTimeout,
		SyncInterval:   c.SyncInterval,
		BootDelay:      c.BootDelay,
		DisplayWindow:  c.DisplayWindow,
		Retry: syncer.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
		},
	}
}
