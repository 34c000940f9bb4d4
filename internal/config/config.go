// Package config loads the estoque configuration.
//
// Values come from, in increasing precedence: built-in defaults, the
// estoque.yaml file and ESTOQUE_* environment variables (ESTOQUE_SYNC_INTERVAL
// overrides sync.interval). A Loader can watch the file and hand every
// revision to a callback.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Isaquewa/estoqueapp-sub000/internal/backend"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESTOQUE"

// Config is the effective configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" toml:"store" yaml:"store"`
	Remote    RemoteConfig    `mapstructure:"remote" toml:"remote" yaml:"remote"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync" yaml:"sync"`
	Summary   SummaryConfig   `mapstructure:"summary" toml:"summary" yaml:"summary"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" toml:"log" yaml:"log"`
}

// StoreConfig locates the local store.
type StoreConfig struct {
	Path        string        `mapstructure:"path" toml:"path" yaml:"path"`
	BackupDir   string        `mapstructure:"backup_dir" toml:"backup_dir" yaml:"backup_dir"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" toml:"busy_timeout" yaml:"busy_timeout"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" toml:"retry_delay" yaml:"retry_delay"`
}

// RemoteConfig selects the remote store of record.
type RemoteConfig struct {
	// Kind is a registered backend kind; "none" runs without a remote.
	Kind     string        `mapstructure:"kind" toml:"kind" yaml:"kind"`
	URI      string        `mapstructure:"uri" toml:"uri" yaml:"uri"`
	Database string        `mapstructure:"database" toml:"database" yaml:"database"`
	Timeout  time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`
}

// SyncConfig tunes the scheduler and the reconciler.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval" toml:"interval" yaml:"interval"`
	MaxAttempts   int           `mapstructure:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
	OpTimeout     time.Duration `mapstructure:"op_timeout" toml:"op_timeout" yaml:"op_timeout"`
	VerifyOnStart bool          `mapstructure:"verify_on_start" toml:"verify_on_start" yaml:"verify_on_start"`
}

// SummaryConfig tunes the aggregate views.
type SummaryConfig struct {
	ExpiringWithin time.Duration `mapstructure:"expiring_within" toml:"expiring_within" yaml:"expiring_within"`
	ListLimit      int           `mapstructure:"list_limit" toml:"list_limit" yaml:"list_limit"`
}

// DashboardConfig configures the status server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr" yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level" yaml:"level"`

	// Format is auto, console or json. Auto picks console on a terminal.
	Format string `mapstructure:"format" toml:"format" yaml:"format"`

	// File enables a rotated log file in addition to stderr.
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// RemoteNone disables the remote.
const RemoteNone = "none"

var defaults = map[string]any{
	"store.path":         "data/estoque.db",
	"store.backup_dir":   "",
	"store.busy_timeout": 5 * time.Second,
	"store.retry_delay":  200 * time.Millisecond,

	"remote.kind":     RemoteNone,
	"remote.uri":      "",
	"remote.database": "estoque",
	"remote.timeout":  5 * time.Second,

	"sync.interval":        30 * time.Second,
	"sync.max_attempts":    5,
	"sync.op_timeout":      10 * time.Second,
	"sync.verify_on_start": true,

	"summary.expiring_within": 7 * 24 * time.Hour,
	"summary.list_limit":      20,

	"dashboard.enabled": false,
	"dashboard.addr":    "127.0.0.1:8787",

	"log.level":        "info",
	"log.format":       "auto",
	"log.file":         "",
	"log.max_size_mb":  20,
	"log.max_backups":  3,
	"log.max_age_days": 28,
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.OpTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.op_timeout must be positive, got %s", c.Sync.OpTimeout))
	}
	if c.Sync.MaxAttempts == 0 {
		errs = append(errs, errors.New("sync.max_attempts must be non-zero (negative disables dead-lettering)"))
	}
	if c.Remote.Kind != RemoteNone && !backend.IsRegistered(backend.Kind(c.Remote.Kind)) {
		errs = append(errs, fmt.Errorf("remote.kind %q is not one of %v or %q", c.Remote.Kind, backend.RegisteredKinds(), RemoteNone))
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be auto, console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RemoteEnabled reports whether a remote backend is configured.
func (c *Config) RemoteEnabled() bool {
	return c.Remote.Kind != RemoteNone
}

// BackendOptions converts the remote section to backend options.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		URI:      c.Remote.URI,
		Database: c.Remote.Database,
		Timeout:  c.Remote.Timeout,
	}
}

// Loader reads and watches the configuration.
type Loader struct {
	mu       sync.Mutex
	v        *viper.Viper
	explicit bool
}

// NewLoader creates a loader. When path is empty the file is searched as
// estoque.yaml in the working directory and in $HOME/.config/estoque.
func NewLoader(path string) *Loader {
	v := withDefaults()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("estoque")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "estoque"))
		}
	}
	return &Loader{v: v, explicit: path != ""}
}

// Load reads the file (if any) and returns the validated configuration.
// A missing file is only an error when its path was given explicitly.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

// File returns the config file in use, or "".
func (l *Loader) File() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Watch calls fn with every revision of the file. Revisions that fail to
// parse or validate are passed with their error and a nil Config. Watch
// does nothing when no file was loaded.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Store.BackupDir == "" {
		cfg.Store.BackupDir = filepath.Join(filepath.Dir(cfg.Store.Path), "backups")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	l := &Loader{v: withDefaults()}
	cfg, err := l.decode()
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func withDefaults() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}
