// Package config loads runsync settings from runsync.toml, RUNSYNC_*
// environment variables, and built-in defaults, in increasing order of
// precedence for env over file over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	// FileName is the config file name without extension.
	FileName = "runsync"
	// EnvPrefix prefixes every environment override, e.g. RUNSYNC_SERVER_URL.
	EnvPrefix = "RUNSYNC"
)

// Config is the typed view of every setting.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Cache     CacheConfig     `mapstructure:"cache" toml:"cache"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Fetch     FetchConfig     `mapstructure:"fetch" toml:"fetch"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" toml:"reconcile"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard"`
	Spool     SpoolConfig     `mapstructure:"spool" toml:"spool"`
}

type ServerConfig struct {
	URL    string `mapstructure:"url" toml:"url"`
	Token  string `mapstructure:"token" toml:"token"`
	UserID string `mapstructure:"user_id" toml:"user_id"`
}

type CacheConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// LogConfig controls the rotating log file. An empty File logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
}

type FetchConfig struct {
	MaxConcurrent int64         `mapstructure:"max_concurrent" toml:"max_concurrent"`
	Attempts      int           `mapstructure:"attempts" toml:"attempts"`
	InitialDelay  time.Duration `mapstructure:"initial_delay" toml:"initial_delay"`
}

type ReconcileConfig struct {
	RejectStale bool `mapstructure:"reject_stale" toml:"reject_stale"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
	Port    int  `mapstructure:"port" toml:"port"`
}

// SpoolConfig names a directory of captured frame files. Empty disables it.
type SpoolConfig struct {
	Dir string `mapstructure:"dir" toml:"dir"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "http://localhost:8065"},
		Cache:  CacheConfig{Path: filepath.Join(".runsync", "cache.db")},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Fetch: FetchConfig{
			MaxConcurrent: 4,
			Attempts:      3,
			InitialDelay:  200 * time.Millisecond,
		},
		Dashboard: DashboardConfig{Port: 8090},
	}
}

// Validate checks settings that would otherwise fail later and obscurely.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	}
	if c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required"))
	}
	if c.Fetch.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_concurrent must be at least 1, got %d", c.Fetch.MaxConcurrent))
	}
	if c.Fetch.Attempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.attempts must be at least 1, got %d", c.Fetch.Attempts))
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	return errors.Join(errs...)
}

// Loader wraps a viper instance so the file can be re-read on change.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. A non-empty path pins the config file;
// otherwise runsync.toml is searched in ./.runsync and $HOME/.config/runsync.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("toml")
		v.AddConfigPath(".runsync")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "runsync"))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.token", d.Server.Token)
	v.SetDefault("server.user_id", d.Server.UserID)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("fetch.max_concurrent", d.Fetch.MaxConcurrent)
	v.SetDefault("fetch.attempts", d.Fetch.Attempts)
	v.SetDefault("fetch.initial_delay", d.Fetch.InitialDelay)
	v.SetDefault("reconcile.reject_stale", d.Reconcile.RejectStale)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("spool.dir", d.Spool.Dir)
}

// Load reads the config file if there is one and returns the merged
// settings. A missing file in the search paths is not an error; a missing
// pinned file is.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the re-read settings whenever the config file
// changes. A file that fails to decode is reported through onError and the
// previous settings stay in effect.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	if l.File() == "" {
		return errors.New("no config file to watch")
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
	return nil
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Save writes cfg as TOML to path, creating parent directories. The file
// is written to a temp name first and renamed into place.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}
	return nil
}

// DefaultPath is where `runsync config init` writes by default.
func DefaultPath() string {
	return filepath.Join(".runsync", FileName+".toml")
}
