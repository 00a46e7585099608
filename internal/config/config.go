// Package config loads fieldsync settings from YAML and FIELDSYNC_* variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const appName = "fieldsync"

// Config holds all application configuration
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Blobs     BlobConfig      `mapstructure:"blobs" yaml:"blobs"`
	Inbox     InboxConfig     `mapstructure:"inbox" yaml:"inbox"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Reference ReferenceConfig `mapstructure:"reference" yaml:"reference"`
}

// StoreConfig locates the local database
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig describes the sync server
type ServerConfig struct {
	BaseURL          string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Token            string `mapstructure:"token" yaml:"token,omitempty"`
	TimeoutSec       int    `mapstructure:"timeout_sec" yaml:"timeout_sec" validate:"min=1"`
	HealthPath       string `mapstructure:"health_path" yaml:"health_path" validate:"startswith=/"`
	ProbeIntervalSec int    `mapstructure:"probe_interval_sec" yaml:"probe_interval_sec" validate:"min=1"`
	WSURL            string `mapstructure:"ws_url" yaml:"ws_url,omitempty" validate:"omitempty,wsurl"`
}

// SyncConfig holds sync behavior settings
type SyncConfig struct {
	IntervalSec   int      `mapstructure:"interval_sec" yaml:"interval_sec" validate:"min=10"`
	MaxRetries    int      `mapstructure:"max_retries" yaml:"max_retries" validate:"min=1"`
	BatchSize     int      `mapstructure:"batch_size" yaml:"batch_size" validate:"min=0"`
	RetryBaseSec  int      `mapstructure:"retry_base_sec" yaml:"retry_base_sec" validate:"min=1"`
	SchemaVersion int      `mapstructure:"schema_version" yaml:"schema_version,omitempty" validate:"min=0"`
	UrgentActions []string `mapstructure:"urgent_actions" yaml:"urgent_actions"`
}

// BlobConfig configures photo and document uploads
type BlobConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket" validate:"required_if=Enabled true"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// InboxConfig configures the asset inbox
type InboxConfig struct {
	Path            string   `mapstructure:"path" yaml:"path"`
	DebounceMs      int      `mapstructure:"debounce_ms" yaml:"debounce_ms" validate:"min=0"`
	IncludePatterns []string `mapstructure:"include_patterns" yaml:"include_patterns"`
	IgnorePatterns  []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
}

// LogConfig configures log output
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"min=0"`
}

// ReferenceConfig configures the bundled sync server
type ReferenceConfig struct {
	Listen   string          `mapstructure:"listen" yaml:"listen" validate:"required"`
	Token    string          `mapstructure:"token" yaml:"token,omitempty"`
	Database *DatabaseConfig `mapstructure:"database" yaml:"database,omitempty" validate:"omitempty"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user" validate:"required"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`
	Database string `mapstructure:"database" yaml:"database" validate:"required"`
	Schema   string `mapstructure:"schema" yaml:"schema"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password), d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// Interval returns the periodic sync interval
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

// RetryBase returns the first retry delay after a failed cycle
func (s SyncConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseSec) * time.Second
}

// Timeout returns the per-request timeout
func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// ProbeInterval returns the reachability probe interval
func (s ServerConfig) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalSec) * time.Second
}

// WebsocketURL returns the notification endpoint, derived from the base
// URL when not set explicitly
func (s ServerConfig) WebsocketURL() string {
	if s.WSURL != "" || s.BaseURL == "" {
		return s.WSURL
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// RequireServer fails when no sync server is configured
func (c *Config) RequireServer() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is not set (config file or FIELDSYNC_SERVER_BASE_URL)")
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			TimeoutSec:       30,
			HealthPath:       "/health",
			ProbeIntervalSec: 30,
		},
		Sync: SyncConfig{
			IntervalSec:   15 * 60,
			MaxRetries:    5,
			RetryBaseSec:  30,
			UrgentActions: []string{"hidden_works/sign_act", "inspections/create"},
		},
		Blobs: BlobConfig{
			Region: "us-east-1",
			Prefix: "fieldsync/",
		},
		Inbox: InboxConfig{
			DebounceMs: 1000,
			IgnorePatterns: []string{
				"**/.*",
				"**/*.tmp",
				"**/*.part",
				"**/Thumbs.db",
			},
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Reference: ReferenceConfig{
			Listen: ":8080",
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("store.path", "")
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.ws_url", "")
	v.SetDefault("server.timeout_sec", defaults.Server.TimeoutSec)
	v.SetDefault("server.health_path", defaults.Server.HealthPath)
	v.SetDefault("server.probe_interval_sec", defaults.Server.ProbeIntervalSec)
	v.SetDefault("sync.interval_sec", defaults.Sync.IntervalSec)
	v.SetDefault("sync.max_retries", defaults.Sync.MaxRetries)
	v.SetDefault("sync.batch_size", defaults.Sync.BatchSize)
	v.SetDefault("sync.retry_base_sec", defaults.Sync.RetryBaseSec)
	v.SetDefault("sync.urgent_actions", defaults.Sync.UrgentActions)
	v.SetDefault("blobs.enabled", false)
	v.SetDefault("blobs.bucket", "")
	v.SetDefault("blobs.region", defaults.Blobs.Region)
	v.SetDefault("blobs.prefix", defaults.Blobs.Prefix)
	v.SetDefault("blobs.access_key_id", "")
	v.SetDefault("blobs.secret_access_key", "")
	v.SetDefault("inbox.path", "")
	v.SetDefault("inbox.debounce_ms", defaults.Inbox.DebounceMs)
	v.SetDefault("inbox.ignore_patterns", defaults.Inbox.IgnorePatterns)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("reference.listen", defaults.Reference.Listen)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(GetConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Secrets may reference environment variables
	cfg.Server.Token = os.ExpandEnv(cfg.Server.Token)
	cfg.Blobs.AccessKeyID = os.ExpandEnv(cfg.Blobs.AccessKeyID)
	cfg.Blobs.SecretAccessKey = os.ExpandEnv(cfg.Blobs.SecretAccessKey)
	cfg.Reference.Token = os.ExpandEnv(cfg.Reference.Token)

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(GetConfigDir(), appName+".db")
	}
	cfg.Store.Path = expandPath(cfg.Store.Path)
	if cfg.Inbox.Path != "" {
		cfg.Inbox.Path = expandPath(cfg.Inbox.Path)
	}
	if cfg.Log.File != "" {
		cfg.Log.File = expandPath(cfg.Log.File)
	}

	if db := cfg.Reference.Database; db != nil {
		db.Password = os.ExpandEnv(db.Password)
		if db.Port == 0 {
			db.Port = 5432
		}
		if db.SSLMode == "" {
			db.SSLMode = "require"
		}
		if db.Schema == "" {
			db.Schema = appName
		}
		db.Schema = SanitizeIdentifier(db.Schema)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a configuration
func Validate(cfg *Config) error {
	validate := validator.New()

	// Notification endpoints must be websocket URLs
	validate.RegisterValidation("wsurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil || u.Host == "" {
			return false
		}
		return u.Scheme == "ws" || u.Scheme == "wss"
	})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// WriteFile writes cfg as YAML, refusing to overwrite an existing file
func WriteFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// GetConfigDir returns the appropriate config directory for the OS
func GetConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", appName)
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	}
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

var (
	invalidIdentChars  = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderscore = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier turns a name into a valid PostgreSQL identifier:
// lowercase letters, digits and underscores, starting with a letter, at
// most 63 characters.
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderscore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if len(name) == 0 {
		name = appName
	} else if unicode.IsDigit(rune(name[0])) {
		name = appName + "_" + name
	}

	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "_")
	}

	return name
}
