// Package config loads configuration from environment variables and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileEnv names the environment variable pointing at an optional config file
// (YAML, TOML or JSON). Environment variables override file values.
const FileEnv = "THROTTLER_CONFIG"

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Sandbox
	RootPath       string
	CreateRoot     bool
	FollowSymlinks bool
	ReadOnly       bool

	// Uploads
	MaxUploadSize int64

	// Trash
	TrashEnabled   bool
	TrashRetention time.Duration // 0 keeps items forever

	// Change notifications
	WatchEnabled  bool
	WatchDebounce time.Duration

	// Thumbnails
	ThumbCacheDir  string // empty disables the disk cache
	ThumbCacheSize int64

	// Search
	SearchMaxResults int
	SearchWorkers    int

	// Auth (enabled when JWTSecret is set)
	JWTSecret        string
	AuthUsername     string
	AuthPasswordHash string
	AuthTokenTTL     time.Duration

	// Rate limiting and CORS
	RateLimitRPM int // 0 = unlimited
	CORSOrigins  []string
}

// AuthEnabled reports whether requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

// TLSEnabled reports whether the server should listen with TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

var defaults = map[string]any{
	"LISTEN_ADDR":        ":8080",
	"METRICS_ADDR":       ":9090",
	"LOG_LEVEL":          "info",
	"LOG_FORMAT":         "json",
	"TLS_CERT_FILE":      "",
	"TLS_KEY_FILE":       "",
	"ROOT_PATH":          "/data/files",
	"CREATE_ROOT":        false,
	"FOLLOW_SYMLINKS":    false,
	"READ_ONLY":          false,
	"MAX_UPLOAD_SIZE":    int64(100 * 1024 * 1024), // 100MB
	"TRASH_ENABLED":      true,
	"TRASH_RETENTION":    30 * 24 * time.Hour,
	"WATCH_ENABLED":      true,
	"WATCH_DEBOUNCE":     250 * time.Millisecond,
	"THUMB_CACHE_DIR":    "",
	"THUMB_CACHE_SIZE":   int64(256 * 1024 * 1024), // 256MB
	"SEARCH_MAX_RESULTS": 1000,
	"SEARCH_WORKERS":     4,
	"JWT_SECRET":         "",
	"AUTH_USERNAME":      "",
	"AUTH_PASSWORD_HASH": "",
	"AUTH_TOKEN_TTL":     24 * time.Hour,
	"RATE_LIMIT_RPM":     0,
	"CORS_ORIGINS":       "",
}

// Load reads configuration with defaults, then the file named by
// THROTTLER_CONFIG, then environment variables.
func Load() (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if file := v.GetString(FileEnv); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		ListenAddr:       v.GetString("LISTEN_ADDR"),
		MetricsAddr:      v.GetString("METRICS_ADDR"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
		TLSCertFile:      v.GetString("TLS_CERT_FILE"),
		TLSKeyFile:       v.GetString("TLS_KEY_FILE"),
		RootPath:         v.GetString("ROOT_PATH"),
		CreateRoot:       v.GetBool("CREATE_ROOT"),
		FollowSymlinks:   v.GetBool("FOLLOW_SYMLINKS"),
		ReadOnly:         v.GetBool("READ_ONLY"),
		MaxUploadSize:    v.GetInt64("MAX_UPLOAD_SIZE"),
		TrashEnabled:     v.GetBool("TRASH_ENABLED"),
		TrashRetention:   v.GetDuration("TRASH_RETENTION"),
		WatchEnabled:     v.GetBool("WATCH_ENABLED"),
		WatchDebounce:    v.GetDuration("WATCH_DEBOUNCE"),
		ThumbCacheDir:    v.GetString("THUMB_CACHE_DIR"),
		ThumbCacheSize:   v.GetInt64("THUMB_CACHE_SIZE"),
		SearchMaxResults: v.GetInt("SEARCH_MAX_RESULTS"),
		SearchWorkers:    v.GetInt("SEARCH_WORKERS"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		AuthUsername:     v.GetString("AUTH_USERNAME"),
		AuthPasswordHash: v.GetString("AUTH_PASSWORD_HASH"),
		AuthTokenTTL:     v.GetDuration("AUTH_TOKEN_TTL"),
		RateLimitRPM:     v.GetInt("RATE_LIMIT_RPM"),
		CORSOrigins:      stringList(v, "CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if c.RootPath == "" {
		errs = append(errs, errors.New("ROOT_PATH is required"))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_SIZE must be positive"))
	}
	if c.TrashRetention < 0 {
		errs = append(errs, errors.New("TRASH_RETENTION must not be negative"))
	}
	if c.ThumbCacheDir != "" && c.ThumbCacheSize <= 0 {
		errs = append(errs, errors.New("THUMB_CACHE_SIZE must be positive"))
	}
	if c.SearchWorkers < 1 {
		errs = append(errs, errors.New("SEARCH_WORKERS must be at least 1"))
	}
	if c.SearchMaxResults < 1 {
		errs = append(errs, errors.New("SEARCH_MAX_RESULTS must be at least 1"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM must not be negative"))
	}
	if c.AuthUsername != "" {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("AUTH_USERNAME requires JWT_SECRET"))
		}
		if c.AuthPasswordHash == "" {
			errs = append(errs, errors.New("AUTH_USERNAME requires AUTH_PASSWORD_HASH"))
		}
	}
	if c.AuthEnabled() && c.AuthTokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_TOKEN_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// stringList accepts either a list (from a config file) or a comma
// separated string (from the environment).
func stringList(v *viper.Viper, key string) []string {
	var items []string
	if raw, ok := v.Get(key).([]any); ok {
		for _, item := range raw {
			items = append(items, fmt.Sprint(item))
		}
	} else {
		items = strings.Split(v.GetString(key), ",")
	}

	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
