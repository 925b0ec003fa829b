package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/melowod/internal/triggers"
	"github.com/spf13/viper"
)

const (
	envPrefix = "MELOWOD"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "melowod.db"
	defaultCacheEntries     = 1024
	defaultCacheTTL         = 5 * time.Minute
	defaultAppVersion       = "1.0.0"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultAuthIssuer       = "melowod-auth"
	defaultCookieName       = "app_session"
	defaultTokenTTL         = 30 * time.Minute
	defaultTimezone         = "America/New_York"
	defaultRankingsAt       = "00:00"
	defaultCleanupAt        = "00:00"
	defaultBlobPath         = "uploads"
	defaultRetentionDays    = 30
	defaultRetryAttempts    = 3
	defaultRetryDelay       = time.Second
	defaultRetryFactor      = 2.0
	defaultTriggerWorkers   = 4
	defaultMaxDeliveries    = 5
	defaultResultsPerMinute = 30
)

// AppConfig captures runtime configuration for the API server and jobs.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	AppVersion   string

	CachePath          string
	CacheMemoryEntries int
	CacheDefaultTTL    time.Duration

	LogLevel  string
	LogFormat string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	Timezone   *time.Location
	RankingsAt triggers.ClockTime
	CleanupAt  triggers.ClockTime

	BlobPath          string
	BlobRetentionDays int

	RetryMaxAttempts   int
	RetryDelay         time.Duration
	RetryBackoffFactor float64

	TriggerWorkers       int
	TriggerMaxDeliveries int

	ResultsPerMinute int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("app.version", defaultAppVersion)
	configViper.SetDefault("cache.path", "")
	configViper.SetDefault("cache.memory_entries", defaultCacheEntries)
	configViper.SetDefault("cache.default_ttl", defaultCacheTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("schedule.timezone", defaultTimezone)
	configViper.SetDefault("schedule.rankings_at", defaultRankingsAt)
	configViper.SetDefault("schedule.cleanup_at", defaultCleanupAt)
	configViper.SetDefault("blob.path", defaultBlobPath)
	configViper.SetDefault("blob.retention_days", defaultRetentionDays)
	configViper.SetDefault("retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("retry.delay", defaultRetryDelay)
	configViper.SetDefault("retry.backoff_factor", defaultRetryFactor)
	configViper.SetDefault("triggers.workers", defaultTriggerWorkers)
	configViper.SetDefault("triggers.max_deliveries", defaultMaxDeliveries)
	configViper.SetDefault("ratelimit.results_per_minute", defaultResultsPerMinute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		AppVersion:           configViper.GetString("app.version"),
		CachePath:            configViper.GetString("cache.path"),
		CacheMemoryEntries:   configViper.GetInt("cache.memory_entries"),
		CacheDefaultTTL:      configViper.GetDuration("cache.default_ttl"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthCookieName:       configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:         configViper.GetDuration("auth.token_ttl"),
		BlobPath:             configViper.GetString("blob.path"),
		BlobRetentionDays:    configViper.GetInt("blob.retention_days"),
		RetryMaxAttempts:     configViper.GetInt("retry.max_attempts"),
		RetryDelay:           configViper.GetDuration("retry.delay"),
		RetryBackoffFactor:   configViper.GetFloat64("retry.backoff_factor"),
		TriggerWorkers:       configViper.GetInt("triggers.workers"),
		TriggerMaxDeliveries: configViper.GetInt("triggers.max_deliveries"),
		ResultsPerMinute:     configViper.GetInt("ratelimit.results_per_minute"),
	}

	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("schedule.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("schedule.timezone: %w", err)
	}
	cfg.Timezone = location
	if cfg.RankingsAt, err = triggers.ParseClockTime(configViper.GetString("schedule.rankings_at")); err != nil {
		return AppConfig{}, fmt.Errorf("schedule.rankings_at: %w", err)
	}
	if cfg.CleanupAt, err = triggers.ParseClockTime(configViper.GetString("schedule.cleanup_at")); err != nil {
		return AppConfig{}, fmt.Errorf("schedule.cleanup_at: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AppVersion) == "" {
		return fmt.Errorf("app.version is required")
	}
	if c.CacheMemoryEntries <= 0 {
		return fmt.Errorf("cache.memory_entries must be positive")
	}
	if c.CacheDefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}
	if c.BlobRetentionDays <= 0 {
		return fmt.Errorf("blob.retention_days must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.RetryBackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
