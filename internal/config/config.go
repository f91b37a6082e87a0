package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "FINDMYFOOD"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "findmyfood.db"
	defaultLogLevel        = "info"
	defaultSessionIssuer   = "findmyfood-auth"
	defaultCookieName      = "app_session"
	defaultSessionLeeway   = 30 * time.Second
	defaultCacheDirectory  = "cache"
	defaultMemoryItems     = 100
	defaultMemoryLimit     = "100MiB"
	defaultFetchTimeout    = 30 * time.Second
	defaultAnnotationAge   = time.Hour
	defaultRefreshSchedule = "@every 15m"
	defaultCORSOrigin      = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionLeeway        time.Duration
	CacheDirectory       string
	ImageMemoryItems     int
	ImageMemoryBytes     int64
	ImageFetchTimeout    time.Duration
	AnnotationMaxAge     time.Duration
	FeedBaseURL          string
	FeedAPIToken         string
	RefreshSchedule      string
	CORSAllowedOrigins   []string
}

// ImagesDirectory is where the disk tier of the image cache lives.
func (c AppConfig) ImagesDirectory() string {
	return strings.TrimRight(c.CacheDirectory, "/") + "/images"
}

// AnnotationsDirectory is where per-user annotation snapshots live.
func (c AppConfig) AnnotationsDirectory() string {
	return strings.TrimRight(c.CacheDirectory, "/") + "/annotations"
}

// UsesRemoteFeed reports whether posts come from a remote REST service instead of the local database.
func (c AppConfig) UsesRemoteFeed() bool {
	return strings.TrimSpace(c.FeedBaseURL) != ""
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
	configViper.SetDefault("http.cors_origins", []string{defaultCORSOrigin})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.leeway", defaultSessionLeeway)
	configViper.SetDefault("cache.directory", defaultCacheDirectory)
	configViper.SetDefault("images.memory_items", defaultMemoryItems)
	configViper.SetDefault("images.memory_limit", defaultMemoryLimit)
	configViper.SetDefault("images.fetch_timeout", defaultFetchTimeout)
	configViper.SetDefault("annotations.max_age", defaultAnnotationAge)
	configViper.SetDefault("feed.base_url", "")
	configViper.SetDefault("refresh.schedule", defaultRefreshSchedule)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	memoryLimit := strings.TrimSpace(configViper.GetString("images.memory_limit"))
	memoryBytes, err := humanize.ParseBytes(memoryLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("images.memory_limit %q: %w", memoryLimit, err)
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionLeeway:        configViper.GetDuration("session.leeway"),
		CacheDirectory:       configViper.GetString("cache.directory"),
		ImageMemoryItems:     configViper.GetInt("images.memory_items"),
		ImageMemoryBytes:     int64(memoryBytes),
		ImageFetchTimeout:    configViper.GetDuration("images.fetch_timeout"),
		AnnotationMaxAge:     configViper.GetDuration("annotations.max_age"),
		FeedBaseURL:          strings.TrimSpace(configViper.GetString("feed.base_url")),
		FeedAPIToken:         configViper.GetString("feed.api_token"),
		RefreshSchedule:      configViper.GetString("refresh.schedule"),
		CORSAllowedOrigins:   configViper.GetStringSlice("http.cors_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" && !c.UsesRemoteFeed() {
		return fmt.Errorf("database.path is required when feed.base_url is empty")
	}
	if strings.TrimSpace(c.CacheDirectory) == "" {
		return fmt.Errorf("cache.directory is required")
	}
	if c.ImageMemoryItems <= 0 {
		return fmt.Errorf("images.memory_items must be positive")
	}
	if c.ImageMemoryBytes <= 0 {
		return fmt.Errorf("images.memory_limit must be positive")
	}
	if c.ImageFetchTimeout <= 0 {
		return fmt.Errorf("images.fetch_timeout must be positive")
	}
	if c.AnnotationMaxAge <= 0 {
		return fmt.Errorf("annotations.max_age must be positive")
	}
	return nil
}
