// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the environment first.
//
// GEMINI_API_KEY is the only required variable — the gateway refuses to start
// without an upstream credential. The caller-facing API_TOKEN falls back to a
// fixed placeholder when unset; main logs a warning when the fallback is in
// effect so the weakness is at least visible.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// DefaultAPIToken is the placeholder caller token used when API_TOKEN is
// unset. Guessable on purpose only in the sense that the original deployment
// behaved this way; override it in any real deployment.
const DefaultAPIToken = "defaultapitoken"

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// GeminiAPIKey is the upstream provider credential. Required.
	GeminiAPIKey string

	// APIToken is the expected value of the X-API-KEY header on protected
	// routes. Defaults to DefaultAPIToken when unset.
	APIToken string

	// BaseURL is the provider host without an API version segment,
	// e.g. "https://generativelanguage.googleapis.com". Override for mocks.
	BaseURL string

	// TextModel pins the model used by /chat and /chat/stream. Empty means
	// the model is resolved dynamically from the upstream catalog per request.
	TextModel string

	// ImageModel pins the model used by /generate-image. Same semantics.
	ImageModel string

	// UpstreamTimeout bounds unary upstream calls. Default: 30s.
	UpstreamTimeout time.Duration

	// StreamIdleTimeout aborts a streaming relay when no line arrives from
	// the upstream within the window. Default: 2m.
	StreamIdleTimeout time.Duration

	// CatalogCache controls caching of the upstream model catalog.
	CatalogCache CatalogCacheConfig

	// Breaker controls the upstream circuit breaker thresholds.
	Breaker BreakerConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// CatalogCacheConfig controls the model-catalog cache.
type CatalogCacheConfig struct {
	// Mode selects the backend:
	//   "none"   — resolve against the live catalog on every request (default,
	//              matches the reference behavior).
	//   "memory" — in-process TTL cache.
	//   "redis"  — Redis-backed cache shared across replicas (requires RedisURL).
	Mode string

	// TTL is the time-to-live for a cached catalog. Default: 5m.
	TTL time.Duration

	// RedisURL is a redis:// URL. Required only when Mode is "redis".
	RedisURL string
}

// BreakerConfig controls the upstream circuit breaker.
type BreakerConfig struct {
	// ErrorThreshold is the number of consecutive upstream failures that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which failures are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("API_TOKEN", DefaultAPIToken)
	v.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("STREAM_IDLE_TIMEOUT", "2m")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CATALOG_CACHE_MODE", "none")
	v.SetDefault("CATALOG_CACHE_TTL", "5m")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		GeminiAPIKey: v.GetString("GEMINI_API_KEY"),
		APIToken:     v.GetString("API_TOKEN"),
		BaseURL:      strings.TrimRight(v.GetString("GEMINI_BASE_URL"), "/"),

		TextModel:  v.GetString("TEXT_MODEL"),
		ImageModel: v.GetString("IMAGE_MODEL"),

		UpstreamTimeout:   v.GetDuration("UPSTREAM_TIMEOUT"),
		StreamIdleTimeout: v.GetDuration("STREAM_IDLE_TIMEOUT"),

		CatalogCache: CatalogCacheConfig{
			Mode:     strings.ToLower(v.GetString("CATALOG_CACHE_MODE")),
			TTL:      v.GetDuration("CATALOG_CACHE_TTL"),
			RedisURL: v.GetString("REDIS_URL"),
		},

		Breaker: BreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UsingDefaultToken reports whether the caller token is the built-in
// placeholder, so startup can warn about it.
func (c *Config) UsingDefaultToken() bool {
	return c.APIToken == DefaultAPIToken
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("config: GEMINI_API_KEY is required")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.CatalogCache.Mode {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid CATALOG_CACHE_MODE %q; must be one of: none, memory, redis",
			c.CatalogCache.Mode,
		)
	}
	if c.CatalogCache.Mode == "redis" && c.CatalogCache.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CATALOG_CACHE_MODE=redis; " +
				"set CATALOG_CACHE_MODE=memory for the in-process cache",
		)
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.StreamIdleTimeout <= 0 {
		return fmt.Errorf("config: STREAM_IDLE_TIMEOUT must be a positive duration")
	}

	if c.Breaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.Breaker.ErrorThreshold)
	}
	if c.Breaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
