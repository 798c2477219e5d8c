// Package config loads gateway configuration from the environment, with
// .env file support for local development.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/hearth/internal/registry"
)

// Config represents the gateway configuration.
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Redis    RedisConfig
	Registry RegistryConfig
	Routing  RoutingConfig
	Scoring  registry.ScoreWeights
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int `env:"SERVER_PORT"         envDefault:"8080"`
	ReadTimeout int `env:"SERVER_READ_TIMEOUT" envDefault:"30"`

	// WriteTimeout must exceed the longest expected stream; zero disables
	// it.
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"0"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,x-api-key,anthropic-version,x-goog-api-key"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// RedisConfig contains endpoint-store persistence settings. When disabled
// the gateway keeps endpoint records in memory only.
type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED"  envDefault:"false"`
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

// RegistryConfig contains monitor-loop and lifecycle policy settings.
type RegistryConfig struct {
	MonitorIntervalSeconds  int     `env:"REGISTRY_MONITOR_INTERVAL_SECONDS"  envDefault:"30"`
	InactivityWindowSeconds int     `env:"REGISTRY_INACTIVITY_WINDOW_SECONDS" envDefault:"300"`
	ReapWindowSeconds       int     `env:"REGISTRY_REAP_WINDOW_SECONDS"       envDefault:"600"`
	MaxConsecutiveErrors    int     `env:"REGISTRY_MAX_CONSECUTIVE_ERRORS"    envDefault:"10"`
	ScaleUpRPM              float64 `env:"REGISTRY_SCALE_UP_RPM"              envDefault:"50"`
	ScaleDownRPM            float64 `env:"REGISTRY_SCALE_DOWN_RPM"            envDefault:"10"`
	HealthCheckTimeoutSecs  int     `env:"REGISTRY_HEALTH_CHECK_TIMEOUT_SECONDS" envDefault:"5"`
}

// Options converts the environment representation into registry options.
func (r RegistryConfig) Options() registry.Options {
	return registry.Options{
		MonitorInterval:      time.Duration(r.MonitorIntervalSeconds) * time.Second,
		InactivityWindow:     time.Duration(r.InactivityWindowSeconds) * time.Second,
		ReapWindow:           time.Duration(r.ReapWindowSeconds) * time.Second,
		MaxConsecutiveErrors: r.MaxConsecutiveErrors,
		ScaleUpRPM:           r.ScaleUpRPM,
		ScaleDownRPM:         r.ScaleDownRPM,
		HealthCheckTimeout:   time.Duration(r.HealthCheckTimeoutSecs) * time.Second,
	}
}

// RoutingConfig contains dispatch retry and fallback settings.
type RoutingConfig struct {
	MaxRetries           int    `env:"ROUTING_MAX_RETRIES"             envDefault:"2"`
	RetryBaseDelayMs     int    `env:"ROUTING_RETRY_BASE_DELAY_MS"     envDefault:"500"`
	DispatchTimeoutSecs  int    `env:"ROUTING_DISPATCH_TIMEOUT_SECONDS" envDefault:"120"`
	FallbackEnabled      bool   `env:"ROUTING_FALLBACK_ENABLED"        envDefault:"true"`
	LoadBalanceStrategy  string `env:"ROUTING_STRATEGY"                envDefault:"round_robin"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out
	*ServerConfig
	*CORSConfig
	*RedisConfig
	*RegistryConfig
	*RoutingConfig
	*registry.ScoreWeights
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		dig.Out{},
		&cfg.Server,
		&cfg.CORS,
		&cfg.Redis,
		&cfg.Registry,
		&cfg.Routing,
		&cfg.Scoring,
	}
}
