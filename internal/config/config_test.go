package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/hearth/internal/config"
)

func TestLoad(t *testing.T) {
	t.Run("should apply defaults when the environment is empty", func(t *testing.T) {
		cfg := config.Load()

		require.Equal(t, 8080, cfg.Server.Port)
		require.Equal(t, 30, cfg.Server.ReadTimeout)
		require.Equal(t, 0, cfg.Server.WriteTimeout)

		require.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		require.Contains(t, cfg.CORS.AllowedHeaders, "x-api-key")
		require.Contains(t, cfg.CORS.AllowedHeaders, "x-goog-api-key")
		require.True(t, cfg.CORS.AllowCredentials)

		require.False(t, cfg.Redis.Enabled)
		require.Equal(t, "localhost:6379", cfg.Redis.Addr)

		require.Equal(t, 2, cfg.Routing.MaxRetries)
		require.Equal(t, 500, cfg.Routing.RetryBaseDelayMs)
		require.True(t, cfg.Routing.FallbackEnabled)
		require.Equal(t, "round_robin", cfg.Routing.LoadBalanceStrategy)

		require.Equal(t, 0.7, cfg.Scoring.SuccessWeight)
		require.Equal(t, 0.3, cfg.Scoring.LatencyWeight)
		require.Equal(t, 10000.0, cfg.Scoring.LatencyCeilingMs)
	})

	t.Run("should read overrides from the environment", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "9090")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
		t.Setenv("REDIS_ENABLED", "true")
		t.Setenv("REDIS_ADDR", "redis.internal:6380")
		t.Setenv("ROUTING_MAX_RETRIES", "5")
		t.Setenv("ROUTING_STRATEGY", "least_connections")
		t.Setenv("SCORE_SUCCESS_WEIGHT", "0.9")

		cfg := config.Load()

		require.Equal(t, 9090, cfg.Server.Port)
		require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
		require.True(t, cfg.Redis.Enabled)
		require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
		require.Equal(t, 5, cfg.Routing.MaxRetries)
		require.Equal(t, "least_connections", cfg.Routing.LoadBalanceStrategy)
		require.Equal(t, 0.9, cfg.Scoring.SuccessWeight)
	})
}

func TestRegistryOptions(t *testing.T) {
	t.Run("should convert second-based settings into durations", func(t *testing.T) {
		t.Setenv("REGISTRY_MONITOR_INTERVAL_SECONDS", "15")
		t.Setenv("REGISTRY_REAP_WINDOW_SECONDS", "120")
		t.Setenv("REGISTRY_MAX_CONSECUTIVE_ERRORS", "4")

		cfg := config.Load()
		opts := cfg.Registry.Options()

		require.Equal(t, 15*time.Second, opts.MonitorInterval)
		require.Equal(t, 2*time.Minute, opts.ReapWindow)
		require.Equal(t, 4, opts.MaxConsecutiveErrors)
		require.Equal(t, 5*time.Minute, opts.InactivityWindow)
	})
}

func TestParseDependenciesConfig(t *testing.T) {
	t.Run("should expose pointers into the loaded config", func(t *testing.T) {
		cfg := config.Load()
		deps := config.ParseDependenciesConfig(cfg)

		require.Same(t, &cfg.Server, deps.ServerConfig)
		require.Same(t, &cfg.CORS, deps.CORSConfig)
		require.Same(t, &cfg.Redis, deps.RedisConfig)
		require.Same(t, &cfg.Routing, deps.RoutingConfig)
		require.Same(t, &cfg.Scoring, deps.ScoreWeights)
	})
}
