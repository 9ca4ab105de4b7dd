package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrant/ragmux/internal/core/domain"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestEveryPresetValidates(t *testing.T) {
	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			cfg, err := Preset(name)
			require.NoError(t, err)
			assert.NoError(t, Validate(cfg))
		})
	}
}

func TestPresetUnknown(t *testing.T) {
	_, err := Preset("does_not_exist")
	assert.Error(t, err)
}

func TestPresetEmptyIsDefault(t *testing.T) {
	cfg, err := Preset("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestPresetsAreIndependent(t *testing.T) {
	first, err := Preset(PresetDevelopment)
	require.NoError(t, err)
	first.Pool.MaxServers = 99

	second, err := Preset(PresetDevelopment)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Pool.MaxServers)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"min servers below one", func(c *Config) { c.Pool.MinServers = 0 }, "pool.min_servers"},
		{"max below min", func(c *Config) { c.Pool.MinServers = 4; c.Pool.MaxServers = 2 }, "pool.max_servers"},
		{"zero requests per server", func(c *Config) { c.Pool.MaxRequestsPerServer = 0 }, "pool.max_requests_per_server"},
		{"breaker threshold out of range", func(c *Config) { c.Pool.CircuitBreakerThreshold = 1.5 }, "pool.circuit_breaker_threshold"},
		{"zero queue capacity", func(c *Config) { c.Pool.QueueCapacity = 0 }, "pool.queue_capacity"},
		{"negative request timeout", func(c *Config) { c.Pool.RequestTimeout = -time.Second }, "pool.request_timeout"},
		{"bad backoff strategy", func(c *Config) { c.Pool.RetryPolicy.BackoffStrategy = "quadratic" }, "pool.retry_policy.backoff_strategy"},
		{"initial delay above max", func(c *Config) {
			c.Pool.RetryPolicy.InitialDelay = time.Minute
			c.Pool.RetryPolicy.MaxDelay = time.Second
		}, "pool.retry_policy.initial_delay"},
		{"scale down above scale up", func(c *Config) {
			c.Pool.Autoscaling.ScaleUpThreshold = 0.5
			c.Pool.Autoscaling.ScaleDownThreshold = 0.6
		}, "pool.autoscaling.scale_down_threshold"},
		{"zero failure threshold", func(c *Config) { c.Health.FailureThreshold = 0 }, "health.failure_threshold"},
		{"zero recovery time", func(c *Config) { c.Health.RecoveryTime = 0 }, "health.recovery_time"},
		{"failover with no attempts", func(c *Config) { c.Failover.MaxAttempts = 0 }, "failover.max_attempts"},
		{"server without host", func(c *Config) {
			c.Servers = []domain.ServerConfig{{Host: "", Port: 9300}}
		}, "servers[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)

			var validationErr *domain.ConfigValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestWarnings(t *testing.T) {
	t.Run("default has no warnings", func(t *testing.T) {
		assert.Empty(t, Warnings(Default()))
	})

	t.Run("disabled failover warns", func(t *testing.T) {
		cfg := Default()
		cfg.Failover.Enabled = false
		cfg.Pool.RetryPolicy.MaxRetries = 0

		warnings := Warnings(cfg)
		require.Len(t, warnings, 2)
		assert.Equal(t, "failover.enabled", warnings[0].Field)
		assert.Equal(t, "pool.retry_policy.max_retries", warnings[1].Field)
	})
}

func TestLoadWithoutConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	contents := []byte("logging:\n  level: debug\npool:\n  max_servers: 12\nservers:\n  - host: localhost\n    port: 9301\n    capabilities: [vector_search]\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ragmux.yaml"), contents, 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Pool.MaxServers)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "localhost:9301", cfg.Servers[0].ID())
	assert.Equal(t, []string{"vector_search"}, cfg.Servers[0].Capabilities)

	// File settings overlay the defaults rather than replacing them.
	assert.Equal(t, Default().Pool.RequestTimeout, cfg.Pool.RequestTimeout)
}
