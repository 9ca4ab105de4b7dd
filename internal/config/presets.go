package config

import (
	"fmt"
	"sort"
	"time"
)

const (
	PresetDevelopment          = "development"
	PresetProductionSmall      = "production_small"
	PresetProductionLarge      = "production_large"
	PresetHighAvailability     = "high_availability"
	PresetCostOptimized        = "cost_optimized"
	PresetPerformanceOptimized = "performance_optimized"
	PresetTesting              = "testing"
)

var presets = map[string]func() *Config{
	PresetDevelopment:          developmentPreset,
	PresetProductionSmall:      productionSmallPreset,
	PresetProductionLarge:      productionLargePreset,
	PresetHighAvailability:     highAvailabilityPreset,
	PresetCostOptimized:        costOptimizedPreset,
	PresetPerformanceOptimized: performanceOptimizedPreset,
	PresetTesting:              testingPreset,
}

// Preset returns a fresh config for the named preset. The empty name
// yields the baseline defaults.
func Preset(name string) (*Config, error) {
	if name == "" {
		return Default(), nil
	}
	factory, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown configuration preset: %s", name)
	}
	return factory(), nil
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func developmentPreset() *Config {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Pool.MaxServers = 3
	cfg.Pool.MaxRequestsPerServer = 4
	cfg.Pool.Autoscaling.Enabled = false
	cfg.Health.CheckInterval = 5 * time.Second
	cfg.LoadBalancing.Strategy = "round_robin"
	cfg.LoadBalancing.AdaptiveEnabled = false
	return cfg
}

func productionSmallPreset() *Config {
	cfg := Default()
	cfg.Pool.MinServers = 2
	cfg.Pool.MaxServers = 4
	cfg.Pool.MaxRequestsPerServer = 20
	cfg.Pool.QueueCapacity = 512
	return cfg
}

func productionLargePreset() *Config {
	cfg := Default()
	cfg.Pool.MinServers = 4
	cfg.Pool.MaxServers = 32
	cfg.Pool.MaxRequestsPerServer = 50
	cfg.Pool.QueueCapacity = 4096
	cfg.LoadBalancing.Strategy = "resource_aware"
	return cfg
}

func highAvailabilityPreset() *Config {
	cfg := Default()
	cfg.Pool.MinServers = 3
	cfg.Pool.MaxServers = 16
	cfg.Pool.RetryPolicy.MaxRetries = 5
	cfg.Health.CheckInterval = 5 * time.Second
	cfg.Health.FailureThreshold = 2
	cfg.Health.RecoveryTime = 30 * time.Second
	cfg.Failover.MaxAttempts = 5
	cfg.Failover.RecoveryCheckInterval = 15 * time.Second
	return cfg
}

func costOptimizedPreset() *Config {
	cfg := Default()
	cfg.Pool.MaxServers = 4
	cfg.Pool.Autoscaling.ScaleUpThreshold = 0.9
	cfg.Pool.Autoscaling.ScaleDownThreshold = 0.2
	cfg.Pool.Autoscaling.CooldownPeriod = 10 * time.Minute
	cfg.LoadBalancing.Strategy = "least_connections"
	cfg.LoadBalancing.AdaptiveEnabled = false
	cfg.Routing.UnitCost = 0.02
	return cfg
}

func performanceOptimizedPreset() *Config {
	cfg := Default()
	cfg.Pool.MaxServers = 16
	cfg.Pool.MaxRequestsPerServer = 30
	cfg.Pool.RequestTimeout = 15 * time.Second
	cfg.LoadBalancing.Strategy = "predictive"
	cfg.LoadBalancing.AdaptationInterval = 30 * time.Second
	cfg.LoadBalancing.PerformanceThresholds.MaxResponseTime = 2 * time.Second
	cfg.Routing.ResponseCeiling = 2 * time.Second
	return cfg
}

func testingPreset() *Config {
	cfg := Default()
	cfg.Logging.Level = "error"
	cfg.Pool.MaxServers = 3
	cfg.Pool.HealthCheckInterval = 100 * time.Millisecond
	cfg.Pool.ConnectionTimeout = time.Second
	cfg.Pool.RequestTimeout = 2 * time.Second
	cfg.Pool.RetryPolicy.InitialDelay = 10 * time.Millisecond
	cfg.Pool.RetryPolicy.MaxDelay = 50 * time.Millisecond
	cfg.Health.CheckInterval = 100 * time.Millisecond
	cfg.Health.Timeout = 500 * time.Millisecond
	cfg.Health.RecoveryTime = 200 * time.Millisecond
	cfg.Failover.Delay = 10 * time.Millisecond
	cfg.Failover.RecoveryCheckInterval = 100 * time.Millisecond
	cfg.LoadBalancing.AdaptationInterval = 200 * time.Millisecond
	return cfg
}
