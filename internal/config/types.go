package config

import (
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

type Config struct {
	Logging       LoggingConfig         `mapstructure:"logging"`
	Servers       []domain.ServerConfig `mapstructure:"servers"`
	Pool          PoolConfig            `mapstructure:"pool"`
	Health        HealthConfig          `mapstructure:"health"`
	LoadBalancing LoadBalancingConfig   `mapstructure:"load_balancing"`
	Failover      FailoverConfig        `mapstructure:"failover"`
	Routing       RoutingConfig         `mapstructure:"routing"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	FileOutput bool   `mapstructure:"file_output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type PoolConfig struct {
	MinServers              int               `mapstructure:"min_servers"`
	MaxServers              int               `mapstructure:"max_servers"`
	HealthCheckInterval     time.Duration     `mapstructure:"health_check_interval"`
	MaxConsecutiveFailures  int               `mapstructure:"max_consecutive_failures"`
	ConnectionTimeout       time.Duration     `mapstructure:"connection_timeout"`
	RequestTimeout          time.Duration     `mapstructure:"request_timeout"`
	MaxRequestsPerServer    int               `mapstructure:"max_requests_per_server"`
	CircuitBreakerThreshold float64           `mapstructure:"circuit_breaker_threshold"`
	QueueCapacity           int               `mapstructure:"queue_capacity"`
	Autoscaling             AutoscalingConfig `mapstructure:"autoscaling"`
	RetryPolicy             RetryPolicyConfig `mapstructure:"retry_policy"`
}

type AutoscalingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold"`
	CooldownPeriod     time.Duration `mapstructure:"cooldown_period"`
}

type RetryPolicyConfig struct {
	MaxRetries      int             `mapstructure:"max_retries"`
	BackoffStrategy BackoffStrategy `mapstructure:"backoff_strategy"`
	InitialDelay    time.Duration   `mapstructure:"initial_delay"`
	MaxDelay        time.Duration   `mapstructure:"max_delay"`
}

type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RecoveryTime     time.Duration `mapstructure:"recovery_time"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
}

type LoadBalancingConfig struct {
	Strategy              string                      `mapstructure:"strategy"`
	AdaptiveEnabled       bool                        `mapstructure:"adaptive_enabled"`
	AdaptationInterval    time.Duration               `mapstructure:"adaptation_interval"`
	PerformanceThresholds PerformanceThresholdsConfig `mapstructure:"performance_thresholds"`
}

type PerformanceThresholdsConfig struct {
	MaxResponseTime time.Duration `mapstructure:"max_response_time"`
	MaxErrorRate    float64       `mapstructure:"max_error_rate"`
	MaxUtilization  float64       `mapstructure:"max_utilization"`
}

type FailoverConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	Delay                 time.Duration `mapstructure:"delay"`
	AutoRecovery          bool          `mapstructure:"auto_recovery"`
	RecoveryCheckInterval time.Duration `mapstructure:"recovery_check_interval"`
}

type RoutingConfig struct {
	IntelligentEnabled bool          `mapstructure:"intelligent_enabled"`
	MaxRetries         int           `mapstructure:"max_retries"`
	ResponseCeiling    time.Duration `mapstructure:"response_ceiling"`
	BaseCost           float64       `mapstructure:"base_cost"`
	UnitCost           float64       `mapstructure:"unit_cost"`
}

// Default returns the baseline configuration every preset starts from.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "./logs",
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     14,
		},
		Pool: PoolConfig{
			MinServers:              1,
			MaxServers:              8,
			HealthCheckInterval:     10 * time.Second,
			MaxConsecutiveFailures:  3,
			ConnectionTimeout:       5 * time.Second,
			RequestTimeout:          30 * time.Second,
			MaxRequestsPerServer:    10,
			CircuitBreakerThreshold: 0.5,
			QueueCapacity:           256,
			Autoscaling: AutoscalingConfig{
				Enabled:            true,
				ScaleUpThreshold:   0.8,
				ScaleDownThreshold: 0.3,
				CooldownPeriod:     5 * time.Minute,
			},
			RetryPolicy: RetryPolicyConfig{
				MaxRetries:      3,
				BackoffStrategy: BackoffExponential,
				InitialDelay:    time.Second,
				MaxDelay:        10 * time.Second,
			},
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			Timeout:          10 * time.Second,
			RecoveryTime:     60 * time.Second,
			SuccessThreshold: 2,
			MonitoringWindow: 5 * time.Minute,
			CheckInterval:    10 * time.Second,
		},
		LoadBalancing: LoadBalancingConfig{
			Strategy:           "weighted_response_time",
			AdaptiveEnabled:    true,
			AdaptationInterval: time.Minute,
			PerformanceThresholds: PerformanceThresholdsConfig{
				MaxResponseTime: 5 * time.Second,
				MaxErrorRate:    0.1,
				MaxUtilization:  0.8,
			},
		},
		Failover: FailoverConfig{
			Enabled:               true,
			MaxAttempts:           3,
			Delay:                 time.Second,
			AutoRecovery:          true,
			RecoveryCheckInterval: 30 * time.Second,
		},
		Routing: RoutingConfig{
			IntelligentEnabled: true,
			MaxRetries:         3,
			ResponseCeiling:    5 * time.Second,
			BaseCost:           0.01,
			UnitCost:           0.05,
		},
	}
}
