package config

import (
	"fmt"
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// ValidationWarning is a non-fatal finding from Validate; callers decide
// whether to log or surface them.
type ValidationWarning struct {
	Field  string
	Detail string
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Detail)
}

// Validate checks hard constraints and returns the first violation.
// Non-fatal findings are available through Warnings.
func Validate(cfg *Config) error {
	if cfg.Pool.MinServers < 1 {
		return &domain.ConfigValidationError{Field: "pool.min_servers", Value: cfg.Pool.MinServers, Reason: "must be at least 1"}
	}
	if cfg.Pool.MaxServers < cfg.Pool.MinServers {
		return &domain.ConfigValidationError{Field: "pool.max_servers", Value: cfg.Pool.MaxServers, Reason: "must be >= pool.min_servers"}
	}
	if cfg.Pool.MaxRequestsPerServer < 1 {
		return &domain.ConfigValidationError{Field: "pool.max_requests_per_server", Value: cfg.Pool.MaxRequestsPerServer, Reason: "must be at least 1"}
	}
	if cfg.Pool.CircuitBreakerThreshold < 0 || cfg.Pool.CircuitBreakerThreshold > 1 {
		return &domain.ConfigValidationError{Field: "pool.circuit_breaker_threshold", Value: cfg.Pool.CircuitBreakerThreshold, Reason: "must be within [0,1]"}
	}
	if cfg.Pool.QueueCapacity < 1 {
		return &domain.ConfigValidationError{Field: "pool.queue_capacity", Value: cfg.Pool.QueueCapacity, Reason: "must be at least 1"}
	}
	if cfg.Pool.ConnectionTimeout <= 0 {
		return &domain.ConfigValidationError{Field: "pool.connection_timeout", Value: cfg.Pool.ConnectionTimeout, Reason: "must be positive"}
	}
	if cfg.Pool.RequestTimeout <= 0 {
		return &domain.ConfigValidationError{Field: "pool.request_timeout", Value: cfg.Pool.RequestTimeout, Reason: "must be positive"}
	}

	switch cfg.Pool.RetryPolicy.BackoffStrategy {
	case BackoffLinear, BackoffExponential, BackoffFixed:
	default:
		return &domain.ConfigValidationError{Field: "pool.retry_policy.backoff_strategy", Value: cfg.Pool.RetryPolicy.BackoffStrategy, Reason: "must be linear, exponential or fixed"}
	}
	if cfg.Pool.RetryPolicy.InitialDelay > cfg.Pool.RetryPolicy.MaxDelay {
		return &domain.ConfigValidationError{Field: "pool.retry_policy.initial_delay", Value: cfg.Pool.RetryPolicy.InitialDelay, Reason: "must not exceed max_delay"}
	}

	if cfg.Pool.Autoscaling.Enabled {
		up, down := cfg.Pool.Autoscaling.ScaleUpThreshold, cfg.Pool.Autoscaling.ScaleDownThreshold
		if up <= 0 || up > 1 {
			return &domain.ConfigValidationError{Field: "pool.autoscaling.scale_up_threshold", Value: up, Reason: "must be within (0,1]"}
		}
		if down < 0 || down >= up {
			return &domain.ConfigValidationError{Field: "pool.autoscaling.scale_down_threshold", Value: down, Reason: "must be within [0, scale_up_threshold)"}
		}
	}

	if cfg.Health.FailureThreshold < 1 {
		return &domain.ConfigValidationError{Field: "health.failure_threshold", Value: cfg.Health.FailureThreshold, Reason: "must be at least 1"}
	}
	if cfg.Health.SuccessThreshold < 1 {
		return &domain.ConfigValidationError{Field: "health.success_threshold", Value: cfg.Health.SuccessThreshold, Reason: "must be at least 1"}
	}
	if cfg.Health.RecoveryTime <= 0 {
		return &domain.ConfigValidationError{Field: "health.recovery_time", Value: cfg.Health.RecoveryTime, Reason: "must be positive"}
	}
	if cfg.Health.MonitoringWindow <= 0 {
		return &domain.ConfigValidationError{Field: "health.monitoring_window", Value: cfg.Health.MonitoringWindow, Reason: "must be positive"}
	}

	if cfg.Failover.Enabled && cfg.Failover.MaxAttempts < 1 {
		return &domain.ConfigValidationError{Field: "failover.max_attempts", Value: cfg.Failover.MaxAttempts, Reason: "must be at least 1 when failover is enabled"}
	}

	for i, server := range cfg.Servers {
		if err := server.Validate(); err != nil {
			return &domain.ConfigValidationError{Field: fmt.Sprintf("servers[%d]", i), Value: server.ID(), Reason: err.Error()}
		}
	}

	return nil
}

// Warnings reports configuration that validates but deserves attention.
func Warnings(cfg *Config) []ValidationWarning {
	var warnings []ValidationWarning

	if cfg.Pool.RequestTimeout > time.Minute {
		warnings = append(warnings, ValidationWarning{
			Field:  "pool.request_timeout",
			Detail: fmt.Sprintf("%v is unusually high; slow servers will hold queue capacity", cfg.Pool.RequestTimeout),
		})
	}
	if cfg.Health.Timeout > 30*time.Second {
		warnings = append(warnings, ValidationWarning{
			Field:  "health.timeout",
			Detail: fmt.Sprintf("%v is unusually high; failures will be detected slowly", cfg.Health.Timeout),
		})
	}
	if !cfg.Failover.Enabled {
		warnings = append(warnings, ValidationWarning{
			Field:  "failover.enabled",
			Detail: "failover is disabled; a single server failure will surface to callers",
		})
	}
	if cfg.Pool.RetryPolicy.MaxRetries == 0 {
		warnings = append(warnings, ValidationWarning{
			Field:  "pool.retry_policy.max_retries",
			Detail: "retries are disabled; transient failures will surface to callers",
		})
	}

	return warnings
}
