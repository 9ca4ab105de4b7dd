package domain

import (
	"time"
)

// EventKind tags every event published by the core. Subscribers filter
// by kind; payload fields not relevant to a kind stay zero.
type EventKind string

const (
	EventInitialized      EventKind = "initialized"
	EventServerAdded      EventKind = "serverAdded"
	EventServerRemoved    EventKind = "serverRemoved"
	EventServerFailure    EventKind = "serverFailure"
	EventServerRecovery   EventKind = "serverRecovery"
	EventStrategyChanged  EventKind = "strategyChanged"
	EventFailoverTrigger  EventKind = "failoverTriggered"
	EventRequestCompleted EventKind = "requestCompleted"
	EventMetricsUpdated   EventKind = "metricsUpdated"
	EventBreakerChanged   EventKind = "breakerStateChanged"
	EventScaleUpNeeded    EventKind = "scaleUpNeeded"
	EventScaleDownNeeded  EventKind = "scaleDownNeeded"
)

// FailoverTrigger names what caused a failover event.
type FailoverTrigger string

const (
	TriggerServerFailure  FailoverTrigger = "server_failure"
	TriggerCircuitBreaker FailoverTrigger = "circuit_breaker"
	TriggerTimeout        FailoverTrigger = "timeout"
	TriggerManual         FailoverTrigger = "manual"
)

// FailoverEvent records one failover; the multiplexer keeps the last 50
// in a ring buffer.
type FailoverEvent struct {
	Timestamp    time.Time       `json:"timestamp"`
	Trigger      FailoverTrigger `json:"trigger"`
	FromServerID string          `json:"from_server_id"`
	ToServerID   string          `json:"to_server_id,omitempty"`
	RequestID    string          `json:"request_id"`
	Success      bool            `json:"success"`
	RecoveryMs   int64           `json:"recovery_time_ms"`
}

// Event is the single payload shape carried by the event bus.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	ServerID  string          `json:"server_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Trigger   FailoverTrigger `json:"trigger,omitempty"`

	FromStrategy string `json:"from_strategy,omitempty"`
	ToStrategy   string `json:"to_strategy,omitempty"`

	FromBreakerState BreakerState `json:"from_breaker_state,omitempty"`
	ToBreakerState   BreakerState `json:"to_breaker_state,omitempty"`
	Reason           string       `json:"reason,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`
	Success  bool          `json:"success,omitempty"`
	Error    string        `json:"error,omitempty"`

	Failover *FailoverEvent     `json:"failover,omitempty"`
	Status   *MultiplexerStatus `json:"status,omitempty"`
}

func NewEvent(kind EventKind) Event {
	return Event{Kind: kind, Timestamp: time.Now()}
}

// MultiplexerStatus is the aggregate snapshot served by Status().
type MultiplexerStatus struct {
	IsHealthy        bool          `json:"isHealthy"`
	TotalServers     int           `json:"totalServers"`
	HealthyServers   int           `json:"healthyServers"`
	DegradedServers  int           `json:"degradedServers"`
	UnhealthyServers int           `json:"unhealthyServers"`
	CurrentStrategy  string        `json:"currentStrategy"`
	QueueSize        int           `json:"queueSize"`
	AvgResponseTime  time.Duration `json:"avgResponseTime"`
	Throughput       float64       `json:"throughput"`
	ErrorRate        float64       `json:"errorRate"`
	UptimeMs         int64         `json:"uptimeMs"`
}
