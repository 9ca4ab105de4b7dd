// Package ports defines the interfaces between the multiplexer core and
// its adapters. Components accept these interfaces and return concrete
// structs.
package ports

import (
	"context"
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// ServerRegistry is the source of truth for server records. Mutations
// are serialised; reads return cloned snapshots so scoring loops never
// observe partial updates.
type ServerRegistry interface {
	Add(cfg domain.ServerConfig) (*domain.ServerRecord, error)
	Remove(id string) error
	Get(id string) (*domain.ServerRecord, bool)
	Snapshot() []*domain.ServerRecord
	Update(id string, patch func(*domain.ServerRecord)) error
	Len() int
}

// Selector picks one server from a caller-supplied eligible set.
type Selector interface {
	Name() string
	Select(ctx context.Context, candidates []*domain.ServerRecord, req *domain.RAGRequest) (domain.RoutingDecision, error)
}

// LoadBalancer is a Selector that also learns from outcomes and may
// switch its active strategy over time.
type LoadBalancer interface {
	Selector
	RecordOutcome(decision domain.RoutingDecision, success bool, latency time.Duration)
	CurrentStrategy() string
}

// HealthGate is the admission contract other components consult before
// dispatching to a server. The monitor owns all breaker state.
type HealthGate interface {
	CanExecute(id string) bool
	RecordOutcome(id string, success bool, latency time.Duration, err error)
}

// Dispatcher executes one request on one chosen server.
type Dispatcher interface {
	Dispatch(ctx context.Context, serverID, requestID string, req *domain.RAGRequest) (*domain.RAGResponse, error)
}

// StatsCollector aggregates pool-wide request statistics for status
// reporting. Per-server counters live on the registry records.
type StatsCollector interface {
	RecordRequest(serverID string, success bool, latency time.Duration)
	RecordConnection(serverID string, delta int)
	GetConnectionStats() map[string]int64
	GetPoolStats() PoolStats
	ErrorRate(window time.Duration) float64
}

// PoolStats is the aggregate view of request traffic.
type PoolStats struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	AvgLatency         time.Duration `json:"avg_latency"`
	Throughput         float64       `json:"throughput_rps"`
}

// EventPublisher is the narrow surface components use to emit events.
type EventPublisher interface {
	Publish(event domain.Event)
}
