// Package balancer implements the load-balancing strategy engine: seven
// selection strategies, per-strategy effectiveness tracking and a
// self-adapting meta-strategy.
package balancer

import (
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

const (
	StrategyRoundRobin           = "round_robin"
	StrategyLeastConnections     = "least_connections"
	StrategyWeightedResponseTime = "weighted_response_time"
	StrategyResourceAware        = "resource_aware"
	StrategyCapabilityBased      = "capability_based"
	StrategyPredictive           = "predictive"
	StrategyAdaptive             = "adaptive"
)

// scoringParams carries the configuration every scoring formula needs.
type scoringParams struct {
	maxRequestsPerServer int
	rtCeiling            time.Duration
	memoryCeiling        float64
}

// strategy picks one server from an eligible, non-empty candidate set.
// Implementations are pure functions of the snapshot plus their own
// internal state (a round-robin counter, strategy stats).
type strategy interface {
	Name() string
	Confidence() float64
	Pick(candidates []*domain.ServerRecord, req *domain.RAGRequest, params scoringParams) (*domain.ServerRecord, []string, error)
}

// avgResponseSeconds guards against zero EMA on fresh servers so they
// attract traffic instead of dividing by zero.
func avgResponseSeconds(record *domain.ServerRecord) float64 {
	if record.AvgResponseTime <= 0 {
		return 0.001
	}
	return record.AvgResponseTime.Seconds()
}

// argmax returns the highest-scoring candidate; ties break by id so
// selection is deterministic over sorted snapshots.
func argmax(candidates []*domain.ServerRecord, score func(*domain.ServerRecord) float64) *domain.ServerRecord {
	var best *domain.ServerRecord
	bestScore := 0.0
	for _, candidate := range candidates {
		s := score(candidate)
		if best == nil || s > bestScore || (s == bestScore && candidate.ID < best.ID) {
			best = candidate
			bestScore = s
		}
	}
	return best
}
