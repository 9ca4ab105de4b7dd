package balancer

import (
	"fmt"
	"sync/atomic"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// roundRobin cycles through the eligible set with a monotonic counter.
type roundRobin struct {
	counter atomic.Uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{}
}

func (r *roundRobin) Name() string { return StrategyRoundRobin }

func (r *roundRobin) Confidence() float64 { return 0.7 }

func (r *roundRobin) Pick(candidates []*domain.ServerRecord, _ *domain.RAGRequest, _ scoringParams) (*domain.ServerRecord, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, domain.ErrNoServersAvailable
	}

	index := (r.counter.Add(1) - 1) % uint64(len(candidates))
	selected := candidates[index]
	return selected, []string{fmt.Sprintf("round-robin position %d of %d", index, len(candidates))}, nil
}
