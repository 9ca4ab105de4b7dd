package balancer

import (
	"fmt"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// weightedResponseTime favours fast, lightly loaded, healthy servers.
type weightedResponseTime struct{}

func newWeightedResponseTime() *weightedResponseTime {
	return &weightedResponseTime{}
}

func (w *weightedResponseTime) Name() string { return StrategyWeightedResponseTime }

func (w *weightedResponseTime) Confidence() float64 { return 0.85 }

func (w *weightedResponseTime) Pick(candidates []*domain.ServerRecord, _ *domain.RAGRequest, params scoringParams) (*domain.ServerRecord, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, domain.ErrNoServersAvailable
	}

	selected := argmax(candidates, func(record *domain.ServerRecord) float64 {
		healthFactor := 1.0
		if record.State != domain.StateHealthy {
			healthFactor = 0.5
		}
		loadScore := record.LoadScore(params.maxRequestsPerServer, params.rtCeiling)
		return (1 / avgResponseSeconds(record)) * (1 / (1 + loadScore)) * healthFactor
	})

	return selected, []string{fmt.Sprintf("avg response %v, state %s", selected.AvgResponseTime, selected.State)}, nil
}
