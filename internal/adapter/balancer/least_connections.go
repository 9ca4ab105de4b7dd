package balancer

import (
	"fmt"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// leastConnections picks the server with the fewest active requests,
// breaking ties by id.
type leastConnections struct{}

func newLeastConnections() *leastConnections {
	return &leastConnections{}
}

func (l *leastConnections) Name() string { return StrategyLeastConnections }

func (l *leastConnections) Confidence() float64 { return 0.8 }

func (l *leastConnections) Pick(candidates []*domain.ServerRecord, _ *domain.RAGRequest, _ scoringParams) (*domain.ServerRecord, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, domain.ErrNoServersAvailable
	}

	var selected *domain.ServerRecord
	for _, candidate := range candidates {
		if selected == nil ||
			candidate.ActiveRequests < selected.ActiveRequests ||
			(candidate.ActiveRequests == selected.ActiveRequests && candidate.ID < selected.ID) {
			selected = candidate
		}
	}

	return selected, []string{fmt.Sprintf("%d active requests", selected.ActiveRequests)}, nil
}
