package balancer

import (
	"fmt"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// adaptive runs the three workhorse strategies and keeps the decision
// whose strategy has the best tracked effectiveness. Its confidence is
// the chosen sub-strategy's confidence scaled by that effectiveness.
type adaptive struct {
	stats      *statsTable
	candidates []strategy
}

func newAdaptive(stats *statsTable) *adaptive {
	return &adaptive{
		stats: stats,
		candidates: []strategy{
			newLeastConnections(),
			newWeightedResponseTime(),
			newResourceAware(),
		},
	}
}

func (a *adaptive) Name() string { return StrategyAdaptive }

func (a *adaptive) Confidence() float64 { return 0.8 }

func (a *adaptive) Pick(candidates []*domain.ServerRecord, req *domain.RAGRequest, params scoringParams) (*domain.ServerRecord, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, domain.ErrNoServersAvailable
	}

	var (
		best              strategy
		bestRecord        *domain.ServerRecord
		bestReasoning     []string
		bestEffectiveness = -1.0
	)

	for _, sub := range a.candidates {
		record, reasoning, err := sub.Pick(candidates, req, params)
		if err != nil {
			continue
		}
		effectiveness := a.stats.effectiveness(sub.Name())
		if effectiveness > bestEffectiveness {
			best = sub
			bestRecord = record
			bestReasoning = reasoning
			bestEffectiveness = effectiveness
		}
	}

	if best == nil {
		return nil, nil, domain.ErrNoServersAvailable
	}

	reasoning := append([]string{fmt.Sprintf("adaptive chose %s (effectiveness %.2f)", best.Name(), bestEffectiveness)}, bestReasoning...)
	return bestRecord, reasoning, nil
}

// bestSubName returns the sub-strategy the next Pick will favour; with
// a non-empty candidate set the choice depends only on effectiveness.
func (a *adaptive) bestSubName() string {
	best := a.candidates[0].Name()
	bestEffectiveness := -1.0
	for _, sub := range a.candidates {
		if effectiveness := a.stats.effectiveness(sub.Name()); effectiveness > bestEffectiveness {
			best = sub.Name()
			bestEffectiveness = effectiveness
		}
	}
	return best
}

// subConfidence computes the scaled confidence for the chosen
// sub-strategy, clipped to [0,1].
func (a *adaptive) subConfidence(subName string) float64 {
	for _, sub := range a.candidates {
		if sub.Name() == subName {
			confidence := sub.Confidence() * a.stats.effectiveness(subName)
			if confidence < 0 {
				return 0
			}
			if confidence > 1 {
				return 1
			}
			return confidence
		}
	}
	return a.Confidence()
}
