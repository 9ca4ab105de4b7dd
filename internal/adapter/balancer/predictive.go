package balancer

import (
	"fmt"
	"strings"
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// predictive estimates each server's response time under its current
// load and balances that against its success rate.
type predictive struct{}

func newPredictive() *predictive {
	return &predictive{}
}

func (p *predictive) Name() string { return StrategyPredictive }

func (p *predictive) Confidence() float64 { return 0.7 }

func (p *predictive) Pick(candidates []*domain.ServerRecord, _ *domain.RAGRequest, params scoringParams) (*domain.ServerRecord, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, domain.ErrNoServersAvailable
	}

	ceiling := params.rtCeiling
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}

	selected := argmax(candidates, func(record *domain.ServerRecord) float64 {
		loadScore := record.LoadScore(params.maxRequestsPerServer, params.rtCeiling)
		estimated := avgResponseSeconds(record) * (1 + 0.3*loadScore)
		rtTerm := 1 - estimated/ceiling.Seconds()
		if rtTerm < 0 {
			rtTerm = 0
		}
		return 0.6*rtTerm + 0.4*record.ServerSuccessRate
	})

	loadScore := selected.LoadScore(params.maxRequestsPerServer, params.rtCeiling)
	estimated := time.Duration(avgResponseSeconds(selected) * (1 + 0.3*loadScore) * float64(time.Second))
	return selected, []string{fmt.Sprintf("estimated response %v", estimated)}, nil
}

func containsAny(text string, needles ...string) bool {
	lowered := strings.ToLower(text)
	for _, needle := range needles {
		if strings.Contains(lowered, needle) {
			return true
		}
	}
	return false
}
