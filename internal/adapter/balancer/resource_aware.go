package balancer

import (
	"fmt"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// resourceAware scores on self-reported cpu/memory plus utilisation and
// health. Servers that never report resources score on the optimistic
// zero values.
type resourceAware struct{}

func newResourceAware() *resourceAware {
	return &resourceAware{}
}

func (r *resourceAware) Name() string { return StrategyResourceAware }

func (r *resourceAware) Confidence() float64 { return 0.9 }

func (r *resourceAware) Pick(candidates []*domain.ServerRecord, _ *domain.RAGRequest, params scoringParams) (*domain.ServerRecord, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, domain.ErrNoServersAvailable
	}

	ceiling := params.memoryCeiling
	if ceiling <= 0 {
		ceiling = 1.0
	}
	maxRequests := float64(params.maxRequestsPerServer)
	if maxRequests <= 0 {
		maxRequests = 1
	}

	selected := argmax(candidates, func(record *domain.ServerRecord) float64 {
		cpu := clampRatio(record.CPUUsage)
		mem := clampRatio(record.MemoryUsage / ceiling)
		active := clampRatio(float64(record.ActiveRequests) / maxRequests)
		return 0.3*(1-cpu) + 0.3*(1-mem) + 0.3*(1-active) + 0.1*record.HealthScore()
	})

	return selected, []string{fmt.Sprintf("cpu %.2f, mem %.2f, active %d", selected.CPUUsage, selected.MemoryUsage, selected.ActiveRequests)}, nil
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
