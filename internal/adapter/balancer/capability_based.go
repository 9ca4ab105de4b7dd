package balancer

import (
	"fmt"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// capabilityBased filters to servers covering the request's required
// capabilities and prefers capable, lightly loaded ones. With no
// capable server it falls back to least-connections over the full set.
type capabilityBased struct {
	fallback *leastConnections
}

func newCapabilityBased() *capabilityBased {
	return &capabilityBased{fallback: newLeastConnections()}
}

func (c *capabilityBased) Name() string { return StrategyCapabilityBased }

func (c *capabilityBased) Confidence() float64 { return 0.85 }

func (c *capabilityBased) Pick(candidates []*domain.ServerRecord, req *domain.RAGRequest, params scoringParams) (*domain.ServerRecord, []string, error) {
	if len(candidates) == 0 {
		return nil, nil, domain.ErrNoServersAvailable
	}

	required := InferCapabilities(req)

	capable := make([]*domain.ServerRecord, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.HasCapabilities(required) {
			capable = append(capable, candidate)
		}
	}

	if len(capable) == 0 {
		selected, reasoning, err := c.fallback.Pick(candidates, req, params)
		if err != nil {
			return nil, nil, err
		}
		return selected, append([]string{"no capability match, least-connections fallback"}, reasoning...), nil
	}

	selected := argmax(capable, func(record *domain.ServerRecord) float64 {
		capScore := float64(len(record.Capabilities)) / 10
		if capScore > 1 {
			capScore = 1
		}
		loadScore := record.LoadScore(params.maxRequestsPerServer, params.rtCeiling)
		return 0.3*capScore + 0.7*(1-loadScore)
	})

	return selected, []string{fmt.Sprintf("capabilities %v cover %v", selected.Capabilities, required)}, nil
}

// InferCapabilities derives the required capability tags from a
// request's query and context text.
func InferCapabilities(req *domain.RAGRequest) []string {
	if req == nil {
		return nil
	}

	text := req.Query + " " + req.Context
	var required []string
	if containsAny(text, "vector", "similarity") {
		required = append(required, domain.CapabilityVectorSearch)
	}
	if containsAny(text, "graph", "relationship") {
		required = append(required, domain.CapabilityGraphQuery)
	}
	if containsAny(text, "complex") || req.MaxResults > 10 {
		required = append(required, domain.CapabilityAdvancedProcessing)
	}
	return required
}
