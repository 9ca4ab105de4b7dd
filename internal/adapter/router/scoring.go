package router

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
)

const (
	historyAlpha        = 0.1
	historyCacheSize    = 256
	neutralHistoryScore = 0.5
	minExpectedLatency  = 100 * time.Millisecond
	defaultBaseLatency  = 200 * time.Millisecond
)

// Composite score weights. Health dominates, history only nudges.
const (
	weightHealth      = 0.30
	weightPerformance = 0.25
	weightLoad        = 0.20
	weightCapability  = 0.15
	weightHistory     = 0.10
)

// scorer ranks candidate servers with a composite of health,
// performance, load, capability fit and routing history. History is a
// per-server success EMA in a bounded LRU so departed servers age out.
type scorer struct {
	cfg     config.RoutingConfig
	maxPer  int
	history *lru.Cache[string, float64]
}

func newScorer(cfg config.RoutingConfig, maxRequestsPerServer int) (*scorer, error) {
	history, err := lru.New[string, float64](historyCacheSize)
	if err != nil {
		return nil, err
	}
	return &scorer{cfg: cfg, maxPer: maxRequestsPerServer, history: history}, nil
}

// complexity estimates how demanding a request is, in [0,1]. Query
// length, supplied context and result fanout each contribute.
func (s *scorer) complexity(req *domain.RAGRequest) float64 {
	complexity := 0.1
	complexity += minF(float64(len(req.Query))/1000.0, 0.5)
	complexity += minF(float64(len(req.Context))/2000.0, 0.3)
	complexity += minF(float64(req.EffectiveMaxResults())/20.0, 0.2)

	if complexity > 1 {
		return 1
	}
	return complexity
}

// score ranks one candidate. Reasoning strings accompany the decision
// for observability.
func (s *scorer) score(record *domain.ServerRecord, required []string) (float64, []string) {
	health := record.HealthScore()

	performance := 1.0
	if record.AvgResponseTime > 0 {
		performance = 1.0 - float64(record.AvgResponseTime)/float64(s.cfg.ResponseCeiling)
		if performance < 0 {
			performance = 0
		}
	}

	load := 1.0 - record.LoadScore(s.maxPer, s.cfg.ResponseCeiling)

	capability := 1.0
	if len(required) > 0 {
		held := 0
		for _, cap := range required {
			if record.HasCapability(cap) {
				held++
			}
		}
		capability = float64(held) / float64(len(required))
	}

	history := s.historyScore(record.ID)

	total := weightHealth*health +
		weightPerformance*performance +
		weightLoad*load +
		weightCapability*capability +
		weightHistory*history

	reasoning := []string{
		fmt.Sprintf("health=%.2f performance=%.2f load=%.2f capability=%.2f history=%.2f", health, performance, load, capability, history),
	}
	return total, reasoning
}

func (s *scorer) historyScore(serverID string) float64 {
	if score, ok := s.history.Get(serverID); ok {
		return score
	}
	return neutralHistoryScore
}

func (s *scorer) recordOutcome(serverID string, success bool) {
	observed := 0.0
	if success {
		observed = 1.0
	}

	current, ok := s.history.Get(serverID)
	if !ok {
		current = neutralHistoryScore
	}
	s.history.Add(serverID, current*(1-historyAlpha)+observed*historyAlpha)
}

// expectedLatency projects the request's latency on this server from
// its response time EMA inflated by complexity and current load.
func (s *scorer) expectedLatency(record *domain.ServerRecord, complexity float64) time.Duration {
	base := record.AvgResponseTime
	if base <= 0 {
		base = defaultBaseLatency
	}

	load := record.LoadScore(s.maxPer, s.cfg.ResponseCeiling)
	estimated := time.Duration(float64(base) * (1 + 0.5*complexity) * (1 + 0.3*load))
	if estimated < minExpectedLatency {
		estimated = minExpectedLatency
	}
	return estimated
}

func (s *scorer) expectedCost(complexity float64) float64 {
	return s.cfg.BaseCost + complexity*s.cfg.UnitCost
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
