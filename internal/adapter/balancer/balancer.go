package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
	"github.com/ferrant/ragmux/internal/core/ports"
)

const minDecisionsForSwitch = 10

// Balancer implements ports.LoadBalancer. It holds every strategy, the
// per-strategy stats table and the adaptation loop that may switch the
// active strategy at runtime.
type Balancer struct {
	strategies map[string]strategy
	stats      *statsTable
	params     scoringParams
	publisher  ports.EventPublisher
	logger     *slog.Logger
	cfg        config.LoadBalancingConfig

	mu       sync.RWMutex
	active   string
	running  bool
	stopCh   chan struct{}
	loopDone sync.WaitGroup
}

func New(cfg config.LoadBalancingConfig, poolCfg config.PoolConfig, publisher ports.EventPublisher, logger *slog.Logger) (*Balancer, error) {
	stats := newStatsTable(cfg.PerformanceThresholds.MaxResponseTime)

	b := &Balancer{
		strategies: make(map[string]strategy),
		stats:      stats,
		params: scoringParams{
			maxRequestsPerServer: poolCfg.MaxRequestsPerServer,
			rtCeiling:            cfg.PerformanceThresholds.MaxResponseTime,
			memoryCeiling:        1.0,
		},
		publisher: publisher,
		logger:    logger.With("component", "balancer"),
		cfg:       cfg,
	}

	for _, s := range []strategy{
		newRoundRobin(),
		newLeastConnections(),
		newWeightedResponseTime(),
		newResourceAware(),
		newCapabilityBased(),
		newPredictive(),
		newAdaptive(stats),
	} {
		b.strategies[s.Name()] = s
	}

	if _, ok := b.strategies[cfg.Strategy]; !ok {
		return nil, fmt.Errorf("unknown load balancer strategy: %s", cfg.Strategy)
	}
	b.active = cfg.Strategy

	return b, nil
}

func (b *Balancer) Name() string { return "balancer" }

// AvailableStrategies lists every registered strategy name.
func (b *Balancer) AvailableStrategies() []string {
	names := make([]string, 0, len(b.strategies))
	for name := range b.strategies {
		names = append(names, name)
	}
	return names
}

func (b *Balancer) CurrentStrategy() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Select picks one server from the eligible candidate set using the
// active strategy.
func (b *Balancer) Select(ctx context.Context, candidates []*domain.ServerRecord, req *domain.RAGRequest) (domain.RoutingDecision, error) {
	return b.SelectWith(ctx, b.CurrentStrategy(), candidates, req)
}

// SelectWith runs a specific strategy; the router uses it for rule
// strategy overrides.
func (b *Balancer) SelectWith(_ context.Context, strategyName string, candidates []*domain.ServerRecord, req *domain.RAGRequest) (domain.RoutingDecision, error) {
	if len(candidates) == 0 {
		return domain.RoutingDecision{}, domain.ErrNoServersAvailable
	}

	strat, ok := b.strategies[strategyName]
	if !ok {
		return domain.RoutingDecision{}, fmt.Errorf("unknown load balancer strategy: %s", strategyName)
	}

	selected, reasoning, err := strat.Pick(candidates, req, b.params)
	if err != nil {
		return domain.RoutingDecision{}, err
	}

	confidence := strat.Confidence()
	if ad, isAdaptive := strat.(*adaptive); isAdaptive {
		confidence = ad.subConfidence(ad.bestSubName())
	}

	alternatives := make([]string, 0, len(candidates)-1)
	for _, candidate := range candidates {
		if candidate.ID != selected.ID {
			alternatives = append(alternatives, candidate.ID)
		}
	}

	return domain.RoutingDecision{
		ServerID:        selected.ID,
		Strategy:        strategyName,
		Confidence:      confidence,
		ExpectedLatency: selected.AvgResponseTime,
		Reasoning:       reasoning,
		Alternatives:    alternatives,
	}, nil
}

// RecordOutcome feeds a decision's outcome back into the strategy stats.
func (b *Balancer) RecordOutcome(decision domain.RoutingDecision, success bool, latency time.Duration) {
	if decision.Strategy == "" {
		return
	}
	b.stats.record(decision.Strategy, success, latency)
}

// StrategyStats exposes the per-strategy statistics.
func (b *Balancer) StrategyStats() map[string]StrategyStats {
	return b.stats.snapshot()
}

// Start launches the adaptation loop when adaptive switching is enabled.
func (b *Balancer) Start(ctx context.Context) error {
	if !b.cfg.AdaptiveEnabled {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}
	b.stopCh = make(chan struct{})
	b.running = true

	b.loopDone.Add(1)
	go b.adaptationLoop(ctx)
	return nil
}

func (b *Balancer) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	close(b.stopCh)
	b.running = false
	b.mu.Unlock()

	b.loopDone.Wait()
	return nil
}

func (b *Balancer) adaptationLoop(ctx context.Context) {
	defer b.loopDone.Done()

	interval := b.cfg.AdaptationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.adapt()
		}
	}
}

// adapt switches the active strategy when another one has proven itself:
// at least minDecisionsForSwitch observed decisions and effectiveness
// at or above 0.8.
func (b *Balancer) adapt() {
	current := b.CurrentStrategy()

	bestName := current
	bestEffectiveness := 0.0

	for name := range b.strategies {
		if name == current || name == StrategyAdaptive {
			continue
		}
		if b.stats.decisions(name) < minDecisionsForSwitch {
			continue
		}
		effectiveness := b.stats.effectiveness(name)
		if effectiveness >= 0.8 && effectiveness > bestEffectiveness {
			bestName = name
			bestEffectiveness = effectiveness
		}
	}

	if bestName == current {
		return
	}

	b.mu.Lock()
	b.active = bestName
	b.mu.Unlock()

	b.logger.Info("Load balancing strategy switched",
		"from", current,
		"to", bestName,
		"effectiveness", bestEffectiveness)

	if b.publisher != nil {
		event := domain.NewEvent(domain.EventStrategyChanged)
		event.FromStrategy = current
		event.ToStrategy = bestName
		b.publisher.Publish(event)
	}
}
