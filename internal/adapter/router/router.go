package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/ferrant/ragmux/internal/adapter/balancer"
	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
)

// ExecFunc dispatches one request per a routing decision. The caller
// owns outcome recording for health and balancing; the router records
// rule effectiveness and routing history itself.
type ExecFunc func(ctx context.Context, decision domain.RoutingDecision) (*domain.RAGResponse, error)

// StrategyPicker runs one named load-balancing strategy over a
// candidate set; rule strategy overrides delegate to it.
type StrategyPicker interface {
	SelectWith(ctx context.Context, strategyName string, candidates []*domain.ServerRecord, req *domain.RAGRequest) (domain.RoutingDecision, error)
}

// Router picks servers by rule and drives failover around failed
// servers within one request. A matched rule's strategy delegates to
// the picker; rules without one fall back to the composite score.
type Router struct {
	rules  *ruleSet
	scorer *scorer
	picker StrategyPicker
	cfg    config.RoutingConfig
	logger *slog.Logger
}

func New(cfg config.RoutingConfig, poolCfg config.PoolConfig, picker StrategyPicker, logger *slog.Logger) (*Router, error) {
	scorer, err := newScorer(cfg, poolCfg.MaxRequestsPerServer)
	if err != nil {
		return nil, err
	}

	return &Router{
		rules:  newRuleSet(DefaultRules()),
		scorer: scorer,
		picker: picker,
		cfg:    cfg,
		logger: logger.With("component", "router"),
	}, nil
}

func (r *Router) Name() string { return "router" }

// AddRule installs an additional routing rule at its priority position.
func (r *Router) AddRule(rule Rule) {
	r.rules.add(rule)
}

// Select implements ports.Selector with an empty exclusion set.
func (r *Router) Select(ctx context.Context, candidates []*domain.ServerRecord, req *domain.RAGRequest) (domain.RoutingDecision, error) {
	return r.SelectFor(ctx, candidates, req, nil)
}

// SelectFor matches the request against the rule table, filters the
// candidates by exclusion, sub-pool and capability, and selects with
// the rule's strategy, or the composite score when the rule names none.
func (r *Router) SelectFor(ctx context.Context, candidates []*domain.ServerRecord, req *domain.RAGRequest, exclude map[string]struct{}) (domain.RoutingDecision, error) {
	rule := r.rules.match(req)

	required := rule.RequiredCapabilities
	if len(required) == 0 {
		required = balancer.InferCapabilities(req)
	}
	complexity := r.scorer.complexity(req)

	var targets map[string]struct{}
	if len(rule.TargetServerIDs) > 0 {
		targets = make(map[string]struct{}, len(rule.TargetServerIDs))
		for _, id := range rule.TargetServerIDs {
			targets[id] = struct{}{}
		}
	}

	eligible := make([]*domain.ServerRecord, 0, len(candidates))
	for _, candidate := range candidates {
		if _, excluded := exclude[candidate.ID]; excluded {
			continue
		}
		if targets != nil {
			if _, targeted := targets[candidate.ID]; !targeted {
				continue
			}
		}
		eligible = append(eligible, candidate)
	}
	if len(eligible) == 0 {
		return domain.RoutingDecision{}, domain.ErrNoServersAvailable
	}

	// Capability fit is a preference, not a hard filter: when no server
	// holds every required capability the full set stays in play and
	// the capability term of the score decides.
	capable := make([]*domain.ServerRecord, 0, len(eligible))
	for _, candidate := range eligible {
		if candidate.HasCapabilities(required) {
			capable = append(capable, candidate)
		}
	}
	if len(capable) > 0 {
		eligible = capable
	}

	if rule.Strategy != "" && r.picker != nil {
		return r.selectWithStrategy(ctx, rule, eligible, req, complexity)
	}

	var (
		best          *domain.ServerRecord
		bestScore     float64
		bestReasoning []string
	)
	for _, candidate := range eligible {
		score, reasoning := r.scorer.score(candidate, required)
		if best == nil || score > bestScore || (score == bestScore && candidate.ID < best.ID) {
			best = candidate
			bestScore = score
			bestReasoning = reasoning
		}
	}

	alternatives := make([]string, 0, len(eligible)-1)
	for _, candidate := range eligible {
		if candidate.ID != best.ID {
			alternatives = append(alternatives, candidate.ID)
		}
	}

	return domain.RoutingDecision{
		ServerID:        best.ID,
		RuleID:          rule.ID,
		Strategy:        rule.Strategy,
		Confidence:      clip01(bestScore),
		ExpectedLatency: r.scorer.expectedLatency(best, complexity),
		ExpectedCost:    r.scorer.expectedCost(complexity),
		Reasoning:       append([]string{"rule " + rule.ID}, bestReasoning...),
		Alternatives:    alternatives,
	}, nil
}

// selectWithStrategy delegates server selection to the rule's named
// strategy and overlays the rule context onto the decision.
func (r *Router) selectWithStrategy(ctx context.Context, rule Rule, eligible []*domain.ServerRecord, req *domain.RAGRequest, complexity float64) (domain.RoutingDecision, error) {
	decision, err := r.picker.SelectWith(ctx, rule.Strategy, eligible, req)
	if err != nil {
		return domain.RoutingDecision{}, err
	}

	decision.RuleID = rule.ID
	for _, candidate := range eligible {
		if candidate.ID == decision.ServerID {
			decision.ExpectedLatency = r.scorer.expectedLatency(candidate, complexity)
			break
		}
	}
	decision.ExpectedCost = r.scorer.expectedCost(complexity)
	decision.Reasoning = append([]string{"rule " + rule.ID}, decision.Reasoning...)
	return decision, nil
}

// RecordOutcome feeds one dispatch outcome into the rule effectiveness
// table and the per-server routing history.
func (r *Router) RecordOutcome(decision domain.RoutingDecision, success bool) {
	if decision.RuleID != "" {
		r.rules.recordOutcome(decision.RuleID, success)
	}
	if decision.ServerID != "" {
		r.scorer.recordOutcome(decision.ServerID, success)
	}
}

// Route serves one request end to end: select, dispatch, and on
// retryable failure exclude the failed server and try the next one with
// exponential backoff. Non-retryable errors surface immediately.
func (r *Router) Route(ctx context.Context, reqCtx *domain.RequestContext, candidates func() []*domain.ServerRecord, exec ExecFunc) (*domain.RAGResponse, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		decision, err := r.SelectFor(ctx, candidates(), reqCtx.Request, reqCtx.FailedServers())
		if err != nil {
			if lastErr == nil {
				return nil, domain.NewRequestError(domain.ErrKindNoServersAvailable, reqCtx.ID, "", reqCtx.RoutingHistory, err)
			}
			return nil, domain.NewRequestError(domain.ErrKindFailoverExhausted, reqCtx.ID, "", reqCtx.RoutingHistory, lastErr)
		}

		attemptCtx := ctx
		cancel := func() {}
		if rule, ok := r.rules.get(decision.RuleID); ok && rule.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, rule.Timeout)
		}

		start := time.Now()
		response, execErr := exec(attemptCtx, decision)
		latency := time.Since(start)
		cancel()

		reqCtx.RecordAttempt(decision.ServerID, execErr == nil, latency, execErr)
		r.RecordOutcome(decision, execErr == nil)

		if execErr == nil {
			return response, nil
		}

		kind := domain.KindOf(execErr)
		if !kind.Retryable() {
			return nil, execErr
		}
		lastErr = execErr

		r.logger.Warn("Routing attempt failed",
			"request", reqCtx.ID,
			"server", decision.ServerID,
			"rule", decision.RuleID,
			"attempt", attempt+1,
			"error", execErr)

		if attempt+1 >= r.maxRetriesFor(decision.RuleID) {
			return nil, domain.NewRequestError(domain.ErrKindFailoverExhausted, reqCtx.ID, decision.ServerID, reqCtx.RoutingHistory, lastErr)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second << uint(attempt)):
		}
	}
}

// RuleStats exposes per-rule match counts and effectiveness.
func (r *Router) RuleStats() []RuleStats {
	return r.rules.snapshot()
}

func (r *Router) maxRetriesFor(ruleID string) int {
	if rule, ok := r.rules.get(ruleID); ok && rule.MaxRetries > 0 {
		return rule.MaxRetries
	}
	if r.cfg.MaxRetries > 0 {
		return r.cfg.MaxRetries
	}
	return 1
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
