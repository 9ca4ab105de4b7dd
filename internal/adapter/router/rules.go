// Package router implements rule-driven request routing: a prioritised
// rule table decides how a request should be placed, a composite score
// picks the server and failover retries around failed servers.
package router

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferrant/ragmux/internal/adapter/balancer"
	"github.com/ferrant/ragmux/internal/core/domain"
)

const ruleEffectivenessAlpha = 0.1

// Rule is one routing policy. The highest-priority matching rule wins;
// its strategy, sub-pool, capability requirements, retry budget and
// timeout override the defaults for the request. An empty Strategy
// leaves selection to the composite scorer.
type Rule struct {
	ID                   string
	Name                 string
	Priority             int
	Matches              func(req *domain.RAGRequest) bool
	Strategy             string
	TargetServerIDs      []string
	RequiredCapabilities []string
	MaxRetries           int
	Timeout              time.Duration
}

// RuleStats is the exported per-rule effectiveness view.
type RuleStats struct {
	RuleID        string  `json:"rule_id"`
	Matched       int64   `json:"matched"`
	Effectiveness float64 `json:"effectiveness"`
}

// ruleSet holds the rules sorted by priority descending plus an
// effectiveness EMA per rule.
type ruleSet struct {
	mu            sync.RWMutex
	rules         []Rule
	byID          map[string]Rule
	matched       map[string]int64
	effectiveness map[string]float64
}

func newRuleSet(rules []Rule) *ruleSet {
	s := &ruleSet{
		byID:          make(map[string]Rule, len(rules)),
		matched:       make(map[string]int64),
		effectiveness: make(map[string]float64),
	}
	for _, rule := range rules {
		s.insertLocked(rule)
	}
	return s
}

// add inserts one rule at its priority position.
func (s *ruleSet) add(rule Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(rule)
}

func (s *ruleSet) insertLocked(rule Rule) {
	s.rules = append(s.rules, rule)
	sort.SliceStable(s.rules, func(a, b int) bool {
		return s.rules[a].Priority > s.rules[b].Priority
	})
	s.byID[rule.ID] = rule
}

// match returns the highest-priority rule accepting the request. The
// catch-all rule guarantees a match.
func (s *ruleSet) match(req *domain.RAGRequest) Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rule := range s.rules {
		if rule.Matches == nil || rule.Matches(req) {
			s.matched[rule.ID]++
			return rule
		}
	}
	return s.rules[len(s.rules)-1]
}

func (s *ruleSet) get(ruleID string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.byID[ruleID]
	return rule, ok
}

func (s *ruleSet) recordOutcome(ruleID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ruleID]; !ok {
		return
	}

	observed := 0.0
	if success {
		observed = 1.0
	}
	current, seen := s.effectiveness[ruleID]
	if !seen {
		s.effectiveness[ruleID] = observed
		return
	}
	s.effectiveness[ruleID] = current*(1-ruleEffectivenessAlpha) + observed*ruleEffectivenessAlpha
}

func (s *ruleSet) snapshot() []RuleStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]RuleStats, 0, len(s.rules))
	for _, rule := range s.rules {
		stats = append(stats, RuleStats{
			RuleID:        rule.ID,
			Matched:       s.matched[rule.ID],
			Effectiveness: s.effectiveness[rule.ID],
		})
	}
	return stats
}

// DefaultRules seeds the rule table. Order is by priority: explicit
// high-priority traffic, then capability-specific handling, then the
// catch-all rule that defers to composite scoring.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "high_priority",
			Name:     "High priority traffic",
			Priority: 100,
			Matches: func(req *domain.RAGRequest) bool {
				return req.Priority == domain.PriorityHigh
			},
			Strategy:   balancer.StrategyLeastConnections,
			MaxRetries: 5,
		},
		{
			ID:       "vector_search",
			Name:     "Vector similarity queries",
			Priority: 80,
			Matches: func(req *domain.RAGRequest) bool {
				text := strings.ToLower(req.Query + " " + req.Context)
				return strings.Contains(text, "vector") ||
					strings.Contains(text, "similarity")
			},
			Strategy:             balancer.StrategyWeightedResponseTime,
			RequiredCapabilities: []string{domain.CapabilityVectorSearch},
		},
		{
			ID:       "complex_query",
			Name:     "Long or high-fanout queries",
			Priority: 60,
			Matches: func(req *domain.RAGRequest) bool {
				return len(req.Query) > 500 || req.EffectiveMaxResults() > 10
			},
			Strategy:             balancer.StrategyWeightedResponseTime,
			RequiredCapabilities: []string{domain.CapabilityAdvancedProcessing},
		},
		{
			ID:       "load_balance",
			Name:     "Default composite scoring",
			Priority: 1,
		},
	}
}
