package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrant/ragmux/internal/core/domain"
)

func TestRuleMatchPriorityOrder(t *testing.T) {
	rules := newRuleSet(DefaultRules())

	tests := []struct {
		name     string
		request  *domain.RAGRequest
		expected string
	}{
		{"high priority wins over everything", &domain.RAGRequest{Query: "vector similarity", Priority: domain.PriorityHigh}, "high_priority"},
		{"vector keyword in query", &domain.RAGRequest{Query: "vector search over docs"}, "vector_search"},
		{"similarity keyword in context", &domain.RAGRequest{Query: "plain", Context: "rank by similarity"}, "vector_search"},
		{"long query", &domain.RAGRequest{Query: strings.Repeat("q", 501)}, "complex_query"},
		{"high fanout", &domain.RAGRequest{Query: "plain", MaxResults: 11}, "complex_query"},
		{"catch all", &domain.RAGRequest{Query: "plain"}, "load_balance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, rules.match(tt.request).ID)
		})
	}
}

func TestRuleMatchCounts(t *testing.T) {
	rules := newRuleSet(DefaultRules())

	rules.match(&domain.RAGRequest{Query: "plain"})
	rules.match(&domain.RAGRequest{Query: "plain"})
	rules.match(&domain.RAGRequest{Query: "similarity search"})

	byID := make(map[string]RuleStats)
	for _, stats := range rules.snapshot() {
		byID[stats.RuleID] = stats
	}
	assert.EqualValues(t, 2, byID["load_balance"].Matched)
	assert.EqualValues(t, 1, byID["vector_search"].Matched)
	assert.Zero(t, byID["high_priority"].Matched)
}

func TestRuleEffectiveness(t *testing.T) {
	rules := newRuleSet(DefaultRules())

	// First observation seeds the average directly.
	rules.recordOutcome("load_balance", true)
	byID := make(map[string]RuleStats)
	for _, stats := range rules.snapshot() {
		byID[stats.RuleID] = stats
	}
	assert.Equal(t, 1.0, byID["load_balance"].Effectiveness)

	rules.recordOutcome("load_balance", false)
	for _, stats := range rules.snapshot() {
		byID[stats.RuleID] = stats
	}
	assert.InDelta(t, 0.9, byID["load_balance"].Effectiveness, 0.001)

	// Unknown rules are ignored.
	rules.recordOutcome("nonexistent", true)
	for _, stats := range rules.snapshot() {
		assert.NotEqual(t, "nonexistent", stats.RuleID)
	}
}

func TestSnapshotOrderedByPriority(t *testing.T) {
	rules := newRuleSet(DefaultRules())

	snapshot := rules.snapshot()
	require.Len(t, snapshot, 4)
	assert.Equal(t, "high_priority", snapshot[0].RuleID)
	assert.Equal(t, "vector_search", snapshot[1].RuleID)
	assert.Equal(t, "complex_query", snapshot[2].RuleID)
	assert.Equal(t, "load_balance", snapshot[3].RuleID)
}

func TestRuleGet(t *testing.T) {
	rules := newRuleSet(DefaultRules())

	rule, ok := rules.get("high_priority")
	require.True(t, ok)
	assert.Equal(t, 5, rule.MaxRetries)

	_, ok = rules.get("nonexistent")
	assert.False(t, ok)
}
