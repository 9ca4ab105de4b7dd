package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrant/ragmux/internal/core/domain"
)

func testParams() scoringParams {
	return scoringParams{maxRequestsPerServer: 10, rtCeiling: 5 * time.Second, memoryCeiling: 1.0}
}

func healthyRecord(id string) *domain.ServerRecord {
	return &domain.ServerRecord{
		ID:                id,
		State:             domain.StateHealthy,
		ServerSuccessRate: 1.0,
	}
}

func TestRoundRobinCycles(t *testing.T) {
	strategy := newRoundRobin()
	candidates := []*domain.ServerRecord{healthyRecord("a"), healthyRecord("b"), healthyRecord("c")}

	var picked []string
	for i := 0; i < 6; i++ {
		selected, _, err := strategy.Pick(candidates, nil, testParams())
		require.NoError(t, err)
		picked = append(picked, selected.ID)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestLeastConnections(t *testing.T) {
	strategy := newLeastConnections()

	a := healthyRecord("a")
	a.ActiveRequests = 5
	b := healthyRecord("b")
	b.ActiveRequests = 2
	c := healthyRecord("c")
	c.ActiveRequests = 8

	selected, _, err := strategy.Pick([]*domain.ServerRecord{a, b, c}, nil, testParams())
	require.NoError(t, err)
	assert.Equal(t, "b", selected.ID)

	t.Run("ties break by id", func(t *testing.T) {
		c.ActiveRequests = 2
		selected, _, err := strategy.Pick([]*domain.ServerRecord{c, b}, nil, testParams())
		require.NoError(t, err)
		assert.Equal(t, "b", selected.ID)
	})
}

func TestWeightedResponseTime(t *testing.T) {
	strategy := newWeightedResponseTime()

	fast := healthyRecord("fast")
	fast.AvgResponseTime = 50 * time.Millisecond
	slow := healthyRecord("slow")
	slow.AvgResponseTime = 2 * time.Second

	selected, _, err := strategy.Pick([]*domain.ServerRecord{slow, fast}, nil, testParams())
	require.NoError(t, err)
	assert.Equal(t, "fast", selected.ID)

	t.Run("degraded state halves the weight", func(t *testing.T) {
		degraded := healthyRecord("degraded")
		degraded.State = domain.StateDegraded
		degraded.AvgResponseTime = 100 * time.Millisecond
		healthy := healthyRecord("healthy")
		healthy.AvgResponseTime = 100 * time.Millisecond

		selected, _, err := strategy.Pick([]*domain.ServerRecord{degraded, healthy}, nil, testParams())
		require.NoError(t, err)
		assert.Equal(t, "healthy", selected.ID)
	})
}

func TestResourceAware(t *testing.T) {
	strategy := newResourceAware()

	loaded := healthyRecord("loaded")
	loaded.CPUUsage = 0.9
	loaded.MemoryUsage = 0.8
	idle := healthyRecord("idle")
	idle.CPUUsage = 0.1
	idle.MemoryUsage = 0.2

	selected, _, err := strategy.Pick([]*domain.ServerRecord{loaded, idle}, nil, testParams())
	require.NoError(t, err)
	assert.Equal(t, "idle", selected.ID)
}

func TestCapabilityBased(t *testing.T) {
	strategy := newCapabilityBased()

	plain := healthyRecord("plain")
	vector := healthyRecord("vector")
	vector.Capabilities = []string{domain.CapabilityVectorSearch}

	t.Run("routes to capable server", func(t *testing.T) {
		req := &domain.RAGRequest{Query: "vector similarity search for docs"}
		selected, _, err := strategy.Pick([]*domain.ServerRecord{plain, vector}, req, testParams())
		require.NoError(t, err)
		assert.Equal(t, "vector", selected.ID)
	})

	t.Run("falls back to least connections without capable servers", func(t *testing.T) {
		req := &domain.RAGRequest{Query: "graph relationship traversal"}
		plain.ActiveRequests = 1
		vector.ActiveRequests = 3

		selected, reasoning, err := strategy.Pick([]*domain.ServerRecord{plain, vector}, req, testParams())
		require.NoError(t, err)
		assert.Equal(t, "plain", selected.ID)
		assert.Contains(t, reasoning[0], "fallback")
	})
}

func TestInferCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		req      *domain.RAGRequest
		expected []string
	}{
		{"plain query", &domain.RAGRequest{Query: "what is the capital of France"}, nil},
		{"vector terms", &domain.RAGRequest{Query: "vector search the corpus"}, []string{domain.CapabilityVectorSearch}},
		{"similarity in context", &domain.RAGRequest{Query: "find docs", Context: "use similarity ranking"}, []string{domain.CapabilityVectorSearch}},
		{"graph terms", &domain.RAGRequest{Query: "relationship between entities"}, []string{domain.CapabilityGraphQuery}},
		{"complex keyword", &domain.RAGRequest{Query: "complex multi-step reasoning"}, []string{domain.CapabilityAdvancedProcessing}},
		{"high fanout", &domain.RAGRequest{Query: "find docs", MaxResults: 25}, []string{domain.CapabilityAdvancedProcessing}},
		{"nil request", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, InferCapabilities(tt.req))
		})
	}
}

func TestPredictive(t *testing.T) {
	strategy := newPredictive()

	reliable := healthyRecord("reliable")
	reliable.AvgResponseTime = 100 * time.Millisecond
	reliable.ServerSuccessRate = 0.99
	flaky := healthyRecord("flaky")
	flaky.AvgResponseTime = 100 * time.Millisecond
	flaky.ServerSuccessRate = 0.4

	selected, _, err := strategy.Pick([]*domain.ServerRecord{flaky, reliable}, nil, testParams())
	require.NoError(t, err)
	assert.Equal(t, "reliable", selected.ID)
}

func TestStrategiesRejectEmptyCandidates(t *testing.T) {
	stats := newStatsTable(5 * time.Second)
	strategies := []strategy{
		newRoundRobin(),
		newLeastConnections(),
		newWeightedResponseTime(),
		newResourceAware(),
		newCapabilityBased(),
		newPredictive(),
		newAdaptive(stats),
	}

	for _, s := range strategies {
		t.Run(s.Name(), func(t *testing.T) {
			_, _, err := s.Pick(nil, &domain.RAGRequest{Query: "q"}, testParams())
			assert.ErrorIs(t, err, domain.ErrNoServersAvailable)
		})
	}
}

func TestAdaptiveFollowsEffectiveness(t *testing.T) {
	stats := newStatsTable(5 * time.Second)
	strategy := newAdaptive(stats)

	// Make resource_aware the clear winner and least_connections poor.
	for i := 0; i < 20; i++ {
		stats.record(StrategyResourceAware, true, 10*time.Millisecond)
		stats.record(StrategyLeastConnections, false, time.Second)
	}

	assert.Equal(t, StrategyResourceAware, strategy.bestSubName())

	idle := healthyRecord("idle")
	idle.CPUUsage = 0.1
	busyButFewConns := healthyRecord("busy")
	busyButFewConns.CPUUsage = 0.95
	busyButFewConns.MemoryUsage = 0.95

	selected, reasoning, err := strategy.Pick([]*domain.ServerRecord{busyButFewConns, idle}, nil, testParams())
	require.NoError(t, err)
	assert.Equal(t, "idle", selected.ID)
	assert.Contains(t, reasoning[0], StrategyResourceAware)
}

func TestStatsTableEffectiveness(t *testing.T) {
	stats := newStatsTable(5 * time.Second)

	t.Run("unknown strategy is zero", func(t *testing.T) {
		assert.Zero(t, stats.effectiveness("nope"))
	})

	t.Run("perfect fast strategy nears one", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			stats.record("fast", true, 50*time.Millisecond)
		}
		assert.InDelta(t, 0.997, stats.effectiveness("fast"), 0.01)
	})

	t.Run("slow failing strategy nears zero", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			stats.record("bad", false, 10*time.Second)
		}
		assert.InDelta(t, 0.0, stats.effectiveness("bad"), 0.01)
	})
}

func TestStatsTableTrend(t *testing.T) {
	stats := newStatsTable(5 * time.Second)

	t.Run("few samples are stable", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			stats.record("sparse", true, time.Millisecond)
		}
		assert.Equal(t, TrendStable, stats.trend("sparse"))
	})

	t.Run("improving outcomes detected", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			stats.record("up", false, time.Millisecond)
		}
		for i := 0; i < 10; i++ {
			stats.record("up", true, time.Millisecond)
		}
		assert.Equal(t, TrendImproving, stats.trend("up"))
	})

	t.Run("degrading outcomes detected", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			stats.record("down", true, time.Millisecond)
		}
		for i := 0; i < 10; i++ {
			stats.record("down", false, time.Millisecond)
		}
		assert.Equal(t, TrendDegrading, stats.trend("down"))
	})
}
