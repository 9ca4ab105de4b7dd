package balancer

import (
	"sync"
	"time"
)

const (
	emaAlpha        = 0.1
	trendWindow     = 50
	trendThreshold  = 0.05
	minTrendSamples = 10
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// StrategyStats tracks one strategy's decision outcomes. Effectiveness
// is the per-strategy signal driving adaptation; it is unrelated to a
// server's lifetime success rate.
type StrategyStats struct {
	TotalDecisions      int64         `json:"total_decisions"`
	SuccessfulDecisions int64         `json:"successful_decisions"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	Effectiveness       float64       `json:"effectiveness"`
	Trend               Trend         `json:"trend"`
}

type strategyRecord struct {
	total      int64
	successful int64
	avgRT      time.Duration
	recent     []bool // ring of the last trendWindow outcomes
}

type statsTable struct {
	mu        sync.Mutex
	records   map[string]*strategyRecord
	rtCeiling time.Duration
}

func newStatsTable(rtCeiling time.Duration) *statsTable {
	if rtCeiling <= 0 {
		rtCeiling = 5 * time.Second
	}
	return &statsTable{
		records:   make(map[string]*strategyRecord),
		rtCeiling: rtCeiling,
	}
}

func (t *statsTable) record(strategyName string, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.records[strategyName]
	if record == nil {
		record = &strategyRecord{}
		t.records[strategyName] = record
	}

	record.total++
	if success {
		record.successful++
	}

	if record.avgRT == 0 {
		record.avgRT = latency
	} else {
		record.avgRT = time.Duration(float64(record.avgRT)*(1-emaAlpha) + float64(latency)*emaAlpha)
	}

	record.recent = append(record.recent, success)
	if len(record.recent) > trendWindow {
		record.recent = record.recent[len(record.recent)-trendWindow:]
	}
}

// StrategyEffectiveness is the adaptation signal:
// 0.7*success_rate + 0.3*max(0, 1 - avg_rt/ceiling).
func (t *statsTable) effectiveness(strategyName string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectivenessLocked(strategyName)
}

func (t *statsTable) effectivenessLocked(strategyName string) float64 {
	record := t.records[strategyName]
	if record == nil || record.total == 0 {
		return 0
	}

	successRate := float64(record.successful) / float64(record.total)
	latencyTerm := 1 - float64(record.avgRT)/float64(t.rtCeiling)
	if latencyTerm < 0 {
		latencyTerm = 0
	}
	return 0.7*successRate + 0.3*latencyTerm
}

func (t *statsTable) decisions(strategyName string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.records[strategyName]
	if record == nil {
		return 0
	}
	return record.total
}

// trend splits the recent outcomes in half and compares success rates.
func (t *statsTable) trend(strategyName string) Trend {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.records[strategyName]
	if record == nil || len(record.recent) < minTrendSamples {
		return TrendStable
	}

	half := len(record.recent) / 2
	older, newer := record.recent[:half], record.recent[half:]

	delta := successRatio(newer) - successRatio(older)
	switch {
	case delta > trendThreshold:
		return TrendImproving
	case delta < -trendThreshold:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func (t *statsTable) snapshot() map[string]StrategyStats {
	t.mu.Lock()
	names := make([]string, 0, len(t.records))
	for name := range t.records {
		names = append(names, name)
	}
	t.mu.Unlock()

	result := make(map[string]StrategyStats, len(names))
	for _, name := range names {
		t.mu.Lock()
		record := t.records[name]
		stats := StrategyStats{
			TotalDecisions:      record.total,
			SuccessfulDecisions: record.successful,
			AvgResponseTime:     record.avgRT,
			Effectiveness:       t.effectivenessLocked(name),
		}
		t.mu.Unlock()
		stats.Trend = t.trend(name)
		result[name] = stats
	}
	return result
}

func successRatio(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var successes int
	for _, ok := range outcomes {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(outcomes))
}
