// Package stats aggregates pool-wide request statistics for status
// reporting and error-rate windows.
package stats

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ferrant/ragmux/internal/core/ports"
)

const (
	emaAlpha = 0.1
	// outcomes kept per window; oldest evicted first
	maxOutcomes = 1024
)

type outcome struct {
	at      time.Time
	success bool
}

// Collector tracks global traffic counters, an EMA of latency and a
// bounded timestamped outcome window for error-rate queries.
type Collector struct {
	connections *xsync.Map[string, *xsync.Counter]

	mu         sync.Mutex
	total      int64
	successes  int64
	failures   int64
	avgLatency time.Duration
	outcomes   []outcome
	startTime  time.Time
}

func NewCollector() *Collector {
	return &Collector{
		connections: xsync.NewMap[string, *xsync.Counter](),
		startTime:   time.Now(),
	}
}

func (c *Collector) RecordRequest(serverID string, success bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	if success {
		c.successes++
	} else {
		c.failures++
	}

	if c.avgLatency == 0 {
		c.avgLatency = latency
	} else {
		c.avgLatency = time.Duration(float64(c.avgLatency)*(1-emaAlpha) + float64(latency)*emaAlpha)
	}

	c.outcomes = append(c.outcomes, outcome{at: time.Now(), success: success})
	if len(c.outcomes) > maxOutcomes {
		c.outcomes = c.outcomes[len(c.outcomes)-maxOutcomes:]
	}
}

func (c *Collector) RecordConnection(serverID string, delta int) {
	counter, _ := c.connections.LoadOrCompute(serverID, func() (*xsync.Counter, bool) {
		return xsync.NewCounter(), false
	})
	counter.Add(int64(delta))
}

func (c *Collector) GetConnectionStats() map[string]int64 {
	result := make(map[string]int64)
	c.connections.Range(func(id string, counter *xsync.Counter) bool {
		result[id] = counter.Value()
		return true
	})
	return result
}

func (c *Collector) GetPoolStats() ports.PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(c.total) / elapsed
	}

	return ports.PoolStats{
		TotalRequests:      c.total,
		SuccessfulRequests: c.successes,
		FailedRequests:     c.failures,
		AvgLatency:         c.avgLatency,
		Throughput:         throughput,
	}
}

// ErrorRate returns the failure ratio over the trailing window.
func (c *Collector) ErrorRate(window time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var total, failed int
	for i := len(c.outcomes) - 1; i >= 0; i-- {
		if c.outcomes[i].at.Before(cutoff) {
			break
		}
		total++
		if !c.outcomes[i].success {
			failed++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
