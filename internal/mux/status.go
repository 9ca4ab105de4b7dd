package mux

import (
	"time"

	"github.com/ferrant/ragmux/internal/core/domain"
)

// Status aggregates the pool view served to operators. Safe to call
// before Initialize; the counters are simply zero.
func (m *Multiplexer) Status() domain.MultiplexerStatus {
	status := domain.MultiplexerStatus{}

	m.mu.Lock()
	initialized := m.initialized
	startTime := m.startTime
	m.mu.Unlock()

	if !initialized {
		return status
	}

	for _, record := range m.registry.Snapshot() {
		status.TotalServers++
		switch record.State {
		case domain.StateHealthy:
			status.HealthyServers++
		case domain.StateDegraded:
			status.DegradedServers++
		case domain.StateUnhealthy:
			status.UnhealthyServers++
		}
	}
	status.IsHealthy = status.HealthyServers+status.DegradedServers > 0

	status.CurrentStrategy = m.balancer.CurrentStrategy()
	status.QueueSize = m.manager.QueueSize()

	poolStats := m.collector.GetPoolStats()
	status.AvgResponseTime = poolStats.AvgLatency
	status.Throughput = poolStats.Throughput
	status.ErrorRate = m.collector.ErrorRate(m.cfg.Health.MonitoringWindow)
	status.UptimeMs = time.Since(startTime).Milliseconds()

	return status
}
