package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
	"github.com/ferrant/ragmux/internal/core/ports"
)

const maxConcurrentProbes = 8

// Monitor drives the per-server probe loop and owns the circuit
// breakers. It is the only writer of breaker state and of the liveness
// state on server records.
type Monitor struct {
	registry  ports.ServerRegistry
	breaker   *CircuitBreaker
	prober    Prober
	publisher ports.EventPublisher
	cfg       config.HealthConfig
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewMonitor(registry ports.ServerRegistry, prober Prober, publisher ports.EventPublisher, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	m := &Monitor{
		registry:  registry,
		prober:    prober,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "health"),
	}
	m.breaker = NewCircuitBreaker(cfg, m.onBreakerTransition)
	return m
}

func (m *Monitor) onBreakerTransition(serverID string, from, to domain.BreakerState, reason string) {
	m.logger.Info("Circuit breaker transition",
		"server", serverID,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)

	if m.publisher != nil {
		event := domain.NewEvent(domain.EventBreakerChanged)
		event.ServerID = serverID
		event.FromBreakerState = from
		event.ToBreakerState = to
		event.Reason = reason
		m.publisher.Publish(event)
	}
}

// CanExecute implements ports.HealthGate.
func (m *Monitor) CanExecute(serverID string) bool {
	return m.breaker.CanExecute(serverID)
}

// RecordOutcome feeds one request outcome into the breaker and the
// server's liveness state. Failures that do not count against health
// (application errors) are recorded as breaker successes.
func (m *Monitor) RecordOutcome(serverID string, success bool, latency time.Duration, err error) {
	breakerSuccess := success
	if !success && err != nil && !domain.KindOf(err).CountsAsHealthFailure() {
		breakerSuccess = true
	}

	m.breaker.Record(serverID, breakerSuccess, latency)
	m.updateLiveness(serverID, breakerSuccess)
}

func (m *Monitor) updateLiveness(serverID string, success bool) {
	var fromState, toState domain.ServerState

	updateErr := m.registry.Update(serverID, func(record *domain.ServerRecord) {
		fromState = record.State
		now := time.Now()
		record.LastHealthCheck = now

		if success {
			record.ConsecutiveFailures = 0
			record.ConsecutiveSuccesses++
			record.LastSuccess = now
			if m.breaker.State(serverID) == domain.BreakerClosed {
				toState = domain.StateHealthy
			} else {
				toState = domain.StateDegraded
			}
		} else {
			record.ConsecutiveSuccesses = 0
			record.ConsecutiveFailures++
			record.LastFailure = now
			if record.ConsecutiveFailures >= m.cfg.FailureThreshold {
				toState = domain.StateUnhealthy
			} else {
				toState = domain.StateDegraded
			}
		}

		if toState != fromState && fromState.CanTransitionTo(toState) {
			record.State = toState
		} else {
			toState = fromState
		}
	})
	if updateErr != nil {
		return
	}

	if toState == fromState {
		return
	}

	if toState == domain.StateUnhealthy {
		m.emitServerEvent(domain.EventServerFailure, serverID, domain.TriggerServerFailure)
	} else if fromState == domain.StateUnhealthy && toState.IsRoutable() {
		m.emitServerEvent(domain.EventServerRecovery, serverID, "")
	}
}

func (m *Monitor) emitServerEvent(kind domain.EventKind, serverID string, trigger domain.FailoverTrigger) {
	if m.publisher == nil {
		return
	}
	event := domain.NewEvent(kind)
	event.ServerID = serverID
	event.Trigger = trigger
	m.publisher.Publish(event)
}

// ForceState overrides a server's breaker for maintenance and tests.
func (m *Monitor) ForceState(serverID string, state domain.BreakerState, reason string) {
	m.breaker.ForceState(serverID, state, reason)
}

func (m *Monitor) BreakerState(serverID string) domain.BreakerState {
	return m.breaker.State(serverID)
}

func (m *Monitor) BreakerSnapshot(serverID string) domain.BreakerSnapshot {
	return m.breaker.Snapshot(serverID)
}

// ResetBreaker clears a server's breaker; the recovery loop uses it
// before re-probing unhealthy servers.
func (m *Monitor) ResetBreaker(serverID string) {
	m.breaker.Reset(serverID)
}

// RemoveServer drops breaker state for a deregistered server.
func (m *Monitor) RemoveServer(serverID string) {
	m.breaker.Remove(serverID)
}

// Start launches the probe loop. Stop with Stop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(1)
	go m.probeLoop(ctx)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()
	m.running = false
	return nil
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentProbes)

	for _, record := range m.registry.Snapshot() {
		serverID := record.ID
		group.Go(func() error {
			m.ProbeServer(groupCtx, serverID)
			return nil
		})
	}
	_ = group.Wait()
}

// ProbeServer performs one ping probe (and a best-effort metrics fetch)
// against a server and records the outcome.
func (m *Monitor) ProbeServer(ctx context.Context, serverID string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	latency, err := m.prober.Ping(probeCtx, serverID)
	success := err == nil

	m.RecordOutcome(serverID, success, latency, err)

	if !success {
		m.logger.Debug("Ping probe failed", "server", serverID, "error", err)
		return
	}

	// Metrics failures never count against health.
	metricsCtx, metricsCancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer metricsCancel()

	metrics, err := m.prober.Metrics(metricsCtx, serverID)
	if err != nil {
		m.logger.Debug("Metrics probe failed", "server", serverID, "error", err)
		return
	}

	_ = m.registry.Update(serverID, func(record *domain.ServerRecord) {
		record.MemoryUsage = metrics.MemoryUsage
		record.CPUUsage = metrics.CPUUsage
		record.DiskUsage = metrics.DiskUsage
		record.ConnectionCount = metrics.ConnectionCount
		record.ReportedQueue = metrics.QueueSize
	})
}
