// Package mux is the multiplexer facade: one entry point that fronts
// the server registry, health monitor, load balancer, router and pool
// manager, and drives failover across them.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferrant/ragmux/internal/adapter/balancer"
	"github.com/ferrant/ragmux/internal/adapter/health"
	"github.com/ferrant/ragmux/internal/adapter/pool"
	"github.com/ferrant/ragmux/internal/adapter/registry"
	"github.com/ferrant/ragmux/internal/adapter/router"
	"github.com/ferrant/ragmux/internal/adapter/stats"
	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
	"github.com/ferrant/ragmux/internal/core/ports"
	"github.com/ferrant/ragmux/pkg/eventbus"
	litepool "github.com/ferrant/ragmux/pkg/pool"
)

const metricsPublishInterval = 30 * time.Second

var ErrAlreadyInitialized = errors.New("multiplexer already initialized")

// Multiplexer fronts the backend pool. Callers Execute requests against
// it; everything behind the facade is wired during Initialize.
type Multiplexer struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  ports.ServerRegistry
	collector ports.StatsCollector
	bus       *eventbus.Bus[domain.Event]
	monitor   *health.Monitor
	balancer  *balancer.Balancer
	router    *router.Router
	manager   *pool.Manager
	failovers *failoverLog
	contexts  *litepool.Lite[*domain.RequestContext]

	mu           sync.Mutex
	initialized  bool
	shuttingDown bool
	startTime    time.Time
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

func New(cfg *config.Config, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:       cfg,
		logger:    logger.With("component", "mux"),
		registry:  registry.NewMemoryRegistry(),
		collector: stats.NewCollector(),
		bus:       eventbus.New[domain.Event](),
		failovers: &failoverLog{},
		contexts:  litepool.NewLitePool(func() *domain.RequestContext { return &domain.RequestContext{} }),
	}
}

// Publish implements ports.EventPublisher over the bus.
func (m *Multiplexer) Publish(event domain.Event) {
	m.bus.Publish(event)
}

// Subscribe returns a channel of core events and a cancel function.
func (m *Multiplexer) Subscribe(ctx context.Context) (<-chan domain.Event, func(), error) {
	return m.bus.Subscribe(ctx)
}

// Initialize wires every component, registers the configured servers
// and starts the background loops. A second call fails.
func (m *Multiplexer) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return ErrAlreadyInitialized
	}

	lb, err := balancer.New(m.cfg.LoadBalancing, m.cfg.Pool, m, m.logger)
	if err != nil {
		return err
	}
	m.balancer = lb

	rt, err := router.New(m.cfg.Routing, m.cfg.Pool, lb, m.logger)
	if err != nil {
		return err
	}
	m.router = rt

	m.manager = pool.NewManager(m.registry, m.collector, m, m.cfg.Pool, m.logger)
	m.manager.SetSelector(m.selectForQueue)
	m.manager.SetOutcomeListener(m.queueOutcome)

	m.monitor = health.NewMonitor(m.registry, m.manager, m, m.cfg.Health, m.logger)

	for _, serverCfg := range m.cfg.Servers {
		if _, err := m.registry.Add(serverCfg); err != nil {
			return err
		}
	}

	if err := m.monitor.Start(ctx); err != nil {
		return err
	}
	if err := m.balancer.Start(ctx); err != nil {
		return err
	}
	if err := m.manager.Start(ctx); err != nil {
		return err
	}

	m.stopCh = make(chan struct{})
	m.startTime = time.Now()
	m.initialized = true

	if m.cfg.Failover.AutoRecovery {
		m.wg.Add(1)
		go m.recoveryLoop(ctx)
	}
	m.wg.Add(1)
	go m.metricsLoop(ctx)

	// Registered servers stay in the initializing state until their
	// first probe; kick one off now rather than waiting a full tick.
	for _, record := range m.registry.Snapshot() {
		serverID := record.ID
		go m.monitor.ProbeServer(ctx, serverID)
	}

	m.logger.Info("Multiplexer initialized",
		"servers", m.registry.Len(),
		"strategy", m.balancer.CurrentStrategy(),
		"intelligent_routing", m.cfg.Routing.IntelligentEnabled)
	m.Publish(domain.NewEvent(domain.EventInitialized))

	return nil
}

func (m *Multiplexer) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return domain.ErrNotInitialized
	}
	if m.shuttingDown {
		return domain.ErrShutdown
	}
	return nil
}

// Execute serves one request. With free capacity it dispatches
// directly, failing over across servers; with the pool saturated it
// queues and waits.
func (m *Multiplexer) Execute(ctx context.Context, req *domain.RAGRequest) (*domain.RAGResponse, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	timeout := m.cfg.Pool.RequestTimeout
	if req.Metadata.Timeout > 0 && req.Metadata.Timeout < timeout {
		timeout = req.Metadata.Timeout
	}

	// Request contexts are pooled; anything that outlives the call, such
	// as an error's routing history, is copied out before Put resets it.
	reqCtx := m.contexts.Get()
	defer m.contexts.Put(reqCtx)
	reqCtx.ID = uuid.NewString()
	reqCtx.Request = req
	reqCtx.Priority = req.PriorityValue()
	reqCtx.Deadline = time.Now().Add(timeout)

	start := time.Now()

	var response *domain.RAGResponse
	var err error
	if m.hasCapacity() {
		response, err = m.executeDirect(ctx, reqCtx)
	} else {
		response, err = m.manager.Submit(ctx, reqCtx.ID, req, reqCtx.Priority, reqCtx.Deadline)
	}

	m.publishCompleted(reqCtx.ID, response, err, time.Since(start))
	return response, err
}

func (m *Multiplexer) executeDirect(ctx context.Context, reqCtx *domain.RequestContext) (*domain.RAGResponse, error) {
	if m.cfg.Routing.IntelligentEnabled {
		return m.router.Route(ctx, reqCtx, m.eligibleServers, func(attemptCtx context.Context, decision domain.RoutingDecision) (*domain.RAGResponse, error) {
			return m.dispatchDecision(attemptCtx, reqCtx, decision)
		})
	}
	return m.executeBalanced(ctx, reqCtx)
}

// executeBalanced drives the load balancer path with the failover loop
// from the failover configuration.
func (m *Multiplexer) executeBalanced(ctx context.Context, reqCtx *domain.RequestContext) (*domain.RAGResponse, error) {
	maxAttempts := 1
	if m.cfg.Failover.Enabled && m.cfg.Failover.MaxAttempts > 1 {
		maxAttempts = m.cfg.Failover.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidates := m.eligibleServersExcluding(reqCtx.FailedServers())
		if len(candidates) == 0 {
			break
		}

		decision, err := m.balancer.Select(ctx, candidates, reqCtx.Request)
		if err != nil {
			break
		}

		start := time.Now()
		response, dispatchErr := m.dispatchDecision(ctx, reqCtx, decision)
		reqCtx.RecordAttempt(decision.ServerID, dispatchErr == nil, time.Since(start), dispatchErr)

		if dispatchErr == nil {
			return response, nil
		}
		if !domain.KindOf(dispatchErr).Retryable() {
			return nil, dispatchErr
		}
		lastErr = dispatchErr

		if attempt+1 < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.Failover.Delay * time.Duration(attempt+1)):
			}
		}
	}

	if lastErr == nil {
		return nil, domain.NewRequestError(domain.ErrKindNoServersAvailable, reqCtx.ID, "", reqCtx.RoutingHistory, domain.ErrNoServersAvailable)
	}
	return nil, domain.NewRequestError(domain.ErrKindFailoverExhausted, reqCtx.ID, "", reqCtx.RoutingHistory, lastErr)
}

// dispatchDecision runs one attempt and feeds the outcome to the health
// monitor and balancer. When the attempt follows a failure it also
// records the failover.
func (m *Multiplexer) dispatchDecision(ctx context.Context, reqCtx *domain.RequestContext, decision domain.RoutingDecision) (*domain.RAGResponse, error) {
	var prior *domain.RoutingAttempt
	if n := len(reqCtx.RoutingHistory); n > 0 && !reqCtx.RoutingHistory[n-1].Success {
		prior = &reqCtx.RoutingHistory[n-1]
	}

	wireID := fmt.Sprintf("%s-%d", reqCtx.ID, len(reqCtx.RoutingHistory))

	start := time.Now()
	response, err := m.manager.Dispatch(ctx, decision.ServerID, wireID, reqCtx.Request)
	latency := time.Since(start)

	m.monitor.RecordOutcome(decision.ServerID, err == nil, latency, err)
	m.balancer.RecordOutcome(decision, err == nil, latency)

	if prior != nil {
		event := domain.FailoverEvent{
			Timestamp:    time.Now(),
			Trigger:      triggerFor(prior.Error),
			FromServerID: prior.ServerID,
			ToServerID:   decision.ServerID,
			RequestID:    reqCtx.ID,
			Success:      err == nil,
			RecoveryMs:   time.Since(prior.Timestamp).Milliseconds(),
		}
		m.recordFailover(event)
	}

	return response, err
}

func (m *Multiplexer) recordFailover(event domain.FailoverEvent) {
	m.failovers.record(event)

	busEvent := domain.NewEvent(domain.EventFailoverTrigger)
	busEvent.ServerID = event.FromServerID
	busEvent.RequestID = event.RequestID
	busEvent.Trigger = event.Trigger
	busEvent.Success = event.Success
	busEvent.Failover = &event
	m.Publish(busEvent)
}

// selectForQueue is the pool manager's selection function for queued
// items.
func (m *Multiplexer) selectForQueue(ctx context.Context, req *domain.RAGRequest, exclude map[string]struct{}) (domain.RoutingDecision, error) {
	candidates := m.eligibleServersExcluding(exclude)
	if len(candidates) == 0 {
		return domain.RoutingDecision{}, domain.ErrNoServersAvailable
	}

	if m.cfg.Routing.IntelligentEnabled {
		return m.router.SelectFor(ctx, candidates, req, nil)
	}
	return m.balancer.Select(ctx, candidates, req)
}

// queueOutcome feeds queue dispatch outcomes back into the learning
// components.
func (m *Multiplexer) queueOutcome(decision domain.RoutingDecision, success bool, latency time.Duration, err error) {
	m.monitor.RecordOutcome(decision.ServerID, success, latency, err)
	m.balancer.RecordOutcome(decision, success, latency)
	if decision.RuleID != "" {
		m.router.RecordOutcome(decision, success)
	}
}

// eligibleServers returns the routable candidates: record eligibility
// plus circuit breaker admission.
func (m *Multiplexer) eligibleServers() []*domain.ServerRecord {
	return m.eligibleServersExcluding(nil)
}

func (m *Multiplexer) eligibleServersExcluding(exclude map[string]struct{}) []*domain.ServerRecord {
	snapshot := m.registry.Snapshot()
	eligible := make([]*domain.ServerRecord, 0, len(snapshot))
	for _, record := range snapshot {
		if _, excluded := exclude[record.ID]; excluded {
			continue
		}
		if !record.IsEligible(m.cfg.Pool.MaxRequestsPerServer, m.cfg.Pool.CircuitBreakerThreshold) {
			continue
		}
		if !m.monitor.CanExecute(record.ID) {
			continue
		}
		eligible = append(eligible, record)
	}
	return eligible
}

func (m *Multiplexer) hasCapacity() bool {
	return len(m.eligibleServers()) > 0
}

func (m *Multiplexer) publishCompleted(requestID string, response *domain.RAGResponse, err error, duration time.Duration) {
	event := domain.NewEvent(domain.EventRequestCompleted)
	event.RequestID = requestID
	event.Duration = duration
	event.Success = err == nil
	if err != nil {
		event.Error = err.Error()
	} else if response != nil {
		event.ServerID = response.Metadata.ServerID
	}
	m.Publish(event)
}

// AddServer registers a backend at runtime and probes it immediately.
func (m *Multiplexer) AddServer(ctx context.Context, serverCfg domain.ServerConfig) error {
	if err := m.ready(); err != nil {
		return err
	}

	record, err := m.registry.Add(serverCfg)
	if err != nil {
		return err
	}

	if err := m.manager.OpenServer(ctx, record.ID); err != nil {
		m.logger.Warn("Initial connection failed", "server", record.ID, "error", err)
	}
	go m.monitor.ProbeServer(ctx, record.ID)

	event := domain.NewEvent(domain.EventServerAdded)
	event.ServerID = record.ID
	m.Publish(event)
	return nil
}

// RemoveServer drains and deregisters a backend.
func (m *Multiplexer) RemoveServer(ctx context.Context, serverID string) error {
	if err := m.ready(); err != nil {
		return err
	}

	if err := m.manager.CloseServer(ctx, serverID); err != nil {
		m.logger.Warn("Server drain failed", "server", serverID, "error", err)
	}
	if err := m.registry.Remove(serverID); err != nil {
		return err
	}
	m.monitor.RemoveServer(serverID)

	event := domain.NewEvent(domain.EventServerRemoved)
	event.ServerID = serverID
	m.Publish(event)
	return nil
}

// ForceFailover opens a server's circuit breaker so traffic shifts away
// from it immediately.
func (m *Multiplexer) ForceFailover(serverID, reason string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if _, ok := m.registry.Get(serverID); !ok {
		return &domain.ServerNotFoundError{ID: serverID}
	}

	m.monitor.ForceState(serverID, domain.BreakerOpen, reason)
	m.recordFailover(domain.FailoverEvent{
		Timestamp:    time.Now(),
		Trigger:      domain.TriggerManual,
		FromServerID: serverID,
	})
	return nil
}

// FailoverHistory returns the recent failovers, oldest first.
func (m *Multiplexer) FailoverHistory() []domain.FailoverEvent {
	return m.failovers.history()
}

// recoveryLoop periodically resets breakers on unhealthy servers and
// re-probes them so recovered backends rejoin the pool.
func (m *Multiplexer) recoveryLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.Failover.RecoveryCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, record := range m.registry.Snapshot() {
				if record.State != domain.StateUnhealthy {
					continue
				}
				serverID := record.ID
				m.monitor.ResetBreaker(serverID)
				go m.monitor.ProbeServer(ctx, serverID)
			}
		}
	}
}

func (m *Multiplexer) metricsLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(metricsPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			status := m.Status()
			event := domain.NewEvent(domain.EventMetricsUpdated)
			event.Status = &status
			m.Publish(event)
		}
	}
}

// Shutdown stops the background loops and the components in dependency
// order, draining in-flight work.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized || m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()

	var firstErr error
	if err := m.balancer.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.monitor.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.manager.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	m.bus.Shutdown()
	m.logger.Info("Multiplexer shut down")
	return firstErr
}
