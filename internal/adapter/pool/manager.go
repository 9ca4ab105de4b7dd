package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ferrant/ragmux/internal/adapter/health"
	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
	"github.com/ferrant/ragmux/internal/core/ports"
)

const (
	dispatchTick     = 100 * time.Millisecond
	drainTimeout     = 30 * time.Second
	drainPollPeriod  = 100 * time.Millisecond
	serverDrainGrace = 5 * time.Second
)

// SelectFunc picks a server for one request, excluding the given ids.
// The multiplexer wires in either the router or the load balancer.
type SelectFunc func(ctx context.Context, req *domain.RAGRequest, exclude map[string]struct{}) (domain.RoutingDecision, error)

// OutcomeFunc observes the outcome of one queue dispatch so the health
// monitor and balancer can learn from it.
type OutcomeFunc func(decision domain.RoutingDecision, success bool, latency time.Duration, err error)

// Manager owns server connections and the request queue. It dispatches
// one request on one chosen server, retries queue items per the retry
// policy and emits autoscale signals.
type Manager struct {
	registry    ports.ServerRegistry
	collector   ports.StatsCollector
	publisher   ports.EventPublisher
	cfg         config.PoolConfig
	logger      *slog.Logger
	connections *xsync.Map[string, *Connection]
	queue       *requestQueue

	selectFn  SelectFunc
	onOutcome OutcomeFunc

	mu       sync.Mutex
	running  bool
	draining bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewManager(registry ports.ServerRegistry, collector ports.StatsCollector, publisher ports.EventPublisher, cfg config.PoolConfig, logger *slog.Logger) *Manager {
	return &Manager{
		registry:    registry,
		collector:   collector,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger.With("component", "pool"),
		connections: xsync.NewMap[string, *Connection](),
		queue:       newRequestQueue(cfg.QueueCapacity),
	}
}

// SetSelector installs the selection function used by the dispatch
// loop. Must be called before Start.
func (m *Manager) SetSelector(fn SelectFunc) {
	m.selectFn = fn
}

// SetOutcomeListener installs the outcome callback for queue
// dispatches. Must be called before Start.
func (m *Manager) SetOutcomeListener(fn OutcomeFunc) {
	m.onOutcome = fn
}

// OpenServer establishes the connection for a registered server.
// Failure is tolerated; the connection is re-dialled on demand.
func (m *Manager) OpenServer(ctx context.Context, serverID string) error {
	_, err := m.getConnection(ctx, serverID)
	return err
}

// CloseServer waits briefly for the server's in-flight requests to
// drain, then closes its connection.
func (m *Manager) CloseServer(ctx context.Context, serverID string) error {
	deadline := time.Now().Add(serverDrainGrace)
	for time.Now().Before(deadline) {
		record, ok := m.registry.Get(serverID)
		if !ok || record.ActiveRequests == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollPeriod):
		}
	}

	if conn, loaded := m.connections.LoadAndDelete(serverID); loaded {
		return conn.Close()
	}
	return nil
}

func (m *Manager) getConnection(ctx context.Context, serverID string) (*Connection, error) {
	if conn, ok := m.connections.Load(serverID); ok && conn.Connected() {
		return conn, nil
	}

	record, ok := m.registry.Get(serverID)
	if !ok {
		return nil, &domain.ServerNotFoundError{ID: serverID}
	}

	conn := NewConnection(serverID, record.Address(), m.cfg.ConnectionTimeout)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	old, _ := m.connections.LoadAndStore(serverID, conn)
	if old != nil && old != conn {
		_ = old.Close()
	}
	return conn, nil
}

// Ping implements health.Prober.
func (m *Manager) Ping(ctx context.Context, serverID string) (time.Duration, error) {
	start := time.Now()
	conn, err := m.getConnection(ctx, serverID)
	if err != nil {
		return time.Since(start), err
	}
	return conn.Ping(ctx, uuid.NewString())
}

// Metrics implements health.Prober.
func (m *Manager) Metrics(ctx context.Context, serverID string) (health.ResourceMetrics, error) {
	conn, err := m.getConnection(ctx, serverID)
	if err != nil {
		return health.ResourceMetrics{}, err
	}
	return conn.Metrics(ctx, uuid.NewString())
}

// Dispatch executes one request on one chosen server. The active
// counter is released in all paths; counters and pool stats are updated
// here and nowhere else.
func (m *Manager) Dispatch(ctx context.Context, serverID, requestID string, req *domain.RAGRequest) (*domain.RAGResponse, error) {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		return nil, domain.ErrShutdown
	}

	admitted := false
	err := m.registry.Update(serverID, func(record *domain.ServerRecord) {
		if record.ActiveRequests < int64(m.cfg.MaxRequestsPerServer) {
			record.ActiveRequests++
			admitted = true
		}
	})
	if err != nil {
		return nil, err
	}
	if !admitted {
		return nil, &domain.ConnectionError{Err: fmt.Errorf("server at capacity"), ServerID: serverID, Op: "admit"}
	}
	m.collector.RecordConnection(serverID, 1)

	start := time.Now()
	response, dispatchErr := m.dispatchOnce(ctx, serverID, requestID, req)
	latency := time.Since(start)

	// Guaranteed release of the active counter before any accounting.
	_ = m.registry.Update(serverID, func(record *domain.ServerRecord) {
		if record.ActiveRequests > 0 {
			record.ActiveRequests--
		}
	})
	m.collector.RecordConnection(serverID, -1)

	success := dispatchErr == nil
	recordedSuccess := success
	if !success && !domain.KindOf(dispatchErr).CountsAsHealthFailure() {
		// Application-level errors are successful round trips.
		recordedSuccess = true
	}

	_ = m.registry.Update(serverID, func(record *domain.ServerRecord) {
		record.TotalRequests++
		now := time.Now()
		if recordedSuccess {
			record.SuccessCount++
			record.LastSuccess = now
		} else {
			record.FailureCount++
			record.LastFailure = now
		}
		if record.AvgResponseTime == 0 {
			record.AvgResponseTime = latency
		} else {
			record.AvgResponseTime = time.Duration(float64(record.AvgResponseTime)*0.9 + float64(latency)*0.1)
		}
		if record.TotalRequests > 0 {
			record.ServerSuccessRate = float64(record.SuccessCount) / float64(record.TotalRequests)
		}
	})
	m.collector.RecordRequest(serverID, recordedSuccess, latency)

	return response, dispatchErr
}

// dispatchOnce performs the wire call with the request timeout applied.
// A protocol error is retried once on the same server.
func (m *Manager) dispatchOnce(ctx context.Context, serverID, requestID string, req *domain.RAGRequest) (*domain.RAGResponse, error) {
	conn, err := m.getConnection(ctx, serverID)
	if err != nil {
		return nil, err
	}

	timeout := m.cfg.RequestTimeout
	if req.Metadata.Timeout > 0 && req.Metadata.Timeout < timeout {
		timeout = req.Metadata.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	response, err := conn.Query(callCtx, requestID, req)
	if err == nil {
		response.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
		return response, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &domain.TimeoutError{ServerID: serverID, RequestID: requestID, Elapsed: time.Since(start)}
	}

	var protoErr *domain.ProtocolError
	if errors.As(err, &protoErr) {
		retryID := requestID + "-r"
		response, retryErr := conn.Query(callCtx, retryID, req)
		if retryErr == nil {
			response.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
			return response, nil
		}
		if errors.Is(retryErr, context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{ServerID: serverID, RequestID: retryID, Elapsed: time.Since(start)}
		}
		return nil, retryErr
	}

	return nil, err
}

// Submit enqueues a request and blocks until it resolves, fails or the
// caller's context ends.
func (m *Manager) Submit(ctx context.Context, requestID string, req *domain.RAGRequest, priority int, deadline time.Time) (*domain.RAGResponse, error) {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		return nil, domain.ErrShutdown
	}

	item := &queueItem{
		id:          requestID,
		request:     req,
		priority:    priority,
		enqueueTime: time.Now(),
		deadline:    deadline,
		resolve:     make(chan dispatchResult, 1),
	}

	if err := m.queue.push(item); err != nil {
		return nil, err
	}

	select {
	case result := <-item.resolve:
		return result.response, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueSize reports the number of waiting items.
func (m *Manager) QueueSize() int {
	return m.queue.size()
}

// Backpressure reports queue fullness in [0,1].
func (m *Manager) Backpressure() float64 {
	return m.queue.backpressure()
}

// Start launches the dispatch and autoscale loops.
func (m *Manager) Start(ctx context.Context) error {
	if m.selectFn == nil {
		return fmt.Errorf("pool manager requires a selector before start")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(1)
	go m.dispatchLoop(ctx)

	if m.cfg.Autoscaling.Enabled {
		m.wg.Add(1)
		go m.autoscaleLoop(ctx)
	}
	return nil
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.dispatchReady(ctx, now)
		}
	}
}

// dispatchReady pops up to the pool's available capacity off the queue
// and dispatches each item concurrently.
func (m *Manager) dispatchReady(ctx context.Context, now time.Time) {
	capacity := 0
	for _, record := range m.registry.Snapshot() {
		if !record.IsEligible(m.cfg.MaxRequestsPerServer, m.cfg.CircuitBreakerThreshold) {
			continue
		}
		free := m.cfg.MaxRequestsPerServer - int(record.ActiveRequests)
		if free > 0 {
			capacity += free
		}
	}

	for _, item := range m.queue.takeReady(now, capacity) {
		m.wg.Add(1)
		go func(item *queueItem) {
			defer m.wg.Done()
			m.processItem(ctx, item)
		}(item)
	}
}

func (m *Manager) processItem(ctx context.Context, item *queueItem) {
	decision, err := m.selectFn(ctx, item.request, nil)
	if err != nil {
		// Zero eligible servers surfaces immediately; the caller owns
		// any retry decision.
		item.fail(domain.NewRequestError(domain.ErrKindNoServersAvailable, item.id, "", nil, err))
		return
	}

	start := time.Now()
	response, dispatchErr := m.Dispatch(ctx, decision.ServerID, item.id, item.request)
	latency := time.Since(start)

	if m.onOutcome != nil {
		m.onOutcome(decision, dispatchErr == nil, latency, dispatchErr)
	}

	if dispatchErr == nil {
		item.succeed(response)
		return
	}

	kind := domain.KindOf(dispatchErr)
	if kind.Retryable() && item.retryCount < m.cfg.RetryPolicy.MaxRetries {
		item.retryCount++
		item.lastErr = dispatchErr
		item.notBefore = time.Now().Add(m.retryDelay(item.retryCount))
		if err := m.queue.push(item); err == nil {
			return
		}
		// Queue rejected the retry; fall through to terminal failure.
	}

	item.fail(domain.NewRequestError(kind, item.id, decision.ServerID, nil, dispatchErr))
}

// retryDelay computes the re-enqueue delay for the configured backoff
// strategy, capped at the policy maximum.
func (m *Manager) retryDelay(retryCount int) time.Duration {
	policy := m.cfg.RetryPolicy

	var delay time.Duration
	switch policy.BackoffStrategy {
	case config.BackoffLinear:
		delay = policy.InitialDelay * time.Duration(retryCount)
	case config.BackoffFixed:
		delay = policy.InitialDelay
	default: // exponential
		delay = policy.InitialDelay << uint(retryCount-1)
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

func (m *Manager) autoscaleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Autoscaling.CooldownPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evaluateScaling()
		}
	}
}

// evaluateScaling emits scale signals; an external supervisor decides
// whether to act on them.
func (m *Manager) evaluateScaling() {
	snapshot := m.registry.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	var active int64
	for _, record := range snapshot {
		active += record.ActiveRequests
	}
	utilisation := float64(active) / float64(len(snapshot)*m.cfg.MaxRequestsPerServer)

	if utilisation > m.cfg.Autoscaling.ScaleUpThreshold && len(snapshot) < m.cfg.MaxServers {
		m.logger.Info("Pool utilisation high", "utilisation", utilisation, "servers", len(snapshot))
		m.emitScaleEvent(domain.EventScaleUpNeeded, utilisation)
	} else if utilisation < m.cfg.Autoscaling.ScaleDownThreshold && len(snapshot) > m.cfg.MinServers {
		m.logger.Info("Pool utilisation low", "utilisation", utilisation, "servers", len(snapshot))
		m.emitScaleEvent(domain.EventScaleDownNeeded, utilisation)
	}
}

func (m *Manager) emitScaleEvent(kind domain.EventKind, utilisation float64) {
	if m.publisher == nil {
		return
	}
	event := domain.NewEvent(kind)
	event.Reason = fmt.Sprintf("utilisation %.2f", utilisation)
	m.publisher.Publish(event)
}

// Shutdown stops accepting work, waits up to 30 s for in-flight
// requests to drain, rejects the remaining queue and closes every
// connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.draining = true
		m.mu.Unlock()
		m.queue.drain(domain.ErrShutdown)
		m.closeAll()
		return nil
	}
	m.draining = true
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if m.totalActive() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollPeriod):
		}
	}

	m.queue.drain(domain.ErrShutdown)
	m.closeAll()
	return nil
}

func (m *Manager) totalActive() int64 {
	var active int64
	for _, record := range m.registry.Snapshot() {
		active += record.ActiveRequests
	}
	return active
}

func (m *Manager) closeAll() {
	m.connections.Range(func(serverID string, conn *Connection) bool {
		if err := conn.Close(); err != nil {
			m.logger.Debug("Connection close failed", "server", serverID, "error", err)
		}
		m.connections.Delete(serverID)
		return true
	})
}
