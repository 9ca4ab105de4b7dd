package mux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
	"github.com/ferrant/ragmux/internal/logger"
)

func testConfig(backends ...*fakeBackend) *config.Config {
	cfg := config.Default()
	cfg.Pool.ConnectionTimeout = 500 * time.Millisecond
	cfg.Pool.RequestTimeout = 2 * time.Second
	// Only the initial probes run during a test; the loop stays quiet.
	cfg.Health.CheckInterval = time.Minute
	cfg.Health.Timeout = time.Second
	cfg.Failover.Delay = 10 * time.Millisecond
	cfg.Failover.RecoveryCheckInterval = time.Minute

	for _, backend := range backends {
		cfg.Servers = append(cfg.Servers, backend.config())
	}
	return cfg
}

func newTestMux(t *testing.T, cfg *config.Config) *Multiplexer {
	t.Helper()

	m := New(cfg, logger.NewDiscard())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitHealthy(t *testing.T, m *Multiplexer, servers int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status().HealthyServers >= servers
	}, 3*time.Second, 20*time.Millisecond)
}

func awaitEvent(t *testing.T, events <-chan domain.Event, kind domain.EventKind) domain.Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", kind)
		}
	}
}

func TestExecuteBeforeInitialize(t *testing.T) {
	m := New(testConfig(), logger.NewDiscard())

	_, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "q"})
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestInitializeTwice(t *testing.T) {
	backend := startFakeBackend(t)
	m := newTestMux(t, testConfig(backend))

	assert.ErrorIs(t, m.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestExecuteHappyPath(t *testing.T) {
	backend := startFakeBackend(t)
	m := newTestMux(t, testConfig(backend))
	waitHealthy(t, m, 1)

	response, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "find docs"})
	require.NoError(t, err)

	require.Len(t, response.Results, 1)
	assert.Equal(t, "doc one", response.Results[0].Content)
	assert.Equal(t, backend.config().ID(), response.Metadata.ServerID)
}

func TestExecuteReusesRequestContexts(t *testing.T) {
	backend := startFakeBackend(t)
	m := newTestMux(t, testConfig(backend))
	waitHealthy(t, m, 1)

	// Sequential calls cycle contexts through the pool; each one must
	// start clean and serve the right request.
	for i := 0; i < 5; i++ {
		response, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "find docs"})
		require.NoError(t, err)
		require.Len(t, response.Results, 1)
		assert.Equal(t, backend.config().ID(), response.Metadata.ServerID)
	}
}

func TestExecuteFailsOverToSurvivingServer(t *testing.T) {
	broken := startFakeBackend(t)
	healthy := startFakeBackend(t)
	m := newTestMux(t, testConfig(broken, healthy))
	waitHealthy(t, m, 2)

	brokenID := broken.config().ID()
	healthyID := healthy.config().ID()

	// Kill one backend after its probe and make the survivor look slow
	// so the dead one is picked first.
	broken.Close()
	require.NoError(t, m.registry.Update(healthyID, func(r *domain.ServerRecord) {
		r.AvgResponseTime = 2 * time.Second
	}))

	response, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "find docs"})
	require.NoError(t, err)
	assert.Equal(t, healthyID, response.Metadata.ServerID)

	history := m.FailoverHistory()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, brokenID, last.FromServerID)
	assert.Equal(t, healthyID, last.ToServerID)
	assert.Equal(t, domain.TriggerServerFailure, last.Trigger)
	assert.True(t, last.Success)
}

func TestExecuteExhaustsFailover(t *testing.T) {
	cfg := testConfig()
	cfg.Servers = []domain.ServerConfig{{Host: "127.0.0.1", Port: 1}}
	m := newTestMux(t, cfg)

	// The dead server degrades on its first probe but stays routable.
	require.Eventually(t, func() bool {
		return m.Status().DegradedServers == 1
	}, 3*time.Second, 20*time.Millisecond)

	_, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "q"})
	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, domain.ErrKindFailoverExhausted, reqErr.Kind)
	assert.NotEmpty(t, reqErr.History)
}

func TestExecuteQueuesWhenSaturated(t *testing.T) {
	backend := startFakeBackend(t)
	cfg := testConfig(backend)
	m := newTestMux(t, cfg)
	waitHealthy(t, m, 1)

	serverID := backend.config().ID()
	require.NoError(t, m.registry.Update(serverID, func(r *domain.ServerRecord) {
		r.ActiveRequests = int64(cfg.Pool.MaxRequestsPerServer)
	}))

	// Free the pool while the request waits in the queue.
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = m.registry.Update(serverID, func(r *domain.ServerRecord) {
			r.ActiveRequests = 0
		})
	}()

	response, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "find docs"})
	require.NoError(t, err)
	assert.Len(t, response.Results, 1)
}

func TestForceFailover(t *testing.T) {
	primary := startFakeBackend(t)
	standby := startFakeBackend(t)
	m := newTestMux(t, testConfig(primary, standby))
	waitHealthy(t, m, 2)

	primaryID := primary.config().ID()
	standbyID := standby.config().ID()

	require.NoError(t, m.ForceFailover(primaryID, "maintenance"))

	for i := 0; i < 3; i++ {
		response, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "find docs"})
		require.NoError(t, err)
		assert.Equal(t, standbyID, response.Metadata.ServerID)
	}

	history := m.FailoverHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, domain.TriggerManual, history[0].Trigger)
	assert.Equal(t, primaryID, history[0].FromServerID)

	t.Run("unknown server", func(t *testing.T) {
		var notFound *domain.ServerNotFoundError
		assert.ErrorAs(t, m.ForceFailover("missing:1", "maintenance"), &notFound)
	})
}

func TestAddAndRemoveServer(t *testing.T) {
	first := startFakeBackend(t)
	m := newTestMux(t, testConfig(first))
	waitHealthy(t, m, 1)

	events, cancel, err := m.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	second := startFakeBackend(t)
	require.NoError(t, m.AddServer(context.Background(), second.config()))

	added := awaitEvent(t, events, domain.EventServerAdded)
	assert.Equal(t, second.config().ID(), added.ServerID)
	waitHealthy(t, m, 2)

	require.NoError(t, m.RemoveServer(context.Background(), second.config().ID()))
	removed := awaitEvent(t, events, domain.EventServerRemoved)
	assert.Equal(t, second.config().ID(), removed.ServerID)
	assert.Equal(t, 1, m.Status().TotalServers)

	t.Run("remove unknown server", func(t *testing.T) {
		var notFound *domain.ServerNotFoundError
		assert.ErrorAs(t, m.RemoveServer(context.Background(), "missing:1"), &notFound)
	})
}

func TestSubscribeSeesInitialization(t *testing.T) {
	backend := startFakeBackend(t)
	m := New(testConfig(backend), logger.NewDiscard())

	events, cancel, err := m.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	awaitEvent(t, events, domain.EventInitialized)
}

func TestStatus(t *testing.T) {
	backend := startFakeBackend(t)
	cfg := testConfig(backend)
	m := New(cfg, logger.NewDiscard())

	// Pre-initialization status is all zeroes.
	assert.Zero(t, m.Status().TotalServers)
	assert.False(t, m.Status().IsHealthy)

	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	waitHealthy(t, m, 1)

	status := m.Status()
	assert.Equal(t, 1, status.TotalServers)
	assert.Equal(t, 1, status.HealthyServers)
	assert.True(t, status.IsHealthy)
	assert.Equal(t, cfg.LoadBalancing.Strategy, status.CurrentStrategy)
	assert.Zero(t, status.QueueSize)
	assert.GreaterOrEqual(t, status.UptimeMs, int64(0))
}

func TestShutdown(t *testing.T) {
	backend := startFakeBackend(t)
	m := newTestMux(t, testConfig(backend))
	waitHealthy(t, m, 1)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.NoError(t, m.Shutdown(context.Background()))

	_, err := m.Execute(context.Background(), &domain.RAGRequest{Query: "q"})
	assert.ErrorIs(t, err, domain.ErrShutdown)
}
