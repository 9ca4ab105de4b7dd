package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New[string]()
	defer bus.Shutdown()

	events, cancel, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	bus.Publish("hello")

	select {
	case event := <-events:
		assert.Equal(t, "hello", event)
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestFanOut(t *testing.T) {
	bus := New[int]()
	defer bus.Shutdown()

	first, cancelFirst, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancelFirst()
	second, cancelSecond, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancelSecond()

	bus.Publish(42)

	assert.Equal(t, 42, <-first)
	assert.Equal(t, 42, <-second)
	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewWithConfig[int](Config{BufferSize: 2, MaxSubscribers: 4})
	defer bus.Shutdown()

	_, cancel, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}

	published, dropped := bus.Stats()
	assert.EqualValues(t, 5, published)
	assert.EqualValues(t, 3, dropped)
}

func TestSubscriberLimit(t *testing.T) {
	bus := NewWithConfig[int](Config{MaxSubscribers: 1})
	defer bus.Shutdown()

	_, cancel, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	_, _, err = bus.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrTooManySubscribers)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := New[int]()
	defer bus.Shutdown()

	events, cancel, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	cancel()
	// Cancel twice is harmless.
	cancel()

	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount())
}

func TestContextCancellationUnsubscribes(t *testing.T) {
	bus := New[int]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	events, _, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-events:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := NewWithConfig[int](Config{BufferSize: 1, MaxSubscribers: 64})
	defer bus.Shutdown()

	// Publishers racing channel closes must never panic.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				bus.Publish(n)
			}
		}()
	}
	for i := 0; i < 32; i++ {
		_, cancel, err := bus.Subscribe(context.Background())
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()

	assert.Zero(t, bus.SubscriberCount())
}

func TestShutdown(t *testing.T) {
	bus := New[int]()

	events, _, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	bus.Shutdown()
	bus.Shutdown()

	_, open := <-events
	assert.False(t, open)

	// Publishing after shutdown is a no-op.
	bus.Publish(1)
	published, _ := bus.Stats()
	assert.Zero(t, published)

	// New subscriptions get a closed channel instead of an error.
	late, _, err := bus.Subscribe(context.Background())
	require.NoError(t, err)
	_, open = <-late
	assert.False(t, open)
}
