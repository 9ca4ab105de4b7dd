// Package eventbus provides a bounded pub/sub fan-out for core events.
// Subscribers receive on buffered channels; a slow subscriber drops
// events rather than blocking the publisher.
package eventbus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

var ErrTooManySubscribers = errors.New("eventbus: subscriber limit reached")

type Config struct {
	BufferSize     int
	MaxSubscribers int
	CleanupPeriod  time.Duration
	IdleTimeout    time.Duration
}

var DefaultConfig = Config{
	BufferSize:     64,
	MaxSubscribers: 32,
	CleanupPeriod:  time.Minute,
	IdleTimeout:    10 * time.Minute,
}

// Bus fans events out to subscribers. The subscriber list is bounded;
// unbounded listener growth is a bug, not a feature.
type Bus[T any] struct {
	subscribers *xsync.Map[string, *subscriber[T]]
	count       atomic.Int64
	seq         atomic.Uint64
	published   atomic.Uint64
	dropped     atomic.Uint64
	shutdown    atomic.Bool
	stopCleanup chan struct{}
	cfg         Config
}

type subscriber[T any] struct {
	id         string
	ch         chan T
	lastActive atomic.Int64
	dropped    atomic.Uint64

	// mu orders sends against the close in unsubscribe; a publish can
	// never hit a closed channel.
	mu     sync.Mutex
	closed bool
}

// send delivers without blocking; a full buffer drops the event.
func (s *subscriber[T]) send(event T) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		s.lastActive.Store(time.Now().UnixNano())
		return false
	default:
		s.dropped.Add(1)
		return true
	}
}

func New[T any]() *Bus[T] {
	return NewWithConfig[T](DefaultConfig)
}

func NewWithConfig[T any](cfg Config) *Bus[T] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = DefaultConfig.MaxSubscribers
	}

	b := &Bus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		stopCleanup: make(chan struct{}),
		cfg:         cfg,
	}

	if cfg.CleanupPeriod > 0 {
		go b.cleanupLoop()
	}
	return b
}

// Subscribe returns a receive channel and a cancel function. The channel
// closes on cancel or bus shutdown.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func(), error) {
	if b.shutdown.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}, nil
	}
	if b.count.Load() >= int64(b.cfg.MaxSubscribers) {
		return nil, nil, ErrTooManySubscribers
	}

	sub := &subscriber[T]{
		id: strconv.FormatUint(b.seq.Add(1), 10),
		ch: make(chan T, b.cfg.BufferSize),
	}
	sub.lastActive.Store(time.Now().UnixNano())

	b.subscribers.Store(sub.id, sub)
	b.count.Add(1)

	cancel := func() { b.unsubscribe(sub.id) }

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.unsubscribe(sub.id)
		}()
	}

	return sub.ch, cancel, nil
}

func (b *Bus[T]) unsubscribe(id string) {
	sub, loaded := b.subscribers.LoadAndDelete(id)
	if !loaded {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
		b.count.Add(-1)
	}
}

// Publish delivers the event to every subscriber without blocking; full
// buffers drop and the drop is counted.
func (b *Bus[T]) Publish(event T) {
	if b.shutdown.Load() {
		return
	}
	b.published.Add(1)

	b.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		if sub.send(event) {
			b.dropped.Add(1)
		}
		return true
	})
}

func (b *Bus[T]) SubscriberCount() int {
	return int(b.count.Load())
}

func (b *Bus[T]) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus[T]) cleanupLoop() {
	ticker := time.NewTicker(b.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCleanup:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.IdleTimeout).UnixNano()
			b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
				if sub.lastActive.Load() < cutoff && len(sub.ch) == cap(sub.ch) {
					b.unsubscribe(id)
				}
				return true
			})
		}
	}
}

// Shutdown closes every subscriber channel and stops the cleanup loop.
func (b *Bus[T]) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(b.stopCleanup)
	b.subscribers.Range(func(id string, _ *subscriber[T]) bool {
		b.unsubscribe(id)
		return true
	})
}
