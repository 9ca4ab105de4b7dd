// Package pool wraps sync.Pool with typed constructors and reset-on-put
// semantics for per-request scratch objects.
package pool

import "sync"

type Resettable interface {
	Reset()
}

// Lite is a typed object pool. Put resets the object before returning it
// to the underlying sync.Pool.
type Lite[T Resettable] struct {
	inner sync.Pool
}

func NewLitePool[T Resettable](factory func() T) *Lite[T] {
	return &Lite[T]{
		inner: sync.Pool{
			New: func() any { return factory() },
		},
	}
}

func (p *Lite[T]) Get() T {
	return p.inner.Get().(T)
}

func (p *Lite[T]) Put(item T) {
	item.Reset()
	p.inner.Put(item)
}
