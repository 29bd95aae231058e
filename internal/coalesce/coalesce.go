// Package coalesce collapses concurrent requests for the same key into one
// outbound request whose result is fanned out to every waiting caller.
package coalesce

import "sync"

// Order controls the sequence in which resolvers of one key fire.
type Order int

const (
	// FIFO fires resolvers in arrival order.
	FIFO Order = iota
	// LIFO fires the most recently registered resolver first.
	LIFO
)

type Option func(*options)

type options struct {
	order Order
}

func WithOrder(order Order) Option {
	return func(o *options) { o.order = order }
}

// Coalescer tracks the resolvers waiting for each in-flight key.
type Coalescer[K comparable, V any] struct {
	mu      sync.Mutex
	pending map[K][]func(V)
	order   Order
}

func New[K comparable, V any](opts ...Option) *Coalescer[K, V] {
	o := options{order: FIFO}
	for _, opt := range opts {
		opt(&o)
	}
	return &Coalescer[K, V]{
		pending: make(map[K][]func(V)),
		order:   o.order,
	}
}

// Request registers onResolve for key. The first caller for a key that is
// not in flight triggers producer; later callers only wait. If producer
// fails the key is released and every resolver registered so far is dropped.
func (c *Coalescer[K, V]) Request(key K, producer func(K) error, onResolve func(V)) (first bool, err error) {
	c.mu.Lock()
	waiting, inFlight := c.pending[key]
	if onResolve != nil {
		waiting = append(waiting, onResolve)
	}
	c.pending[key] = waiting
	c.mu.Unlock()

	if inFlight {
		return false, nil
	}

	if producer != nil {
		if err := producer(key); err != nil {
			c.Cancel(key)
			return true, err
		}
	}
	return true, nil
}

// Resolve fires every resolver registered for key with value and releases
// the key. It returns the number of resolvers fired.
func (c *Coalescer[K, V]) Resolve(key K, value V) int {
	c.mu.Lock()
	waiting, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		return 0
	}

	if c.order == LIFO {
		for i := len(waiting) - 1; i >= 0; i-- {
			waiting[i](value)
		}
	} else {
		for _, fn := range waiting {
			fn(value)
		}
	}
	return len(waiting)
}

// Cancel releases key without firing its resolvers.
func (c *Coalescer[K, V]) Cancel(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending[key])
	delete(c.pending, key)
	return n
}

// InFlight reports whether a request for key is outstanding.
func (c *Coalescer[K, V]) InFlight(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// Pending returns the number of resolvers waiting on key.
func (c *Coalescer[K, V]) Pending(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[key])
}
