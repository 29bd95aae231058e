// Package dispatch is the process-wide typed event bus. Events are queued by
// any goroutine and delivered one at a time on a single consumer goroutine.
package dispatch

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codefionn/robust/internal/logger"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id     uuid.UUID
	typ    reflect.Type
	fn     func(any)
	active atomic.Bool
}

// ID returns the unique id of the subscription.
func (s *Subscription) ID() string {
	return s.id.String()
}

// Dispatcher delivers published events to subscribers keyed by the event's
// dynamic type.
type Dispatcher struct {
	log *logger.Logger

	mu       sync.Mutex
	handlers map[reflect.Type][]*Subscription
	queue    []func()
	closed   bool

	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
}

// New returns an idle dispatcher. Published events queue until Run drains them.
func New() *Dispatcher {
	return &Dispatcher{
		log:      logger.For("dispatch"),
		handlers: make(map[reflect.Type][]*Subscription),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Subscribe registers fn for events of type T. Handlers for one type run in
// registration order.
func Subscribe[T any](d *Dispatcher, fn func(T)) *Subscription {
	sub := &Subscription{
		id:  uuid.New(),
		typ: reflect.TypeFor[T](),
		fn:  func(ev any) { fn(ev.(T)) },
	}
	sub.active.Store(true)

	d.mu.Lock()
	d.handlers[sub.typ] = append(d.handlers[sub.typ], sub)
	d.mu.Unlock()
	return sub
}

// Unsubscribe removes sub. Unknown or already removed subscriptions are
// ignored.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.Swap(false) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[sub.typ]
	for i, s := range subs {
		if s == sub {
			d.handlers[sub.typ] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.handlers[sub.typ]) == 0 {
		delete(d.handlers, sub.typ)
	}
}

// Publish queues event for delivery. It never blocks and is safe to call
// from any goroutine, including from inside a handler.
func (d *Dispatcher) Publish(event any) {
	if event == nil {
		return
	}
	d.enqueue(func() { d.deliver(event) })
}

// Post runs fn on the consumer goroutine after every event queued before it.
func (d *Dispatcher) Post(fn func()) {
	if fn == nil {
		return
	}
	d.enqueue(func() { d.safely("posted task", fn) })
}

// Barrier waits until everything queued before the call was delivered.
func (d *Dispatcher) Barrier(ctx context.Context) error {
	reached := make(chan struct{})
	d.enqueue(func() { close(reached) })
	select {
	case <-reached:
		return nil
	case <-d.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribers returns the number of handlers registered for the type of
// event.
func (d *Dispatcher) Subscribers(event any) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[reflect.TypeOf(event)])
}

// Run drains the queue until ctx is done or Close is called. Only one Run may
// be active.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}
	defer d.running.Store(false)

	for {
		task, ok := d.next()
		if ok {
			task()
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case <-d.wake:
		}
	}
}

// Close stops Run and discards later publications.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
}

func (d *Dispatcher) enqueue(task func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	task := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return task, true
}

func (d *Dispatcher) deliver(event any) {
	d.mu.Lock()
	subs := append([]*Subscription(nil), d.handlers[reflect.TypeOf(event)]...)
	d.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		d.safely(sub.typ.String(), func() { sub.fn(event) })
	}
}

func (d *Dispatcher) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler for %s panicked: %v", what, r)
		}
	}()
	fn()
}
