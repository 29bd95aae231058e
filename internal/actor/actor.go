// Package actor provides mailbox-driven workers. Each actor processes its
// messages one at a time on a dedicated goroutine, so state owned by the
// actor needs no further locking.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/robust/internal/logger"
)

var (
	ErrStopped     = errors.New("actor stopped")
	ErrMailboxFull = errors.New("mailbox full")
)

// Message represents a message sent to an actor
type Message interface {
	Type() string
}

// Actor is the behaviour run by an ActorRef.
type Actor interface {
	ID() string
	// Start runs before the first message is delivered.
	Start(ctx context.Context) error
	// Stop runs after the last message was processed.
	Stop(ctx context.Context) error
	// Receive handles one message. Returned errors are logged and counted;
	// they never stop the actor.
	Receive(ctx context.Context, msg Message) error
}

// ActorRef owns the mailbox and run loop of an actor.
type ActorRef struct {
	id      string
	actor   Actor
	mailbox chan Message
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	health  *healthRecorder

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewActorRef creates a reference with a buffered mailbox of mailboxSize.
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	mailbox := make(chan Message, mailboxSize)
	return &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: mailbox,
		done:    make(chan struct{}),
		health:  newHealthRecorder(id, mailbox),
	}
}

func (ref *ActorRef) ID() string {
	return ref.id
}

// Send enqueues msg without blocking.
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s: %w", ref.id, ErrMailboxFull)
	}
}

// SendContext enqueues msg, waiting for mailbox space until ctx is done or
// the actor stops.
func (ref *ActorRef) SendContext(ctx context.Context, msg Message) error {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()
	if stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	case <-ref.done:
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the actor and its message loop.
func (ref *ActorRef) Start(ctx context.Context) error {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.started {
		return fmt.Errorf("actor %s already started", ref.id)
	}
	if ref.stopped {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}
	ref.cancel = cancel
	ref.started = true
	ref.health.markStarted()

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop cancels the loop, waits for the message in progress and then calls
// the actor's Stop. Stop must not be called from the actor's own Receive.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	started := ref.started
	close(ref.done)
	if ref.cancel != nil {
		ref.cancel()
	}
	ref.mu.Unlock()

	if !started {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped reports whether Stop was called.
func (ref *ActorRef) Stopped() bool {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	return ref.stopped
}

// Health returns a point-in-time health report.
func (ref *ActorRef) Health() HealthReport {
	return ref.health.report(ref.Stopped())
}

func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			ref.health.recordActivity()
			if err := ref.receive(ctx, msg); err != nil {
				logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
				ref.health.recordError(err)
			}
		}
	}
}

func (ref *ActorRef) receive(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ref.actor.Receive(ctx, msg)
}

// System tracks a set of running actors by id.
type System struct {
	actors map[string]*ActorRef
	mu     sync.RWMutex
}

func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates, starts and registers a new actor.
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int) (*ActorRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[id]; exists {
		return nil, fmt.Errorf("actor with id %s already exists", id)
	}

	ref := NewActorRef(id, actor, mailboxSize)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}
	s.actors[id] = ref
	return ref, nil
}

func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// Len returns the number of registered actors.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// Stop stops and unregisters one actor.
func (s *System) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	ref, exists := s.actors[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("actor %s not found", id)
	}
	delete(s.actors, id)
	s.mu.Unlock()

	return ref.Stop(ctx)
}

// StopAll stops every actor and returns the first error.
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	refs := make([]*ActorRef, 0, len(s.actors))
	for _, ref := range s.actors {
		refs = append(refs, ref)
	}
	s.actors = make(map[string]*ActorRef)
	s.mu.Unlock()

	var firstErr error
	for _, ref := range refs {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HealthCheck reports on every registered actor.
func (s *System) HealthCheck() map[string]HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make(map[string]HealthReport, len(s.actors))
	for id, ref := range s.actors {
		reports[id] = ref.Health()
	}
	return reports
}
