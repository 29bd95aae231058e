package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/robust/internal/actor"
	"github.com/codefionn/robust/internal/consts"
	"github.com/codefionn/robust/internal/conn"
	"github.com/codefionn/robust/internal/logger"
	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/tlsutil"
)

// ScheduleFunc runs fn after d. The returned stop cancels the call if it has
// not started yet.
type ScheduleFunc func(d time.Duration, fn func()) (stop func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Options configures a Registry. Zero values fall back to the defaults in
// internal/consts.
type Options struct {
	Transport conn.Transport
	Bus       Publisher
	// Backlog may be nil, in which case messages are published unstored.
	Backlog     BacklogWriter
	System      *actor.System
	MaxRetries  int
	BackoffStep time.Duration
	MailboxSize int
	Schedule    ScheduleFunc
}

type pendingReconnect struct {
	seq  uint64
	stop func() bool
}

// Registry owns at most one session per endpoint and reconnects failed
// sessions with linear backoff.
type Registry struct {
	opts   Options
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[Endpoint]*Session
	timers   map[Endpoint]pendingReconnect
	timerSeq uint64
	closing  bool
}

// NewRegistry validates opts and returns an empty registry. Transport and
// Bus are required.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Transport == nil {
		return nil, errors.New("session registry needs a transport")
	}
	if opts.Bus == nil {
		return nil, errors.New("session registry needs an event bus")
	}
	if opts.System == nil {
		opts.System = actor.NewSystem()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = consts.MaxRetries
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = consts.RetryBackoffStep
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = consts.SessionMailboxSize
	}
	if opts.Schedule == nil {
		opts.Schedule = afterFunc
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:     opts,
		log:      logger.For("registry"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[Endpoint]*Session),
		timers:   make(map[Endpoint]pendingReconnect),
	}, nil
}

// BackoffDelay is the wait before the reconnect that follows a failure with
// the given retry count.
func (r *Registry) BackoffDelay(retries int) time.Duration {
	return time.Duration(retries+1) * r.opts.BackoffStep
}

// Initialize creates and connects the session for ep, or hands a new
// authenticator to the existing one. An existing finished session is only
// connected if no reconnect is already scheduled for it.
func (r *Registry) Initialize(ctx context.Context, ep Endpoint, auth Authenticator) error {
	if err := validateEndpoint(ep); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return ErrClosing
	}
	s, ok := r.sessions[ep]
	if !ok {
		s = newSession(ep, r.opts.Transport, r.opts.Bus, r.opts.Backlog, auth, r.sessionFinished)
		ref, err := r.opts.System.Spawn(r.ctx, s.id, s, r.opts.MailboxSize)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to start session %s: %w", ep, err)
		}
		s.ref = ref
		r.sessions[ep] = s
		r.mu.Unlock()

		r.log.Info("session %s created", ep)
		return s.ref.SendContext(ctx, connectMsg{})
	}
	_, scheduled := r.timers[ep]
	r.mu.Unlock()

	return s.call(ctx, func(reply chan error) actor.Message {
		return initializeMsg{auth: auth, connectIfIdle: !scheduled, reply: reply}
	})
}

// Restart closes the session for ep if it is running and connects it again
// right away. Unknown endpoints are initialized without an authenticator.
func (r *Registry) Restart(ctx context.Context, ep Endpoint) error {
	s, err := r.lookup(ep)
	if errors.Is(err, ErrNoSession) {
		return r.Initialize(ctx, ep, nil)
	}
	if err != nil {
		return err
	}
	return s.call(ctx, func(reply chan error) actor.Message {
		return restartMsg{reply: reply}
	})
}

// Reconnect starts a new attempt for a finished session. It fails with
// ErrNotFinished while the session is connecting or connected.
func (r *Registry) Reconnect(ctx context.Context, ep Endpoint) error {
	s, err := r.lookup(ep)
	if err != nil {
		return err
	}
	return s.call(ctx, func(reply chan error) actor.Message {
		return reconnectMsg{reply: reply}
	})
}

// Close finishes the session for ep and cancels a pending reconnect. The
// session stays registered and can be restarted.
func (r *Registry) Close(ctx context.Context, ep Endpoint) error {
	s, err := r.lookup(ep)
	if err != nil {
		return err
	}
	r.cancelReconnect(ep)
	return s.call(ctx, func(reply chan error) actor.Message {
		return finishMsg{reply: reply}
	})
}

// Send writes cmd on the session's connection.
func (r *Registry) Send(ctx context.Context, ep Endpoint, cmd protocol.Command) error {
	s, err := r.lookup(ep)
	if err != nil {
		return err
	}
	return s.call(ctx, func(reply chan error) actor.Message {
		return sendMsg{cmd: cmd, reply: reply}
	})
}

// RequestBacklog asks the server for history of one target. At least one of
// the bounds must be set.
func (r *Registry) RequestBacklog(ctx context.Context, ep Endpoint, cmd protocol.BacklogCommand) error {
	if !cmd.Ranged() {
		return errors.New("backlog request needs a from or to date")
	}
	return r.Send(ctx, ep, cmd)
}

// RequestState makes the session publish its current state. Unknown
// endpoints report a disconnected default state.
func (r *Registry) RequestState(ctx context.Context, ep Endpoint) error {
	s, err := r.lookup(ep)
	if errors.Is(err, ErrNoSession) {
		r.opts.Bus.Publish(StateChanged{State: State{Endpoint: ep}})
		return nil
	}
	if err != nil {
		return err
	}
	return s.ref.SendContext(ctx, publishStateMsg{})
}

// State returns the latest snapshot for ep.
func (r *Registry) State(ep Endpoint) (State, bool) {
	s, err := r.lookup(ep)
	if err != nil {
		return State{}, false
	}
	return s.State(), true
}

// TLSInfo describes the connection of ep, or nil when not connected.
func (r *Registry) TLSInfo(ep Endpoint) *tlsutil.SessionInfo {
	st, ok := r.State(ep)
	if !ok {
		return nil
	}
	return st.TLS
}

// Sessions lists registered endpoints in a stable order.
func (r *Registry) Sessions() []Endpoint {
	r.mu.Lock()
	eps := make([]Endpoint, 0, len(r.sessions))
	for ep := range r.sessions {
		eps = append(eps, ep)
	}
	r.mu.Unlock()

	slices.SortFunc(eps, func(a, b Endpoint) int {
		if c := strings.Compare(a.Host, b.Host); c != 0 {
			return c
		}
		return a.Port - b.Port
	})
	return eps
}

// ReconnectPending reports whether an automatic reconnect is scheduled for ep.
func (r *Registry) ReconnectPending(ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[ep]
	return ok
}

// Health reports on every actor of the registry's system.
func (r *Registry) Health() map[string]actor.HealthReport {
	return r.opts.System.HealthCheck()
}

// Shutdown cancels pending reconnects, closes every session and stops its
// actor. The registry cannot be used afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	for _, t := range r.timers {
		t.stop()
	}
	r.timers = make(map[Endpoint]pendingReconnect)
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[Endpoint]*Session)
	r.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		err := s.call(ctx, func(reply chan error) actor.Message {
			return finishMsg{reply: reply}
		})
		if err != nil && !errors.Is(err, actor.ErrStopped) && firstErr == nil {
			firstErr = err
		}
		if err := r.opts.System.Stop(ctx, s.id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.cancel()

	r.log.Info("registry shut down (%d sessions)", len(sessions))
	return firstErr
}

func (r *Registry) lookup(ep Endpoint) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ep]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, ep)
	}
	return s, nil
}

// sessionFinished runs on the session's goroutine right after it finished.
func (r *Registry) sessionFinished(s *Session, err error, retries int) {
	if err == nil {
		return
	}

	ep := s.endpoint
	r.mu.Lock()
	if r.closing || r.sessions[ep] != s {
		r.mu.Unlock()
		return
	}

	if retries < r.opts.MaxRetries {
		delay := r.BackoffDelay(retries)
		r.timerSeq++
		seq := r.timerSeq
		stop := r.opts.Schedule(delay, func() { r.fireReconnect(s, seq) })
		r.timers[ep] = pendingReconnect{seq: seq, stop: stop}
		r.mu.Unlock()

		r.log.Info("reconnecting %s in %s (retry %d/%d)", ep, delay, retries+1, r.opts.MaxRetries)
		r.opts.Bus.Publish(ReconnectScheduled{Endpoint: ep, Attempt: retries + 1, Delay: delay})
		return
	}

	delete(r.sessions, ep)
	delete(r.timers, ep)
	r.mu.Unlock()

	r.log.Error("dropping session %s after %d retries: %v", ep, retries, err)
	r.opts.Bus.Publish(Dropped{Endpoint: ep, Err: err, Retries: retries})
	go r.stopSession(s)
}

func (r *Registry) fireReconnect(s *Session, seq uint64) {
	ep := s.endpoint
	r.mu.Lock()
	t, ok := r.timers[ep]
	if !ok || t.seq != seq || r.closing || r.sessions[ep] != s {
		r.mu.Unlock()
		return
	}
	delete(r.timers, ep)
	r.mu.Unlock()

	if err := s.ref.Send(reconnectMsg{scheduled: true}); err != nil {
		r.log.Warn("scheduled reconnect of %s not delivered: %v", ep, err)
	}
}

func (r *Registry) cancelReconnect(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[ep]; ok {
		t.stop()
		delete(r.timers, ep)
	}
}

func (r *Registry) stopSession(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.opts.System.Stop(ctx, s.id); err != nil {
		r.log.Debug("stop %s: %v", s.id, err)
	}
}

func validateEndpoint(ep Endpoint) error {
	if strings.TrimSpace(ep.Host) == "" {
		return errors.New("endpoint host is empty")
	}
	if ep.Port <= 0 || ep.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", ep.Port)
	}
	return nil
}
