package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/robust/internal/conn"
	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/store"
	"github.com/codefionn/robust/internal/tlsutil"
)

var testEndpoint = Endpoint{Host: "chat.example.org", Port: 6697}

type fakeLink struct {
	h conn.Handler

	mu       sync.Mutex
	started  bool
	closed   bool
	lines    []string
	writeErr error
}

func (l *fakeLink) Start() {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()
}

func (l *fakeLink) WriteLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	if l.writeErr != nil {
		return l.writeErr
	}
	l.lines = append(l.lines, line)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) TLSInfo() *tlsutil.SessionInfo {
	return &tlsutil.SessionInfo{
		Protocol:    "TLS 1.3",
		CipherSuite: "TLS_AES_128_GCM_SHA256",
		PeerHost:    testEndpoint.Host,
		PeerPort:    testEndpoint.Port,
		Validity:    tlsutil.MatchesAltName,
	}
}

func (l *fakeLink) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *fakeLink) Commands(t *testing.T) []protocol.Command {
	t.Helper()
	var out []protocol.Command
	for _, line := range l.Lines() {
		cmd, err := protocol.Decode([]byte(line))
		require.NoError(t, err)
		out = append(out, cmd)
	}
	return out
}

func (l *fakeLink) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *fakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) SetWriteErr(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

// fakeTransport hands out fakeLinks, or fails every attempt once fail is set.
// With a gate, Open blocks until the gate is closed or the attempt is
// cancelled.
type fakeTransport struct {
	mu    sync.Mutex
	fail  error
	gate  chan struct{}
	opens int
	links []*fakeLink
}

func (tr *fakeTransport) Open(ctx context.Context, host string, port int, h conn.Handler) (conn.Link, error) {
	tr.mu.Lock()
	tr.opens++
	gate := tr.gate
	failErr := tr.fail
	var link *fakeLink
	if failErr == nil {
		link = &fakeLink{h: h}
		tr.links = append(tr.links, link)
	}
	tr.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return link, nil
}

func (tr *fakeTransport) Opens() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.opens
}

func (tr *fakeTransport) Link(i int) *fakeLink {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if i >= len(tr.links) {
		return nil
	}
	return tr.links[i]
}

func (tr *fakeTransport) SetFail(err error) {
	tr.mu.Lock()
	tr.fail = err
	tr.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Publish(event any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) All() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func eventsOf[T any](r *recorder) []T {
	var out []T
	for _, e := range r.All() {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type scheduledCall struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

// manualScheduler records reconnect timers and fires them on demand.
type manualScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (m *manualScheduler) Schedule(d time.Duration, fn func()) func() bool {
	c := &scheduledCall{delay: d, fn: fn}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
	return func() bool { return !c.stopped.Swap(true) }
}

func (m *manualScheduler) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.delay)
	}
	return out
}

func (m *manualScheduler) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *manualScheduler) Fire(i int) {
	m.mu.Lock()
	c := m.calls[i]
	m.mu.Unlock()
	if !c.stopped.Load() {
		c.fn()
	}
}

func (m *manualScheduler) Stopped(i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i].stopped.Load()
}

// fakeBacklog reports a message as new the first time its id is seen.
type fakeBacklog struct {
	mu      sync.Mutex
	seen    map[string]bool
	batches int
}

func (b *fakeBacklog) UpsertMessage(ctx context.Context, msg protocol.MessageCommand, done store.UpsertCallback) error {
	b.mu.Lock()
	if b.seen == nil {
		b.seen = make(map[string]bool)
	}
	isNew := !b.seen[msg.ID]
	b.seen[msg.ID] = true
	b.mu.Unlock()
	done(isNew, nil)
	return nil
}

func (b *fakeBacklog) UpsertBacklog(ctx context.Context, messages []protocol.MessageCommand, done store.UpsertCallback) error {
	b.mu.Lock()
	if b.seen == nil {
		b.seen = make(map[string]bool)
	}
	for _, m := range messages {
		b.seen[m.ID] = true
	}
	b.batches++
	b.mu.Unlock()
	done(false, nil)
	return nil
}

func (b *fakeBacklog) Batches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches
}

type harness struct {
	reg     *Registry
	tr      *fakeTransport
	bus     *recorder
	sched   *manualScheduler
	backlog *fakeBacklog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tr:      &fakeTransport{},
		bus:     &recorder{},
		sched:   &manualScheduler{},
		backlog: &fakeBacklog{},
	}
	reg, err := NewRegistry(Options{
		Transport: h.tr,
		Bus:       h.bus,
		Backlog:   h.backlog,
		Schedule:  h.sched.Schedule,
	})
	require.NoError(t, err)
	h.reg = reg
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	st, ok := h.reg.State(testEndpoint)
	require.True(t, ok)
	return st
}

// connected initializes the test endpoint and waits for the first link.
func (h *harness) connected(t *testing.T, auth Authenticator) *fakeLink {
	t.Helper()
	require.NoError(t, h.reg.Initialize(context.Background(), testEndpoint, auth))
	waitFor(t, func() bool { return h.tr.Link(0) != nil && h.tr.Link(0).Started() }, "link not started")
	return h.tr.Link(0)
}

// authenticated logs the test endpoint in as handle.
func (h *harness) authenticated(t *testing.T, handle string) *fakeLink {
	t.Helper()
	link := h.connected(t, NewTwitterAuthenticator("key", "secret"))
	waitFor(t, func() bool { return len(link.Lines()) == 1 }, "auth command not written")
	link.h.OnFrame(`{"type":"auth","mode":"twitter","success":true,"user":{"id":"u1","name":"Test","handle":"` + handle + `","timezone":0,"channels":["#general"]}}`)
	waitFor(t, func() bool { return h.state(t).Auth == Authenticated }, "not authenticated")
	return link
}
