package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codefionn/robust/internal/actor"
	"github.com/codefionn/robust/internal/conn"
	"github.com/codefionn/robust/internal/logger"
	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/store"
	"github.com/codefionn/robust/internal/tlsutil"
)

// Publisher receives every event and command a session emits.
type Publisher interface {
	Publish(event any)
}

// BacklogWriter persists received messages off the session goroutine.
// Implementations must not block the caller. store.Worker implements it.
type BacklogWriter interface {
	UpsertMessage(ctx context.Context, msg protocol.MessageCommand, done store.UpsertCallback) error
	UpsertBacklog(ctx context.Context, messages []protocol.MessageCommand, done store.UpsertCallback) error
}

type finishHook func(s *Session, err error, retries int)

// Session is the state machine of one endpoint. All fields below ref are
// owned by the actor goroutine.
type Session struct {
	id        string
	endpoint  Endpoint
	transport conn.Transport
	bus       Publisher
	backlog   BacklogWriter
	onFinish  finishHook
	log       *logger.Logger
	snapshot  atomic.Pointer[State]
	stopped   chan struct{}

	ref *actor.ActorRef
	ctx context.Context

	connState     ConnectionState
	authState     AuthState
	retries       int
	lastErr       error
	restarting    bool
	tls           *tlsutil.SessionInfo
	user          *protocol.User
	authenticator Authenticator
	link          conn.Link
	gen           uint64
	cancelConnect context.CancelFunc
}

func newSession(ep Endpoint, transport conn.Transport, bus Publisher, backlog BacklogWriter, auth Authenticator, onFinish finishHook) *Session {
	s := &Session{
		id:            "session:" + ep.String() + ":" + uuid.NewString()[:8],
		endpoint:      ep,
		transport:     transport,
		bus:           bus,
		backlog:       backlog,
		onFinish:      onFinish,
		authenticator: auth,
		log:           logger.For("session").WithPrefix(ep.String()),
		stopped:       make(chan struct{}),
	}
	s.updateSnapshot()
	return s
}

// Messages processed by the session actor.

type connectMsg struct{}

type reconnectMsg struct {
	scheduled bool
	reply     chan error
}

type restartMsg struct{ reply chan error }

type finishMsg struct {
	err   error
	reply chan error
}

type initializeMsg struct {
	auth          Authenticator
	connectIfIdle bool
	reply         chan error
}

type sendMsg struct {
	cmd   protocol.Command
	reply chan error
}

type publishStateMsg struct{}

type openedMsg struct {
	gen  uint64
	link conn.Link
}

type openFailedMsg struct {
	gen uint64
	err error
}

type frameMsg struct {
	gen   uint64
	frame string
}

type inactiveMsg struct {
	gen uint64
	err error
}

type channelErrorMsg struct {
	gen uint64
	err error
}

type idleMsg struct {
	gen  uint64
	kind conn.IdleKind
}

type storedMsg struct {
	msg   protocol.MessageCommand
	isNew bool
	err   error
}

type backlogStoredMsg struct {
	cmd protocol.BacklogCommand
	err error
}

func (connectMsg) Type() string       { return "Connect" }
func (reconnectMsg) Type() string     { return "Reconnect" }
func (restartMsg) Type() string       { return "Restart" }
func (finishMsg) Type() string        { return "Finish" }
func (initializeMsg) Type() string    { return "Initialize" }
func (sendMsg) Type() string          { return "Send" }
func (publishStateMsg) Type() string  { return "PublishState" }
func (openedMsg) Type() string        { return "ChannelActive" }
func (openFailedMsg) Type() string    { return "ConnectFailed" }
func (frameMsg) Type() string         { return "Frame" }
func (inactiveMsg) Type() string      { return "ChannelInactive" }
func (channelErrorMsg) Type() string  { return "ExceptionCaught" }
func (idleMsg) Type() string          { return "Idle" }
func (storedMsg) Type() string        { return "MessageStored" }
func (backlogStoredMsg) Type() string { return "BacklogStored" }

func (s *Session) ID() string { return s.id }

func (s *Session) Start(ctx context.Context) error {
	s.ctx = ctx
	return nil
}

// Stop releases the connection without publishing events. The registry
// finishes sessions before stopping them.
func (s *Session) Stop(ctx context.Context) error {
	s.releaseConnect()
	if s.link != nil {
		s.link.Close()
		s.link = nil
	}
	close(s.stopped)
	return nil
}

func (s *Session) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case connectMsg:
		s.connect()
	case reconnectMsg:
		if m.scheduled && s.connState != Disconnected {
			s.log.Debug("scheduled reconnect skipped, session is %s", s.connState)
			return nil
		}
		respond(m.reply, s.reconnect())
	case restartMsg:
		respond(m.reply, s.restart())
	case finishMsg:
		s.finish(m.err)
		respond(m.reply, nil)
	case initializeMsg:
		s.initialize(m.auth, m.connectIfIdle)
		respond(m.reply, nil)
	case sendMsg:
		respond(m.reply, s.write(m.cmd))
	case publishStateMsg:
		s.publishState(false, false)
	case openedMsg:
		s.onOpened(m)
	case openFailedMsg:
		if m.gen != s.gen || s.connState != Connecting {
			return nil
		}
		s.releaseConnect()
		s.finish(m.err)
	case frameMsg:
		if s.stale(m.gen) {
			return nil
		}
		s.onFrame(m.frame)
	case inactiveMsg:
		if s.stale(m.gen) {
			return nil
		}
		if m.err == nil || errors.Is(m.err, io.EOF) {
			s.finish(ErrConnectionClosed)
		} else {
			s.finish(fmt.Errorf("%w: %v", ErrConnectionClosed, m.err))
		}
	case channelErrorMsg:
		if s.stale(m.gen) {
			return nil
		}
		s.finish(m.err)
	case idleMsg:
		if s.stale(m.gen) {
			return nil
		}
		s.onIdle(m.kind)
	case storedMsg:
		s.onStored(m.msg, m.isNew, m.err)
	case backlogStoredMsg:
		if m.err != nil {
			s.log.Warn("backlog for %s stored partially: %v", m.cmd.Target, m.err)
		}
		s.bus.Publish(m.cmd)
	default:
		return fmt.Errorf("unsupported message type: %T", msg)
	}
	return nil
}

// State returns the latest snapshot. Safe from any goroutine.
func (s *Session) State() State {
	st := *s.snapshot.Load()
	st.User = st.User.Clone()
	return st
}

func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// call sends a request to the actor and waits for its reply.
func (s *Session) call(ctx context.Context, build func(reply chan error) actor.Message) error {
	reply := make(chan error, 1)
	if err := s.ref.SendContext(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		return actor.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver hands an event from a channel or dial goroutine to the actor,
// waiting for mailbox space.
func (s *Session) deliver(msg actor.Message) error {
	return s.ref.SendContext(context.Background(), msg)
}

// deliverAsync is used from other actors' goroutines, which must never wait
// on this mailbox.
func (s *Session) deliverAsync(msg actor.Message) {
	err := s.ref.Send(msg)
	if errors.Is(err, actor.ErrMailboxFull) {
		go s.deliver(msg)
	}
}

func respond(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}

func (s *Session) stale(gen uint64) bool {
	return gen != s.gen || s.connState == Disconnected
}

func (s *Session) initialize(auth Authenticator, connectIfIdle bool) {
	if auth != nil && s.authState != Authenticated {
		s.authenticator = auth
		switch s.connState {
		case Connected:
			s.authenticate()
			return
		case Disconnected:
			if connectIfIdle {
				s.connect()
				return
			}
		}
	} else if s.connState == Disconnected && connectIfIdle {
		s.connect()
		return
	}
	s.publishState(false, false)
}

func (s *Session) connect() {
	if s.connState != Disconnected {
		s.log.Debug("connect ignored, session is %s", s.connState)
		return
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelConnect = cancel
	s.connState = Connecting
	s.log.Info("connecting (attempt %d)", s.retries+1)
	s.publishState(true, false)

	h := &linkHandler{s: s, gen: gen}
	go func() {
		link, err := s.transport.Open(ctx, s.endpoint.Host, s.endpoint.Port, h)
		if err != nil {
			_ = s.deliver(openFailedMsg{gen: gen, err: err})
			return
		}
		if err := s.deliver(openedMsg{gen: gen, link: link}); err != nil {
			link.Close()
		}
	}()
}

func (s *Session) onOpened(m openedMsg) {
	if m.gen != s.gen || s.connState != Connecting {
		m.link.Close()
		return
	}
	s.releaseConnect()

	s.link = m.link
	s.tls = m.link.TLSInfo()
	s.connState = Connected
	if s.tls != nil && !s.tls.Validity.Trusted() {
		s.log.Warn("certificate does not name %s", s.endpoint.Host)
	}
	s.publishState(true, false)

	m.link.Start()
	s.authenticate()
}

func (s *Session) releaseConnect() {
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
}

func (s *Session) authenticate() {
	if s.authState == Authenticated || s.connState != Connected {
		return
	}

	if s.authenticator == nil {
		s.authState = Unregistered
		s.log.Info("no authenticator, waiting for login")
		s.publishState(false, true)
		s.bus.Publish(AuthenticatorMissing{Endpoint: s.endpoint})
		return
	}
	if s.authState == Authenticating {
		return
	}

	cmd, err := s.authenticator.AuthCommand()
	if err != nil {
		s.log.Error("authenticator failed: %v", err)
		s.authState = Unregistered
		s.publishState(false, true)
		s.bus.Publish(AuthenticatorMissing{Endpoint: s.endpoint})
		return
	}

	s.authState = Authenticating
	s.publishState(false, true)
	if cmd != nil {
		_ = s.write(cmd)
	}
}

func (s *Session) onAuth(cmd protocol.AuthCommand) {
	switch {
	case cmd.Succeeded() && cmd.User != nil:
		s.authState = Authenticated
		s.user = cmd.User.Clone()
		s.log.Info("authenticated as %s", s.user.Handle)
	case cmd.Succeeded():
		s.log.Warn("auth success without user payload")
		s.authState = Unregistered
		s.user = nil
	default:
		s.authState = Unregistered
		s.user = nil
		if cmd.Challenge != nil && cmd.Challenge.URL != "" {
			s.log.Info("server requested interactive login")
		}
	}
	s.publishState(false, true)
	s.bus.Publish(cmd)
}

// finish tears down the connection. A nil err is an explicit close and
// clears the retry counter.
func (s *Session) finish(err error) {
	if s.connState == Disconnected {
		if err == nil {
			s.retries = 0
			s.lastErr = nil
			s.updateSnapshot()
		}
		return
	}

	s.releaseConnect()
	s.gen++
	if s.link != nil {
		if cerr := s.link.Close(); cerr != nil {
			s.log.Debug("close: %v", cerr)
		}
		s.link = nil
	}

	authChanged := s.authState != NotAuthenticated
	s.connState = Disconnected
	s.authState = NotAuthenticated
	s.tls = nil
	s.user = nil
	s.lastErr = err
	if err == nil {
		s.retries = 0
		s.log.Info("session closed")
	} else {
		s.log.Warn("session finished: %v", err)
	}

	s.publishState(true, authChanged)
	s.bus.Publish(Finished{Endpoint: s.endpoint, Err: err, Retries: s.retries})
	if s.onFinish != nil {
		s.onFinish(s, err, s.retries)
	}
}

func (s *Session) reconnect() error {
	if s.connState != Disconnected {
		return ErrNotFinished
	}
	s.retries++
	s.connect()
	return nil
}

// restart closes the session if needed and reconnects immediately.
func (s *Session) restart() error {
	if s.connState != Disconnected {
		s.restarting = true
		s.finish(nil)
		s.restarting = false
	} else {
		s.retries = 0
		s.lastErr = nil
	}
	return s.reconnect()
}

func (s *Session) write(cmd protocol.Command) error {
	if s.connState != Connected || s.link == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := s.link.WriteLine(string(data)); err != nil {
		s.finish(fmt.Errorf("failed to send %s: %w", cmd.Type(), err))
		return err
	}
	return nil
}

func (s *Session) onIdle(kind conn.IdleKind) {
	switch kind {
	case conn.ReaderIdle:
		s.finish(ErrNoResponse)
	case conn.WriterIdle:
		_ = s.write(protocol.PingCommand{})
	}
}

func (s *Session) onFrame(frame string) {
	cmd, err := protocol.Decode([]byte(frame))
	if err != nil {
		s.log.Warn("dropping frame: %v", err)
		return
	}

	switch c := cmd.(type) {
	case protocol.AuthCommand:
		s.onAuth(c)
	case protocol.MessageCommand:
		if c.ID == "" {
			s.log.Warn("dropping message without id for %s", c.Target)
			return
		}
		s.storeMessage(c)
	case protocol.BacklogCommand:
		s.storeBacklog(c)
	case protocol.UserCommand:
		s.bus.Publish(c)
	case protocol.JoinCommand:
		if s.user != nil {
			s.user = s.user.WithChannel(c.Target)
			s.updateSnapshot()
		}
		s.bus.Publish(c)
	case protocol.PartCommand:
		if s.user != nil {
			s.user = s.user.WithoutChannel(c.Target)
			s.updateSnapshot()
		}
		s.bus.Publish(c)
	case protocol.ErrorCommand:
		s.log.Warn("server error (%s): %s", c.Subtype, c.Message)
		s.bus.Publish(c)
	case protocol.PingCommand:
		_ = s.write(protocol.PongCommand{})
	case protocol.PongCommand:
	}
}

func (s *Session) storeMessage(msg protocol.MessageCommand) {
	if s.backlog == nil {
		s.onStored(msg, true, nil)
		return
	}
	err := s.backlog.UpsertMessage(s.ctx, msg, func(isNew bool, err error) {
		s.deliverAsync(storedMsg{msg: msg, isNew: isNew, err: err})
	})
	if err != nil {
		s.onStored(msg, false, err)
	}
}

func (s *Session) onStored(msg protocol.MessageCommand, isNew bool, err error) {
	switch {
	case errors.Is(err, store.ErrConsistency):
		s.log.Error("backlog consistency: %v", err)
	case err != nil:
		s.log.Warn("failed to store message %s: %v", msg.ID, err)
	}

	s.bus.Publish(msg)
	if isNew && s.user != nil && msg.Mentions(s.user.Handle) {
		s.bus.Publish(Highlight{Endpoint: s.endpoint, Message: msg})
	}
}

func (s *Session) storeBacklog(cmd protocol.BacklogCommand) {
	if s.backlog == nil || len(cmd.Messages) == 0 {
		s.bus.Publish(cmd)
		return
	}
	err := s.backlog.UpsertBacklog(s.ctx, cmd.Messages, func(_ bool, err error) {
		s.deliverAsync(backlogStoredMsg{cmd: cmd, err: err})
	})
	if err != nil {
		s.log.Warn("failed to queue backlog for %s: %v", cmd.Target, err)
		s.bus.Publish(cmd)
	}
}

func (s *Session) updateSnapshot() *State {
	st := &State{
		Endpoint:   s.endpoint,
		Connection: s.connState,
		Auth:       s.authState,
		Retries:    s.retries,
		LastError:  s.lastErr,
		Restarting: s.restarting,
		TLS:        s.tls,
		User:       s.user,
	}
	s.snapshot.Store(st)
	return st
}

func (s *Session) publishState(connectionChanged, authChanged bool) {
	st := *s.updateSnapshot()
	st.User = st.User.Clone()
	s.bus.Publish(StateChanged{
		State:             st,
		ConnectionChanged: connectionChanged,
		AuthChanged:       authChanged,
	})
}

// linkHandler forwards channel callbacks of one connection attempt into the
// session mailbox, tagged so that events of a replaced connection are
// ignored.
type linkHandler struct {
	s   *Session
	gen uint64
}

func (h *linkHandler) OnFrame(frame string) {
	_ = h.s.deliver(frameMsg{gen: h.gen, frame: frame})
}

func (h *linkHandler) OnInactive(err error) {
	_ = h.s.deliver(inactiveMsg{gen: h.gen, err: err})
}

func (h *linkHandler) OnError(err error) {
	_ = h.s.deliver(channelErrorMsg{gen: h.gen, err: err})
}

func (h *linkHandler) OnIdle(kind conn.IdleKind) {
	_ = h.s.deliver(idleMsg{gen: h.gen, kind: kind})
}
