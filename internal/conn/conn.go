// Package conn opens TLS connections to the chat server and turns them into
// newline-delimited frames with idle detection.
package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/codefionn/robust/internal/consts"
	"github.com/codefionn/robust/internal/logger"
	"github.com/codefionn/robust/internal/tlsutil"
)

// IdleKind tells which direction of a channel went quiet.
type IdleKind int

const (
	// ReaderIdle means nothing was received within the read-idle window.
	ReaderIdle IdleKind = iota
	// WriterIdle means nothing was sent within the write-idle window.
	WriterIdle
)

func (k IdleKind) String() string {
	if k == ReaderIdle {
		return "reader idle"
	}
	return "writer idle"
}

// Handler receives channel events. Calls come from the channel's own
// goroutines and must not block for long.
type Handler interface {
	OnFrame(frame string)
	// OnInactive reports that the peer went away. err is io.EOF for an
	// orderly close.
	OnInactive(err error)
	// OnError reports a failure that is not a timeout.
	OnError(err error)
	OnIdle(kind IdleKind)
}

// Link is an open channel as seen by a session.
type Link interface {
	// Start begins reading and idle detection.
	Start()
	// WriteLine sends one frame; the newline is appended.
	WriteLine(line string) error
	Close() error
	TLSInfo() *tlsutil.SessionInfo
}

// Transport opens links. Manager is the production implementation.
type Transport interface {
	Open(ctx context.Context, host string, port int, h Handler) (Link, error)
}

// Options configures a Manager. Zero durations and lengths take the defaults
// from consts.
type Options struct {
	MinVersion     uint16
	RootCAs        *x509.CertPool
	ProxyURL       string
	MaxFrameLength int
	ReadIdle       time.Duration
	WriteIdle      time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinVersion == 0 {
		o.MinVersion = tls.VersionTLS12
	}
	if o.MaxFrameLength <= 0 {
		o.MaxFrameLength = consts.MaxFrameLength
	}
	if o.ReadIdle <= 0 {
		o.ReadIdle = consts.ReaderIdleTimeout
	}
	if o.WriteIdle <= 0 {
		o.WriteIdle = consts.WriterIdleTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = consts.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = consts.WriteTimeout
	}
	return o
}

// Manager dials the server, optionally through a SOCKS5 proxy, and performs
// the TLS handshake.
type Manager struct {
	opts   Options
	dialer proxy.Dialer
	log    *logger.Logger
}

// NewManager validates opts and resolves the proxy. Without ProxyURL the
// ALL_PROXY and NO_PROXY environment variables apply.
func NewManager(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if opts.MinVersion < tls.VersionTLS10 {
		return nil, tlsutil.ErrLegacyVersion
	}

	forward := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	var dialer proxy.Dialer
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		dialer, err = proxy.FromURL(u, forward)
		if err != nil {
			return nil, fmt.Errorf("unsupported proxy %q: %w", opts.ProxyURL, err)
		}
	} else {
		dialer = proxy.FromEnvironmentUsing(forward)
	}

	return &Manager{
		opts:   opts,
		dialer: dialer,
		log:    logger.For("conn"),
	}, nil
}

// Open dials host:port and completes the TLS handshake within the connect
// timeout. The returned link does nothing until Start is called.
func (m *Manager) Open(ctx context.Context, host string, port int, h Handler) (Link, error) {
	ch, err := m.Dial(ctx, host, port, h)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial is Open returning the concrete channel.
func (m *Manager) Dial(ctx context.Context, host string, port int, h Handler) (*Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := m.dialContext(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	cfg, err := tlsutil.ClientConfig(host, m.opts.MinVersion, m.opts.RootCAs)
	if err != nil {
		raw.Close()
		return nil, err
	}

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
	}

	info := tlsutil.NewSessionInfo(tlsConn.ConnectionState(), host, port)
	m.log.Info("connected to %s using %s (%s), hostname %s", addr, info.Protocol, info.CipherSuite, info.Validity)

	return newChannel(tlsConn, info, h, m.opts, m.log.WithPrefix(addr)), nil
}

func (m *Manager) dialContext(ctx context.Context, addr string) (net.Conn, error) {
	if cd, ok := m.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := m.dialer.Dial("tcp", addr)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Channel is one established TLS connection.
type Channel struct {
	conn    net.Conn
	info    *tlsutil.SessionInfo
	handler Handler
	opts    Options
	log     *logger.Logger

	writeMu   sync.Mutex
	idleTimer *time.Timer

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func newChannel(c net.Conn, info *tlsutil.SessionInfo, h Handler, opts Options, log *logger.Logger) *Channel {
	return &Channel{
		conn:    c,
		info:    info,
		handler: h,
		opts:    opts,
		log:     log,
		done:    make(chan struct{}),
	}
}

func (c *Channel) TLSInfo() *tlsutil.SessionInfo {
	return c.info
}

// Done is closed when the read loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Start() {
	c.startOnce.Do(func() {
		c.writeMu.Lock()
		c.idleTimer = time.AfterFunc(c.opts.WriteIdle, c.writerIdle)
		c.writeMu.Unlock()
		go c.readLoop()
	})
}

func (c *Channel) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("frame contains a line break")
	}
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return err
	}
	if c.idleTimer != nil {
		c.idleTimer.Reset(c.opts.WriteIdle)
	}
	return nil
}

// Close closes the connection. No handler callbacks follow an explicit
// Close.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) writerIdle() {
	if c.closed.Load() {
		return
	}
	c.handler.OnIdle(WriterIdle)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.closed.Load() {
		c.idleTimer.Reset(c.opts.WriteIdle)
	}
}

func (c *Channel) readLoop() {
	defer close(c.done)

	frames := NewFrameReader(&deadlineReader{conn: c.conn, idle: c.opts.ReadIdle}, c.opts.MaxFrameLength, consts.ReadBufferSize)
	for {
		frame, err := frames.Next()
		if err == nil {
			c.handler.OnFrame(string(frame))
			continue
		}
		if errors.Is(err, ErrFrameTooLong) {
			c.log.Warn("dropping frame: %v", err)
			continue
		}
		if c.closed.Load() {
			return
		}

		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout() && errors.Is(err, errReadIdle):
			c.handler.OnIdle(ReaderIdle)
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			c.handler.OnInactive(err)
		case errors.As(err, &netErr) && netErr.Timeout():
			c.log.Debug("read timeout: %v", err)
			c.handler.OnInactive(err)
		default:
			c.handler.OnError(err)
		}
		return
	}
}

var errReadIdle = errors.New("read idle")

// deadlineReader pushes the read deadline forward before every read so that
// a timeout means the peer was silent for the whole idle window.
type deadlineReader struct {
	conn net.Conn
	idle time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
		return 0, err
	}
	n, err := r.conn.Read(p)
	var netErr net.Error
	if err != nil && errors.As(err, &netErr) && netErr.Timeout() {
		return n, &idleError{err: err}
	}
	return n, err
}

type idleError struct{ err error }

func (e *idleError) Error() string   { return "no data within read-idle window: " + e.err.Error() }
func (e *idleError) Timeout() bool   { return true }
func (e *idleError) Temporary() bool { return true }
func (e *idleError) Unwrap() []error { return []error{e.err, errReadIdle} }
