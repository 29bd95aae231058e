// Package session drives one authenticated connection per chat endpoint:
// connect, authenticate, keep alive, and reconnect with backoff. Every
// session runs on its own actor so its state is only touched by one
// goroutine.
package session

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/codefionn/robust/internal/protocol"
	"github.com/codefionn/robust/internal/tlsutil"
)

var (
	// ErrNotFinished is returned by reconnect while a session is connecting or connected.
	ErrNotFinished = errors.New("session is not finished")
	// ErrNotConnected is returned when sending without an open connection.
	ErrNotConnected = errors.New("session is not connected")
	// ErrNoSession is returned for endpoints the registry does not know.
	ErrNoSession = errors.New("no session for endpoint")
	// ErrNoResponse finishes a session whose peer stayed silent too long.
	ErrNoResponse = errors.New("no response from server")
	// ErrConnectionClosed finishes a session whose peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed by server")
	// ErrClosing is returned once the registry is shutting down.
	ErrClosing = errors.New("registry is shutting down")
)

// Endpoint identifies a session.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

type AuthState int

const (
	NotAuthenticated AuthState = iota
	Authenticating
	Authenticated
	// Unregistered means the server wants credentials the client does not
	// have. An external login flow must supply an authenticator.
	Unregistered
)

func (s AuthState) String() string {
	switch s {
	case NotAuthenticated:
		return "not authenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Unregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// State is an immutable snapshot of a session. User is set only while
// Authenticated.
type State struct {
	Endpoint   Endpoint
	Connection ConnectionState
	Auth       AuthState
	Retries    int
	LastError  error
	Restarting bool
	TLS        *tlsutil.SessionInfo
	User       *protocol.User
}

// Finished reports whether the session has no connection and no attempt in
// flight.
func (s State) Finished() bool {
	return s.Connection == Disconnected
}

// Events published on the dispatcher.

// StateChanged is published on every state transition.
type StateChanged struct {
	State             State
	ConnectionChanged bool
	AuthChanged       bool
}

// Finished is published whenever a session tears down its connection. Err
// is nil for an explicit close.
type Finished struct {
	Endpoint Endpoint
	Err      error
	Retries  int
}

// AuthenticatorMissing asks the caller to supply credentials.
type AuthenticatorMissing struct {
	Endpoint Endpoint
}

// ReconnectScheduled announces an automatic reconnect.
type ReconnectScheduled struct {
	Endpoint Endpoint
	Attempt  int
	Delay    time.Duration
}

// Dropped is published when a session gave up after too many failures. The
// session no longer exists afterwards.
type Dropped struct {
	Endpoint Endpoint
	Err      error
	Retries  int
}

// Highlight marks a newly received message that mentions the local user.
type Highlight struct {
	Endpoint Endpoint
	Message  protocol.MessageCommand
}
