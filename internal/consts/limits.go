package consts

import "time"

// Wire limits
const (
	// MaxFrameLength is the largest newline-delimited frame accepted from the
	// server, in bytes.
	MaxFrameLength = 10_000_000
	// ReadBufferSize is the initial size of the frame reader buffer.
	ReadBufferSize = 64 * 1024
)

// Idle detection
const (
	// ReaderIdleTimeout closes a session when nothing was received for this long.
	ReaderIdleTimeout = 240 * time.Second
	// WriterIdleTimeout triggers a keepalive ping when nothing was sent for this long.
	WriterIdleTimeout = 180 * time.Second
	// ConnectTimeout bounds dialing plus the TLS handshake.
	ConnectTimeout = 30 * time.Second
	// WriteTimeout bounds a single frame write.
	WriteTimeout = 10 * time.Second
)

// Reconnect policy
const (
	// MaxRetries is the number of consecutive failed attempts after which a
	// session is dropped.
	MaxRetries = 3
	// RetryBackoffStep is multiplied by (retries+1) to get the reconnect delay.
	RetryBackoffStep = 3 * time.Second
)

// Caches and mailboxes
const (
	// UserCacheSize is the capacity of the user LRU cache.
	UserCacheSize = 100
	// SessionMailboxSize is the mailbox capacity of each session actor.
	SessionMailboxSize = 256
	// StoreMailboxSize is the mailbox capacity of the backlog store worker.
	StoreMailboxSize = 1024
	// HealthCheckInterval is how often actor health is logged.
	HealthCheckInterval = 30 * time.Second
)

// Defaults
const (
	DefaultServerPort    = 6697
	DefaultMinTLSVersion = "1.2"
	DefaultAuthMode      = "twitter"
)
