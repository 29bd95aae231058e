// Package securemem keeps credentials in memguard-protected memory so that
// they do not linger in swap, core dumps or the regular heap.
package securemem

import (
	"crypto/subtle"
	"sync"

	"github.com/awnumar/memguard"
)

var initOnce sync.Once

// Init installs memguard's interrupt handler, which wipes every protected
// buffer before the process exits on SIGINT. Call it once from main.
func Init() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// Purge destroys every protected buffer. Use it on orderly shutdown.
func Purge() {
	memguard.Purge()
}

// String holds one secret value in an encrypted, locked buffer.
type String struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewString copies plaintext into protected memory.
func NewString(plaintext string) *String {
	return &String{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// String returns a plaintext copy in regular memory. Keep its lifetime short.
func (s *String) String() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty reports whether the value is empty or destroyed.
func (s *String) IsEmpty() bool {
	return s.Len() == 0
}

func (s *String) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return 0
	}
	return s.buf.Size()
}

// Equal compares against plaintext in constant time.
func (s *String) Equal(other string) bool {
	if s == nil {
		return other == ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return other == ""
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), []byte(other)) == 1
}

// Destroy wipes the value. Later reads return "".
func (s *String) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
}

// Credentials is a key/secret pair as issued by the chat server.
type Credentials struct {
	Key    *String
	Secret *String
}

func NewCredentials(key, secret string) *Credentials {
	return &Credentials{Key: NewString(key), Secret: NewString(secret)}
}

// Complete reports whether both parts are present.
func (c *Credentials) Complete() bool {
	return c != nil && !c.Key.IsEmpty() && !c.Secret.IsEmpty()
}

func (c *Credentials) Destroy() {
	if c == nil {
		return
	}
	c.Key.Destroy()
	c.Secret.Destroy()
}
