// Package users keeps recently seen user profiles and fetches missing ones
// from the server without duplicating requests.
package users

import (
	"container/list"
	"sync"

	"github.com/codefionn/robust/internal/protocol"
)

// Cache is a bounded least-recently-used map of user id to profile.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type entry struct {
	id   string
	user *protocol.User
}

// NewCache creates a cache holding at most capacity users. A capacity below
// one is raised to one.
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Get returns a copy of the cached user and marks it recently used.
func (c *Cache) Get(id string) (*protocol.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).user.Clone(), true
}

// Put stores user under its id, evicting the least recently used entry when
// full. It returns the evicted id, if any.
func (c *Cache) Put(user *protocol.User) (evicted string) {
	if user == nil || user.ID == "" {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[user.ID]; ok {
		el.Value.(*entry).user = user.Clone()
		c.order.MoveToFront(el)
		return ""
	}

	c.entries[user.ID] = c.order.PushFront(&entry{id: user.ID, user: user.Clone()})
	if c.order.Len() <= c.capacity {
		return ""
	}

	oldest := c.order.Back()
	c.order.Remove(oldest)
	id := oldest.Value.(*entry).id
	delete(c.entries, id)
	return id
}

func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
