package users

import (
	"fmt"

	"github.com/codefionn/robust/internal/coalesce"
	"github.com/codefionn/robust/internal/dispatch"
	"github.com/codefionn/robust/internal/logger"
	"github.com/codefionn/robust/internal/protocol"
)

// SendFunc delivers a command to the server.
type SendFunc func(protocol.Command) error

// Directory answers user lookups from the cache and otherwise asks the
// server, at most once per id at a time. Results are delivered on the
// dispatcher's consumer goroutine.
type Directory struct {
	cache    *Cache
	inflight *coalesce.Coalescer[string, *protocol.User]
	send     SendFunc
	bus      *dispatch.Dispatcher
	subs     []*dispatch.Subscription
	log      *logger.Logger
}

// NewDirectory subscribes to user and auth commands on bus.
func NewDirectory(bus *dispatch.Dispatcher, send SendFunc, cache *Cache, opts ...coalesce.Option) *Directory {
	dir := &Directory{
		cache:    cache,
		inflight: coalesce.New[string, *protocol.User](opts...),
		send:     send,
		bus:      bus,
		log:      logger.For("users"),
	}

	dir.subs = append(dir.subs,
		dispatch.Subscribe(bus, dir.onUser),
		dispatch.Subscribe(bus, dir.onAuth),
	)
	return dir
}

// Lookup resolves id through onResolve. Cached users resolve without a
// network round trip.
func (dir *Directory) Lookup(id string, onResolve func(*protocol.User)) error {
	if id == "" {
		return fmt.Errorf("lookup: empty user id")
	}

	if user, ok := dir.cache.Get(id); ok {
		dir.bus.Post(func() { onResolve(user) })
		return nil
	}

	_, err := dir.inflight.Request(id, func(id string) error {
		dir.log.Debug("requesting user %s", id)
		return dir.send(protocol.UserCommand{ID: id})
	}, onResolve)
	if err != nil {
		return fmt.Errorf("failed to request user %s: %w", id, err)
	}
	return nil
}

// Cached returns the cached profile of id.
func (dir *Directory) Cached(id string) (*protocol.User, bool) {
	return dir.cache.Get(id)
}

// Close unsubscribes from the dispatcher.
func (dir *Directory) Close() {
	for _, sub := range dir.subs {
		dir.bus.Unsubscribe(sub)
	}
	dir.subs = nil
}

func (dir *Directory) onUser(cmd protocol.UserCommand) {
	if cmd.User == nil {
		return
	}
	user := cmd.User
	if user.ID == "" {
		user = user.Clone()
		user.ID = cmd.ID
	}
	dir.remember(user)

	id := cmd.ID
	if id == "" {
		id = user.ID
	}
	dir.inflight.Resolve(id, user.Clone())
}

func (dir *Directory) onAuth(cmd protocol.AuthCommand) {
	if cmd.Succeeded() && cmd.User != nil {
		dir.remember(cmd.User)
	}
}

func (dir *Directory) remember(user *protocol.User) {
	if evicted := dir.cache.Put(user); evicted != "" {
		dir.log.Debug("evicted user %s from cache", evicted)
	}
}
