package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/codefionn/robust/internal/actor"
	"github.com/codefionn/robust/internal/protocol"
)

// WorkerID is the actor id of the store worker.
const WorkerID = "backlog-store"

// UpsertCallback receives the outcome of an asynchronous upsert on the worker
// goroutine.
type UpsertCallback func(isNew bool, err error)

type upsertMsg struct {
	msg  protocol.MessageCommand
	done UpsertCallback
}

func (upsertMsg) Type() string { return "UpsertMessage" }

type upsertBacklogMsg struct {
	messages []protocol.MessageCommand
	done     UpsertCallback
}

func (upsertBacklogMsg) Type() string { return "UpsertBacklog" }

type queryResult struct {
	messages []protocol.MessageCommand
	err      error
}

type queryMsg struct {
	target       string
	responseChan chan queryResult
}

func (queryMsg) Type() string { return "QueryByTarget" }

// Bounds is the stored time range of one target. Both are 0 when empty.
type Bounds struct {
	Oldest int64
	Newest int64
}

type boundsResult struct {
	bounds Bounds
	err    error
}

type boundsMsg struct {
	target       string
	responseChan chan boundsResult
}

func (boundsMsg) Type() string { return "Bounds" }

// Worker serializes store access on its own actor so that disk I/O never
// runs on a connection loop.
type Worker struct {
	store *Store
	ref   *actor.ActorRef
}

// NewWorker wraps store. The worker must be started through Spawn.
func NewWorker(store *Store) *Worker {
	return &Worker{store: store}
}

// Spawn starts the worker inside sys.
func (w *Worker) Spawn(ctx context.Context, sys *actor.System, mailboxSize int) error {
	ref, err := sys.Spawn(ctx, WorkerID, w, mailboxSize)
	if err != nil {
		return fmt.Errorf("failed to start store worker: %w", err)
	}
	w.ref = ref
	return nil
}

func (w *Worker) ID() string { return WorkerID }

func (w *Worker) Start(ctx context.Context) error { return nil }

func (w *Worker) Stop(ctx context.Context) error { return nil }

func (w *Worker) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case upsertMsg:
		isNew, err := w.store.Upsert(ctx, m.msg)
		if m.done != nil {
			m.done(isNew, err)
		}
		return err
	case upsertBacklogMsg:
		anyNew, err := w.store.UpsertBacklog(ctx, m.messages)
		if m.done != nil {
			m.done(anyNew, err)
		}
		return err
	case queryMsg:
		messages, err := w.store.QueryByTarget(ctx, m.target)
		m.responseChan <- queryResult{messages: messages, err: err}
		return nil
	case boundsMsg:
		var res boundsResult
		res.bounds.Oldest, res.err = w.store.OldestTimestamp(ctx, m.target)
		if res.err == nil {
			res.bounds.Newest, res.err = w.store.NewestTimestamp(ctx, m.target)
		}
		m.responseChan <- res
		return nil
	default:
		return fmt.Errorf("unsupported message type: %T", msg)
	}
}

// UpsertMessage queues msg without blocking the caller. done may be nil.
func (w *Worker) UpsertMessage(ctx context.Context, msg protocol.MessageCommand, done UpsertCallback) error {
	return w.enqueue(ctx, upsertMsg{msg: msg, done: done}, done)
}

// UpsertBacklog queues a batch without blocking the caller. done reports
// whether any row was inserted.
func (w *Worker) UpsertBacklog(ctx context.Context, messages []protocol.MessageCommand, done UpsertCallback) error {
	return w.enqueue(ctx, upsertBacklogMsg{messages: messages, done: done}, done)
}

// Query returns the messages of target in ascending timestamp order.
func (w *Worker) Query(ctx context.Context, target string) ([]protocol.MessageCommand, error) {
	ch := make(chan queryResult, 1)
	if err := w.send(ctx, queryMsg{target: target, responseChan: ch}); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.messages, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bounds returns the oldest and newest stored timestamps of target.
func (w *Worker) Bounds(ctx context.Context, target string) (Bounds, error) {
	ch := make(chan boundsResult, 1)
	if err := w.send(ctx, boundsMsg{target: target, responseChan: ch}); err != nil {
		return Bounds{}, err
	}
	select {
	case res := <-ch:
		return res.bounds, res.err
	case <-ctx.Done():
		return Bounds{}, ctx.Err()
	}
}

// enqueue hands msg to the mailbox and returns at once. When the mailbox is
// full a goroutine waits for room; if that fails done gets the error.
func (w *Worker) enqueue(ctx context.Context, msg actor.Message, done UpsertCallback) error {
	if w.ref == nil {
		return fmt.Errorf("store worker not started")
	}
	err := w.ref.Send(msg)
	if !errors.Is(err, actor.ErrMailboxFull) {
		return err
	}
	go func() {
		if err := w.ref.SendContext(ctx, msg); err != nil && done != nil {
			done(false, err)
		}
	}()
	return nil
}

func (w *Worker) send(ctx context.Context, msg actor.Message) error {
	if w.ref == nil {
		return fmt.Errorf("store worker not started")
	}
	return w.ref.SendContext(ctx, msg)
}
