package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type textMessage struct{ text string }

func (textMessage) Type() string { return "text" }

type failMessage struct{}

func (failMessage) Type() string { return "fail" }

type panicMessage struct{}

func (panicMessage) Type() string { return "panic" }

type blockMessage struct{ release chan struct{} }

func (blockMessage) Type() string { return "block" }

type recordingActor struct {
	id       string
	started  atomic.Bool
	stopped  atomic.Bool
	inFlight atomic.Int32
	overlap  atomic.Bool

	mu       sync.Mutex
	received []string
}

func (a *recordingActor) ID() string { return a.id }

func (a *recordingActor) Start(ctx context.Context) error {
	a.started.Store(true)
	return nil
}

func (a *recordingActor) Stop(ctx context.Context) error {
	a.stopped.Store(true)
	return nil
}

func (a *recordingActor) Receive(ctx context.Context, msg Message) error {
	if a.inFlight.Add(1) > 1 {
		a.overlap.Store(true)
	}
	defer a.inFlight.Add(-1)

	switch m := msg.(type) {
	case textMessage:
		a.mu.Lock()
		a.received = append(a.received, m.text)
		a.mu.Unlock()
	case failMessage:
		return errors.New("requested failure")
	case panicMessage:
		panic("boom")
	case blockMessage:
		<-m.release
	}
	return nil
}

func (a *recordingActor) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.received...)
}

func TestActorProcessesInOrder(t *testing.T) {
	a := &recordingActor{id: "worker"}
	ref := NewActorRef("worker", a, 16)
	require.NoError(t, ref.Start(context.Background()))
	assert.True(t, a.started.Load())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, ref.Send(textMessage{text: s}))
	}

	require.Eventually(t, func() bool { return len(a.texts()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, a.texts())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ref.Stop(ctx))
	assert.True(t, a.stopped.Load())
	assert.True(t, ref.Stopped())
}

func TestActorNeverRunsConcurrently(t *testing.T) {
	a := &recordingActor{id: "serial"}
	ref := NewActorRef("serial", a, 1024)
	require.NoError(t, ref.Start(context.Background()))
	defer ref.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = ref.SendContext(context.Background(), textMessage{text: "x"})
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(a.texts()) == 400 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, a.overlap.Load())
}

func TestSendAfterStop(t *testing.T) {
	ref := NewActorRef("gone", &recordingActor{id: "gone"}, 1)
	require.NoError(t, ref.Start(context.Background()))
	require.NoError(t, ref.Stop(context.Background()))

	assert.ErrorIs(t, ref.Send(textMessage{}), ErrStopped)
	assert.ErrorIs(t, ref.SendContext(context.Background(), textMessage{}), ErrStopped)
	assert.NoError(t, ref.Stop(context.Background()), "second stop is a no-op")
}

func TestMailboxFull(t *testing.T) {
	a := &recordingActor{id: "full"}
	ref := NewActorRef("full", a, 1)
	require.NoError(t, ref.Start(context.Background()))

	release := make(chan struct{})
	require.NoError(t, ref.Send(blockMessage{release: release}))
	require.Eventually(t, func() bool { return a.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, ref.Send(textMessage{text: "queued"}))
	assert.ErrorIs(t, ref.Send(textMessage{text: "overflow"}), ErrMailboxFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ref.SendContext(ctx, textMessage{text: "waits"}), context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return len(a.texts()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ref.Stop(context.Background()))
}

func TestErrorsAndPanicsAreContained(t *testing.T) {
	a := &recordingActor{id: "fragile"}
	ref := NewActorRef("fragile", a, 8)
	require.NoError(t, ref.Start(context.Background()))
	defer ref.Stop(context.Background())

	require.NoError(t, ref.Send(failMessage{}))
	require.NoError(t, ref.Send(panicMessage{}))
	require.NoError(t, ref.Send(textMessage{text: "still alive"}))

	require.Eventually(t, func() bool { return len(a.texts()) == 1 }, time.Second, 5*time.Millisecond)

	report := ref.Health()
	assert.Equal(t, int64(2), report.ErrorCount)
	assert.Equal(t, int64(3), report.Processed)
	assert.Equal(t, HealthStatusDegraded, report.Status)
	assert.Contains(t, report.LastError, "panic")
}

func TestSystem(t *testing.T) {
	sys := NewSystem()
	ctx := context.Background()

	_, err := sys.Spawn(ctx, "one", &recordingActor{id: "one"}, 4)
	require.NoError(t, err)
	_, err = sys.Spawn(ctx, "one", &recordingActor{id: "one"}, 4)
	assert.Error(t, err)

	_, err = sys.Spawn(ctx, "two", &recordingActor{id: "two"}, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, sys.Len())

	reports := sys.HealthCheck()
	require.Len(t, reports, 2)
	assert.Equal(t, HealthStatusHealthy, reports["one"].Status)

	require.NoError(t, sys.Stop(ctx, "one"))
	assert.Error(t, sys.Stop(ctx, "one"))
	_, ok := sys.Get("one")
	assert.False(t, ok)

	require.NoError(t, sys.StopAll(ctx))
	assert.Equal(t, 0, sys.Len())
}

func TestStoppedActorIsUnhealthy(t *testing.T) {
	ref := NewActorRef("x", &recordingActor{id: "x"}, 1)
	require.NoError(t, ref.Start(context.Background()))
	require.NoError(t, ref.Stop(context.Background()))
	assert.Equal(t, HealthStatusUnhealthy, ref.Health().Status)
}
