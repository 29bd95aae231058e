package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type joined struct{ target string }
type parted struct{ target string }

func startDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		d.Close()
	})
	return d
}

func barrier(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Barrier(ctx))
}

func TestPublishDeliversByType(t *testing.T) {
	d := startDispatcher(t)

	var got []string
	Subscribe(d, func(e joined) { got = append(got, "join "+e.target) })
	Subscribe(d, func(e parted) { got = append(got, "part "+e.target) })
	Subscribe(d, func(e *joined) { got = append(got, "pointer") })

	d.Publish(joined{target: "#a"})
	d.Publish(parted{target: "#b"})
	d.Publish(joined{target: "#c"})
	d.Publish("unrelated")
	barrier(t, d)

	assert.Equal(t, []string{"join #a", "part #b", "join #c"}, got)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	d := startDispatcher(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		Subscribe(d, func(joined) { got = append(got, i) })
	}
	d.Publish(joined{})
	barrier(t, d)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestDeliveryIsSerialAcrossPublishers(t *testing.T) {
	d := startDispatcher(t)

	var inFlight, overlap atomic.Int32
	var count atomic.Int32
	Subscribe(d, func(joined) {
		if inFlight.Add(1) > 1 {
			overlap.Store(1)
		}
		time.Sleep(50 * time.Microsecond)
		count.Add(1)
		inFlight.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				d.Publish(joined{})
			}
		}()
	}
	wg.Wait()
	barrier(t, d)

	assert.Equal(t, int32(200), count.Load())
	assert.Equal(t, int32(0), overlap.Load())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	d := startDispatcher(t)

	var calls atomic.Int32
	sub := Subscribe(d, func(joined) { calls.Add(1) })
	assert.NotEmpty(t, sub.ID())
	assert.Equal(t, 1, d.Subscribers(joined{}))

	d.Publish(joined{})
	barrier(t, d)

	d.Unsubscribe(sub)
	d.Unsubscribe(sub)
	d.Unsubscribe(nil)
	d.Unsubscribe(&Subscription{})
	assert.Equal(t, 0, d.Subscribers(joined{}))

	d.Publish(joined{})
	barrier(t, d)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnsubscribeBeforeDelivery(t *testing.T) {
	d := New()

	var calls atomic.Int32
	sub := Subscribe(d, func(joined) { calls.Add(1) })
	d.Publish(joined{})
	d.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	barrier(t, d)
	d.Close()

	assert.Equal(t, int32(0), calls.Load())
}

func TestPublishFromHandlerAndPanics(t *testing.T) {
	d := startDispatcher(t)

	var got []string
	Subscribe(d, func(e joined) {
		got = append(got, "joined")
		d.Publish(parted{target: e.target})
		panic("handler bug")
	})
	Subscribe(d, func(e joined) { got = append(got, "second joined") })
	Subscribe(d, func(e parted) { got = append(got, "parted") })

	d.Publish(joined{target: "#a"})
	barrier(t, d)
	barrier(t, d)

	assert.Equal(t, []string{"joined", "second joined", "parted"}, got)
}

func TestPostRunsOnConsumer(t *testing.T) {
	d := startDispatcher(t)

	var order []string
	Subscribe(d, func(joined) { order = append(order, "event") })
	d.Publish(joined{})
	d.Post(func() { order = append(order, "task") })
	d.Post(nil)
	barrier(t, d)

	assert.Equal(t, []string{"event", "task"}, order)
}

func TestCloseDropsLaterEvents(t *testing.T) {
	d := New()
	d.Close()
	d.Close()
	d.Publish(joined{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Barrier(ctx))
	assert.NoError(t, d.Run(context.Background()))
}
