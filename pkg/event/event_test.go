package event

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vire-cms/vire/pkg/transport"
)

type countingDrops struct{ n atomic.Int32 }

func (c *countingDrops) ObserveEventDropped(string) { c.n.Add(1) }

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Kind: KindSessionState, SessionID: 3, State: "CONNECTED"})

	select {
	case e := <-ch:
		assert.Equal(t, KindSessionState, e.Kind)
		assert.Equal(t, int32(3), e.SessionID)
		assert.False(t, e.Time.IsZero(), "publish stamps the time")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	drops := &countingDrops{}
	bus.SetDropObserver(drops)

	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: KindMonitoring, State: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(9), bus.Dropped())
	assert.Equal(t, int32(9), drops.n.Load())
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	bus.Publish(Event{Kind: KindReservation})
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Kind: KindMonitoring}) })
}

func TestForwarder(t *testing.T) {
	bus := NewBus()
	tb := transport.NewMemoryBus(8)
	defer tb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	to := transport.Address{Domain: "vire.cms.monitoring", Name: "events"}
	msgs, err := tb.Subscribe(ctx, to)
	require.NoError(t, err)

	fwd := NewForwarder(bus, tb, to, transport.NewBuilder("vired"))
	go fwd.Run(ctx)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(Event{Kind: KindUseCaseStatus, Source: "/calib/Foo", State: "COMPLETED"})

	select {
	case m := <-msgs:
		assert.Equal(t, transport.TypeSessionEvent, m.Body.TypeID)
		var e Event
		require.NoError(t, m.Body.Decode(&e))
		assert.Equal(t, "/calib/Foo", e.Source)
		assert.Equal(t, "COMPLETED", e.State)
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestForwardStopsWhenSubscriptionCloses(t *testing.T) {
	bus := NewBus()
	tb := transport.NewMemoryBus(8)
	defer tb.Close()

	events, cancel := bus.Subscribe(4)
	fwd := NewForwarder(bus, tb, transport.Address{Domain: "vire.cms.monitoring", Name: "events"}, transport.NewBuilder("vired"))

	done := make(chan struct{})
	go func() {
		fwd.Forward(context.Background(), events)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return")
	}
}
