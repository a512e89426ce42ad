// Package event carries status-change notifications from the CMS core to
// whatever monitoring or UI layer is attached. Publishers never block: a
// subscriber that falls behind loses events and the loss is counted.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/pkg/transport"
)

// Kind classifies an event.
type Kind string

const (
	KindSessionState    Kind = "session_state"
	KindConnectionState Kind = "connection_state"
	KindUseCaseStatus   Kind = "usecase_status"
	KindReservation     Kind = "reservation"
	KindMonitoring      Kind = "monitoring"
)

// Event is one notification.
type Event struct {
	Kind       Kind              `cbor:"1,keyasint" json:"kind"`
	Time       time.Time         `cbor:"2,keyasint" json:"time"`
	SessionID  int32             `cbor:"3,keyasint,omitempty" json:"session_id,omitempty"`
	SessionKey string            `cbor:"4,keyasint,omitempty" json:"session_key,omitempty"`
	Source     string            `cbor:"5,keyasint,omitempty" json:"source,omitempty"` // use-case path, login, resource path
	State      string            `cbor:"6,keyasint" json:"state"`
	Attrs      map[string]string `cbor:"7,keyasint,omitempty" json:"attrs,omitempty"`
}

// Publisher is the producer side of a Bus.
type Publisher interface {
	Publish(e Event)
}

// DropObserver is notified of every event lost to a slow subscriber.
type DropObserver interface {
	ObserveEventDropped(kind string)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
	drops   DropObserver
	now     func() time.Time
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event), now: time.Now}
}

// SetDropObserver attaches a drop observer.
func (b *Bus) SetDropObserver(o DropObserver) {
	b.mu.Lock()
	b.drops = o
	b.mu.Unlock()
}

// Publish delivers e to every subscriber with room in its buffer. A nil Bus
// discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			if b.drops != nil {
				b.drops.ObserveEventDropped(string(e.Kind))
			}
		}
	}
}

// Subscribe returns a channel receiving events published from now on, and a
// cancel function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

const forwardBuffer = 256

// Forwarder relays bus events to a transport address as
// transport.TypeSessionEvent messages.
type Forwarder struct {
	bus     *Bus
	channel transport.Channel
	to      transport.Address
	builder *transport.Builder
}

// NewForwarder creates a Forwarder. Run starts it.
func NewForwarder(bus *Bus, ch transport.Channel, to transport.Address, builder *transport.Builder) *Forwarder {
	return &Forwarder{bus: bus, channel: ch, to: to, builder: builder}
}

// Run forwards events until ctx is done. Send failures are logged and the
// event is skipped.
func (f *Forwarder) Run(ctx context.Context) {
	events, cancel := f.bus.Subscribe(forwardBuffer)
	defer cancel()
	f.Forward(ctx, events)
}

// Forward relays events from a subscription taken by the caller until ctx
// is done or events is closed.
func (f *Forwarder) Forward(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			msg, err := f.builder.Build(transport.TypeSessionEvent, e)
			if err != nil {
				logger.Error("event encode failed", logger.KeyError, err)
				continue
			}
			if err := f.channel.Send(ctx, f.to, msg); err != nil && ctx.Err() == nil {
				logger.Warn("event forward failed",
					logger.KeyAddress, f.to.String(), logger.KeyError, err)
			}
		}
	}
}
