package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("transport: bus closed")

// Channel sends an already-built message to a destination.
type Channel interface {
	Send(ctx context.Context, to Address, msg Message) error
}

// Receiver delivers messages sent to an address. The returned channel is
// closed when ctx is done or the bus is closed.
type Receiver interface {
	Subscribe(ctx context.Context, at Address) (<-chan Message, error)
}

// Bus is a Channel that can also be subscribed to.
type Bus interface {
	Channel
	Receiver
	Close() error
}

// MemoryBus is an in-process Bus. Delivery to a subscriber whose buffer is
// full blocks until ctx of the Send is done.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[Address]map[*memorySub]struct{}
	closed bool
	buffer int
}

type memorySub struct {
	ch   chan Message
	once sync.Once
}

func (s *memorySub) close() { s.once.Do(func() { close(s.ch) }) }

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus whose subscriptions buffer up to buffer messages.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryBus{subs: make(map[Address]map[*memorySub]struct{}), buffer: buffer}
}

func (b *MemoryBus) Send(ctx context.Context, to Address, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[to] {
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, at Address) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{ch: make(chan Message, b.buffer)}
	if b.subs[at] == nil {
		b.subs[at] = make(map[*memorySub]struct{})
	}
	b.subs[at][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[at], sub)
		b.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Close closes every subscription. Further sends fail with ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.close()
		}
	}
	b.subs = make(map[Address]map[*memorySub]struct{})
	return nil
}
