package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/internal/telemetry"
)

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE. Each Address maps to one
// Redis channel "<prefix>:<domain>/<name>" and messages travel CBOR-encoded.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	buffer int

	mu     sync.Mutex
	pubsub []*redis.PubSub
	closed bool
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithRedisPrefix sets the channel name prefix (default "vire").
func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBus) { b.prefix = strings.Trim(prefix, ":") }
}

// WithRedisBuffer sets the per-subscription delivery buffer (default 64).
func WithRedisBuffer(n int) RedisOption {
	return func(b *RedisBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus wraps an existing client. The bus does not own rdb; Close only
// tears down subscriptions.
func NewRedisBus(rdb *redis.Client, opts ...RedisOption) *RedisBus {
	b := &RedisBus{rdb: rdb, prefix: "vire", buffer: 64}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBus) channel(a Address) string {
	return b.prefix + ":" + a.String()
}

func (b *RedisBus) Send(ctx context.Context, to Address, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, span := telemetry.StartTransportSpan(ctx, to.String(), telemetry.MessageType(msg.Body.TypeID))
	defer span.End()

	data, err := EncodeMessage(msg)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(to), data).Err(); err != nil {
		telemetry.RecordError(ctx, err)
		return fmt.Errorf("publish to %s: %w", to, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, at Address) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ps := b.rdb.Subscribe(ctx, b.channel(at))
	b.pubsub = append(b.pubsub, ps)
	b.mu.Unlock()

	// Wait for the subscription confirmation so that messages published
	// right after Subscribe returns are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", at, err)
	}

	out := make(chan Message, b.buffer)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := DecodeMessage([]byte(raw.Payload))
				if err != nil {
					logger.Warn("dropping undecodable message",
						logger.KeyAddress, at.String(), logger.KeyError, err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes every subscription opened through this bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, ps := range b.pubsub {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.pubsub = nil
	return firstErr
}
