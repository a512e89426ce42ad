package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Path  string  `cbor:"1,keyasint"`
	Value float64 `cbor:"2,keyasint"`
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("vire.cms.control/sessions/3")
	require.NoError(t, err)
	assert.Equal(t, Address{Domain: "vire.cms.control", Name: "sessions/3"}, a)
	assert.Equal(t, "vire.cms.control/sessions/3", a.String())

	for _, bad := range []string{"", "nodomain", "/name", "domain/"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuilderSequenceIsMonotonic(t *testing.T) {
	b := NewBuilder("vired@host")

	var wg sync.WaitGroup
	seqs := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := b.Build("vire::test", samplePayload{Path: "/a"})
			assert.NoError(t, err)
			seqs <- m.Header.Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, 100)
	for i := uint64(1); i <= 100; i++ {
		assert.True(t, seen[i])
	}
}

func TestBuildStampsHeader(t *testing.T) {
	b := NewBuilder("emitter-1")
	m, err := b.Build("vire::test", samplePayload{Path: "/cms/dev1/t", Value: 21.5})
	require.NoError(t, err)

	assert.Equal(t, "emitter-1", m.Header.EmitterID)
	assert.Equal(t, uint64(1), m.Header.Seq)
	assert.Equal(t, DefaultBodyLayout, m.Header.BodyLayoutID)
	assert.NotZero(t, m.Header.MessageID)
	assert.WithinDuration(t, time.Now(), m.Header.Timestamp, time.Minute)

	var got samplePayload
	require.NoError(t, m.Body.Decode(&got))
	assert.Equal(t, samplePayload{Path: "/cms/dev1/t", Value: 21.5}, got)

	reply, err := b.BuildReply(m, "vire::ack", true)
	require.NoError(t, err)
	require.NotNil(t, reply.Header.InReplyTo)
	assert.Equal(t, m.Header.MessageID, *reply.Header.InReplyTo)
	assert.Equal(t, uint64(2), reply.Header.Seq)
}

func TestMessageCodecRoundTrip(t *testing.T) {
	m, err := NewBuilder("e").Build(TypeResourceExecFailure, ResourceExecFailure{
		Status: ResourceStatusRecord{Path: "/cms/dev1/valve", Disabled: true},
		Kind:   FailureInvalidStatus,
	})
	require.NoError(t, err)

	data, err := EncodeMessage(m)
	require.NoError(t, err)
	back, err := DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, m.Header.MessageID, back.Header.MessageID)
	assert.Equal(t, m.Header.Seq, back.Header.Seq)
	assert.True(t, m.Header.Timestamp.Equal(back.Header.Timestamp))
	assert.Equal(t, m.Body.TypeID, back.Body.TypeID)

	var f ResourceExecFailure
	require.NoError(t, back.Body.Decode(&f))
	assert.Equal(t, FailureInvalidStatus, f.Kind)
	assert.True(t, f.Status.Disabled)
}

func TestNewStatusFailure(t *testing.T) {
	_, ok := NewStatusFailure(ResourceStatusRecord{Path: "/a"})
	assert.False(t, ok)

	f, ok := NewStatusFailure(ResourceStatusRecord{Path: "/a", Pending: true})
	require.True(t, ok)
	assert.Equal(t, FailureInvalidStatus, f.Kind)
	assert.Equal(t, "resource /a: invalid_status: pending", f.Error())
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	addr := Address{Domain: "vire.cms.monitoring", Name: "dev1"}
	ch, err := bus.Subscribe(ctx, addr)
	require.NoError(t, err)

	m, err := NewBuilder("e").Build("vire::test", 1)
	require.NoError(t, err)
	require.NoError(t, bus.Send(context.Background(), addr, m))
	require.NoError(t, bus.Send(context.Background(), Address{Domain: "other", Name: "x"}, m))

	select {
	case got := <-ch:
		assert.Equal(t, m.Header.MessageID, got.Header.MessageID)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(1)
	ch, err := bus.Subscribe(context.Background(), Address{Domain: "d", Name: "n"})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, open := <-ch
	assert.False(t, open)

	assert.ErrorIs(t, bus.Send(context.Background(), Address{Domain: "d", Name: "n"}, Message{}), ErrClosed)
	_, err = bus.Subscribe(context.Background(), Address{Domain: "d", Name: "n"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	bus := NewRedisBus(rdb, WithRedisPrefix("vire-test"))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := Address{Domain: "vire.cms.control", Name: "session/1"}
	ch, err := bus.Subscribe(ctx, addr)
	require.NoError(t, err)

	m, err := NewBuilder("e").Build("vire::test", samplePayload{Path: "/x", Value: 2})
	require.NoError(t, err)
	require.NoError(t, bus.Send(ctx, addr, m))

	select {
	case got := <-ch:
		assert.Equal(t, m.Header.MessageID, got.Header.MessageID)
		var p samplePayload
		require.NoError(t, got.Body.Decode(&p))
		assert.Equal(t, "/x", p.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered over redis")
	}

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Send(ctx, addr, m), ErrClosed)
}
