package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/resource/pool"
)

func TestBuiltinsRegistered(t *testing.T) {
	b := Builtins()
	for _, id := range []string{TypeDummy, TypeResourceMonitor, TypeComposite, TypeParallel, TypeSequential} {
		ctor, ok := b[id]
		require.True(t, ok, id)
		assert.Equal(t, StatusReady, ctor(Identity{Path: "/x", TypeID: id}).Status())
	}
}

func TestDummyDefaultsMaxToDuration(t *testing.T) {
	d := newDummy(t, "", "d", Config{"duration": "1m30s"})
	tc := d.TimeConstraints()
	assert.Equal(t, 90*time.Second, tc.Max)
	assert.Equal(t, 90*time.Second, tc.Min)

	d = newDummy(t, "", "d", Config{"duration": "10s", "max_duration": "20s"})
	assert.Equal(t, 20*time.Second, d.TimeConstraints().Max)
}

func TestDummyRunsForDuration(t *testing.T) {
	d := newDummy(t, "", "d", Config{"duration": "25ms", "tick": "5ms"})
	require.NoError(t, d.Mount(Binding{}))

	start := time.Now()
	assert.Equal(t, StatusCompleted, d.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestResourceMonitorPublishesSamples(t *testing.T) {
	cat := newCatalog(t)
	mother := pool.New("session")
	require.NoError(t, mother.AddUnlimited(11))

	bus := event.NewBus()
	events, cancel := bus.Subscribe(64)
	defer cancel()

	m := NewResourceMonitor(Identity{Path: "/mon", TypeID: TypeResourceMonitor})
	require.NoError(t, m.Initialize(Config{
		"period":           "5ms",
		"max_duration":     "30ms",
		"functional_ports": map[string]any{"P": "/dev1/Monitoring/Pressure"},
	}))
	require.NoError(t, m.Mount(Binding{Catalog: cat, Pool: mother, Events: bus, SessionID: 2}))

	assert.Equal(t, StatusCompleted, m.Run(context.Background()))

	samples := 0
	for len(events) > 0 {
		e := <-events
		if e.Kind == event.KindMonitoring {
			samples++
			assert.Equal(t, "/dev1/Monitoring/Pressure", e.Source)
			assert.Equal(t, "11", e.Attrs["resource_id"])
		}
	}
	assert.Greater(t, samples, 0)
	assert.Equal(t, 0, mother.Holders(11))
}

func TestDryCompletesImmediately(t *testing.T) {
	d := NewDry(Identity{Path: "/dry", TypeID: "acme::unknown"})
	require.NoError(t, d.Initialize(Config{"max_duration": "1h"}))
	require.NoError(t, d.Mount(Binding{}))
	assert.Equal(t, StatusCompleted, d.Run(context.Background()))
}
