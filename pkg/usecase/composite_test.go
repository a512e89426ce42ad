package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/resource/pool"
)

func newDummy(t *testing.T, parent, name string, cfg Config) UseCase {
	t.Helper()
	d := NewDummy(Identity{Path: parent + "/" + name, Model: "dummy", TypeID: TypeDummy, Daughter: name})
	require.NoError(t, d.Initialize(cfg))
	return d
}

func newTestComposite(t *testing.T, ctor Constructor, cfg Config, daughters map[string]UseCase, order ...string) *Composite {
	t.Helper()
	c := ctor(Identity{Path: "/top", Model: "top", TypeID: TypeComposite}).(*Composite)
	for _, name := range order {
		require.NoError(t, c.AddDaughter(name, daughters[name]))
	}
	require.NoError(t, c.Initialize(cfg))
	return c
}

func TestParallelTimeConstraintIsMax(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "2s"})
	b := newDummy(t, "/top", "B", Config{"duration": "3s"})
	c := newTestComposite(t, NewParallel, Config{}, map[string]UseCase{"A": a, "B": b}, "A", "B")

	assert.Equal(t, 3*time.Second, c.TimeConstraints().Max)
	assert.Equal(t, SchedulingParallel, c.Scheduling())
}

func TestSequentialTimeConstraintIsSum(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "2s"})
	b := newDummy(t, "/top", "B", Config{"duration": "3s"})
	c := newTestComposite(t, NewComposite, Config{"scheduling": "sequential"}, map[string]UseCase{"A": a, "B": b}, "A", "B")

	assert.Equal(t, 5*time.Second, c.TimeConstraints().Max)
	assert.Equal(t, SchedulingSequential, c.Scheduling())
	assert.Equal(t, []string{"A", "B"}, c.Daughters())
}

func TestCompositeRequiresDaughterDuration(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "2s"})
	open := newDummy(t, "/top", "Open", Config{})

	c := NewParallel(Identity{Path: "/top"}).(*Composite)
	require.NoError(t, c.AddDaughter("A", a))
	require.NoError(t, c.AddDaughter("Open", open))

	err := c.Initialize(Config{})
	require.Error(t, err)
	var mtc *cmserrors.MissingTimeConstraintError
	require.ErrorAs(t, err, &mtc)
	assert.Equal(t, "Open", mtc.Daughter)
}

func TestCompositeWithoutDaughters(t *testing.T) {
	c := NewParallel(Identity{Path: "/top"})
	err := c.Initialize(Config{})
	assert.True(t, cmserrors.HasCode(err, cmserrors.ErrMissingTimeConstraint))
}

func TestAddDaughterAfterInitialize(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "1s"})
	c := newTestComposite(t, NewParallel, Config{}, map[string]UseCase{"A": a}, "A")
	err := c.AddDaughter("B", newDummy(t, "/top", "B", Config{"duration": "1s"}))
	assert.True(t, cmserrors.HasCode(err, cmserrors.ErrAlreadyInitialized))
}

func TestLinkToUnknownDaughter(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "1s"})
	c := NewParallel(Identity{Path: "/top"}).(*Composite)
	require.NoError(t, c.AddDaughter("A", a))
	err := c.Initialize(Config{"mounts": []any{"@Nope:T1->Dev1"}})
	assert.True(t, cmserrors.HasCode(err, cmserrors.ErrMalformedPortAddress))
}

func TestMountLinksDaughterPortBelowDevice(t *testing.T) {
	cat := newCatalog(t)
	foo := newDummy(t, "/top", "Foo", Config{
		"duration":         "30ms",
		"tick":             "5ms",
		"functional_ports": map[string]any{"T1": ""},
	})
	c := newTestComposite(t, NewParallel, Config{
		"distributable_ports": map[string]any{"Dev1": "/dev1"},
		"mounts":              []any{"@Foo:T1->Dev1[Monitoring/Temperature]"},
	}, map[string]UseCase{"Foo": foo}, "Foo")

	require.NoError(t, c.Mount(Binding{Catalog: cat}))

	r, ok := foo.(*Dummy).FunctionalResource("T1")
	require.True(t, ok)
	assert.Equal(t, int32(10), r.ID)

	shared := c.SharedPool()
	require.NotNil(t, shared)
	assert.ElementsMatch(t, []int32{10, 11, 12}, shared.IDs())

	assert.Equal(t, StatusCompleted, c.Run(context.Background()))
	assert.Equal(t, StatusCompleted, foo.Status())
	assert.Equal(t, 0, shared.Holders(10))
}

func TestMountInheritsSharedPolicies(t *testing.T) {
	cat := newCatalog(t)
	session := pool.New("session-distributable")
	require.NoError(t, session.AddLimited(20, 1))

	a := newDummy(t, "/top", "A", Config{"duration": "1s"})
	c := newTestComposite(t, NewParallel, Config{
		"distributable_ports": map[string]any{"HV": "/dev2/hv"},
	}, map[string]UseCase{"A": a}, "A")
	require.NoError(t, c.Mount(Binding{Catalog: cat, Shared: session}))

	policy, ok := c.SharedPool().Policy(20)
	require.True(t, ok)
	assert.Equal(t, 1, policy.Limit())

	other := newDummy(t, "/top2", "A", Config{"duration": "1s"})
	c2 := newTestComposite(t, NewParallel, Config{
		"distributable_ports": map[string]any{"Dev1": "/dev1"},
	}, map[string]UseCase{"A": other}, "A")
	err := c2.Mount(Binding{Catalog: cat, Shared: session})
	assert.True(t, cmserrors.IsUnknownResourceError(err), "distributable resources must come from the mother")
}

func TestDaughtersDrawOnSharedPool(t *testing.T) {
	cat := newCatalog(t)
	session := pool.New("session-distributable")
	require.NoError(t, session.AddExclusive(20))

	a := newDummy(t, "/top", "A", Config{
		"duration":         "1h",
		"tick":             "5ms",
		"functional_ports": map[string]any{"Out": ""},
	})
	c := newTestComposite(t, NewParallel, Config{
		"distributable_ports": map[string]any{"HV": "/dev2/hv"},
		"mounts":              []any{"@A:Out->HV"},
	}, map[string]UseCase{"A": a}, "A")
	require.NoError(t, c.Mount(Binding{Catalog: cat, Shared: session}))

	done := make(chan RunStatus, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return a.Status() == StatusRunning }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, session.Holders(20), "the daughter's hold reaches the session pool")
	assert.False(t, session.Available(20))

	c.StopRequest()
	select {
	case s := <-done:
		assert.Equal(t, StatusStopped, s)
	case <-time.After(5 * time.Second):
		t.Fatal("composite did not stop")
	}
	assert.Zero(t, session.Holders(20))
}

func TestParallelFailureStopsSiblings(t *testing.T) {
	failing := newDummy(t, "/top", "Bad", Config{"duration": "10s", "tick": "5ms", "fail_at_iteration": 2})
	long := newDummy(t, "/top", "Long", Config{"duration": "10s", "tick": "5ms"})
	c := newTestComposite(t, NewParallel, Config{}, map[string]UseCase{"Bad": failing, "Long": long}, "Bad", "Long")
	require.NoError(t, c.Mount(Binding{}))

	done := make(chan RunStatus, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case s := <-done:
		assert.Equal(t, StatusFailed, s)
	case <-time.After(5 * time.Second):
		t.Fatal("composite did not finish after daughter failure")
	}
	assert.Equal(t, StatusFailed, failing.Status())
	assert.Equal(t, StatusStopped, long.Status())
	assert.Error(t, c.Err())
}

func TestParallelDaughterPanicFailsComposite(t *testing.T) {
	bad := NewBase(Identity{Path: "/top/Bad", Model: "bad", Daughter: "Bad"}, Hooks{
		AtIteration: func(context.Context, int) (bool, error) { panic("device driver bug") },
	})
	require.NoError(t, bad.Initialize(Config{"max_duration": "10s"}))
	long := newDummy(t, "/top", "Long", Config{"duration": "10s", "tick": "5ms"})
	c := newTestComposite(t, NewParallel, Config{}, map[string]UseCase{"Bad": bad, "Long": long}, "Bad", "Long")
	require.NoError(t, c.Mount(Binding{}))

	done := make(chan RunStatus, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case s := <-done:
		assert.Equal(t, StatusFailed, s)
	case <-time.After(5 * time.Second):
		t.Fatal("composite did not finish after daughter panic")
	}
	assert.ErrorIs(t, bad.Err(), ErrPanicked)
	assert.Equal(t, StatusStopped, long.Status())
}

func TestParallelExclusiveConflictFails(t *testing.T) {
	cat := newCatalog(t)
	a := newDummy(t, "/top", "A", Config{"duration": "200ms", "tick": "5ms", "functional_ports": map[string]any{"T": ""}})
	b := newDummy(t, "/top", "B", Config{"duration": "200ms", "tick": "5ms", "functional_ports": map[string]any{"T": ""}})
	c := newTestComposite(t, NewParallel, Config{
		"distributable_ports": map[string]any{"Dev1": "/dev1"},
		"mounts": []any{
			"@A:T->Dev1[Monitoring/Temperature]",
			"@B:T->Dev1[Monitoring/Temperature]",
		},
	}, map[string]UseCase{"A": a, "B": b}, "A", "B")
	require.NoError(t, c.Mount(Binding{Catalog: cat}))

	assert.Equal(t, StatusFailed, c.Run(context.Background()))
	assert.True(t, cmserrors.IsCapacityError(c.Err()))
	assert.Equal(t, 0, c.SharedPool().Holders(10))
}

func TestParentStopPropagates(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "10s", "tick": "5ms"})
	b := newDummy(t, "/top", "B", Config{"duration": "10s", "tick": "5ms"})
	c := newTestComposite(t, NewParallel, Config{}, map[string]UseCase{"A": a, "B": b}, "A", "B")
	require.NoError(t, c.Mount(Binding{}))

	done := make(chan RunStatus, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		return a.Status() == StatusRunning && b.Status() == StatusRunning
	}, time.Second, time.Millisecond)

	c.StopRequest()

	select {
	case s := <-done:
		assert.Equal(t, StatusStopped, s)
	case <-time.After(5 * time.Second):
		t.Fatal("composite did not stop")
	}
	assert.Equal(t, StatusStopped, a.Status())
	assert.Equal(t, StatusStopped, b.Status())
}

func TestSequentialRunsInOrder(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "10ms", "tick": "2ms"})
	b := newDummy(t, "/top", "B", Config{"duration": "10ms", "tick": "2ms"})
	c := newTestComposite(t, NewSequential, Config{}, map[string]UseCase{"A": a, "B": b}, "A", "B")
	require.NoError(t, c.Mount(Binding{}))

	assert.Equal(t, StatusCompleted, c.Run(context.Background()))
	assert.Equal(t, StatusCompleted, a.Status())
	assert.Equal(t, StatusCompleted, b.Status())
}

func TestSequentialStopsAfterFailure(t *testing.T) {
	a := newDummy(t, "/top", "A", Config{"duration": "1s", "tick": "2ms", "fail_at_iteration": 0})
	b := newDummy(t, "/top", "B", Config{"duration": "10ms", "tick": "2ms"})
	c := newTestComposite(t, NewSequential, Config{}, map[string]UseCase{"A": a, "B": b}, "A", "B")
	require.NoError(t, c.Mount(Binding{}))

	assert.Equal(t, StatusFailed, c.Run(context.Background()))
	assert.Equal(t, StatusReady, b.Status(), "later daughters never start")
}

func TestParseScheduling(t *testing.T) {
	s, err := ParseScheduling("")
	require.NoError(t, err)
	assert.Equal(t, SchedulingParallel, s)

	s, err = ParseScheduling("Sequential")
	require.NoError(t, err)
	assert.Equal(t, SchedulingSequential, s)

	_, err = ParseScheduling("random")
	assert.Error(t, err)
}
