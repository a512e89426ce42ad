package usecase

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/pkg/event"
)

// Registered type identifiers of the built-in use cases.
const (
	TypeDummy           = "vire::cms::dummy_use_case"
	TypeResourceMonitor = "vire::cms::resource_monitor"
	TypeComposite       = "vire::cms::composite_use_case"
	TypeParallel        = "vire::cms::parallel_use_case"
	TypeSequential      = "vire::cms::sequential_use_case"
)

// Constructor builds a READY, uninitialized use case.
type Constructor func(id Identity) UseCase

// Builtins returns the constructors of the built-in types by type ID.
func Builtins() map[string]Constructor {
	return map[string]Constructor{
		TypeDummy:           NewDummy,
		TypeResourceMonitor: NewResourceMonitor,
		TypeComposite:       NewComposite,
		TypeParallel:        NewParallel,
		TypeSequential:      NewSequential,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type dummyConfig struct {
	Duration        time.Duration `mapstructure:"duration"`
	Tick            time.Duration `mapstructure:"tick"`
	FailAtIteration int           `mapstructure:"fail_at_iteration"`
}

// Dummy simulates functional work: it ticks until its duration elapses.
// Configured with fail_at_iteration it fails on that iteration, which makes
// it useful to exercise failure propagation in composites.
type Dummy struct {
	*Base
	cfg   dummyConfig
	start time.Time
}

// DefaultDummyTick is the iteration period of Dummy.
const DefaultDummyTick = 100 * time.Millisecond

// NewDummy creates a Dummy use case.
func NewDummy(id Identity) UseCase {
	d := &Dummy{cfg: dummyConfig{FailAtIteration: -1}}
	d.Base = NewBase(id, Hooks{
		AtInitialize: d.atInitialize,
		AtPrepare:    d.atPrepare,
		AtIteration:  d.atIteration,
	})
	return d
}

func (d *Dummy) atInitialize(cfg Config) error {
	if err := Decode(cfg, &d.cfg); err != nil {
		return err
	}
	if d.cfg.Duration < 0 {
		return fmt.Errorf("use case %s: negative duration", d.Path())
	}
	if d.cfg.Tick <= 0 {
		d.cfg.Tick = DefaultDummyTick
	}
	tc := d.Base.TimeConstraints()
	if !tc.HasMax() && d.cfg.Duration > 0 {
		tc.Max = d.cfg.Duration
		if tc.Min == 0 {
			tc.Min = d.cfg.Duration
		}
		d.SetTimeConstraints(tc)
	}
	return nil
}

func (d *Dummy) atPrepare(context.Context) error {
	d.start = time.Now()
	return nil
}

func (d *Dummy) atIteration(ctx context.Context, i int) (bool, error) {
	if i == d.cfg.FailAtIteration {
		return false, fmt.Errorf("simulated failure at iteration %d", i)
	}
	if d.cfg.Duration > 0 && time.Since(d.start) >= d.cfg.Duration {
		return true, nil
	}
	wait := d.cfg.Tick
	if d.cfg.Duration > 0 {
		if left := d.cfg.Duration - time.Since(d.start); left < wait {
			wait = left
		}
	}
	sleepCtx(ctx, wait)
	return d.cfg.Duration > 0 && time.Since(d.start) >= d.cfg.Duration, nil
}

type monitorConfig struct {
	Period time.Duration `mapstructure:"period"`
}

// ResourceMonitor publishes a monitoring event for each of its functional
// resources every period until stopped or out of time.
type ResourceMonitor struct {
	*Base
	cfg monitorConfig
}

// DefaultMonitorPeriod is the sampling period of ResourceMonitor.
const DefaultMonitorPeriod = time.Second

// NewResourceMonitor creates a ResourceMonitor use case.
func NewResourceMonitor(id Identity) UseCase {
	m := &ResourceMonitor{}
	m.Base = NewBase(id, Hooks{
		AtInitialize: m.atInitialize,
		AtIteration:  m.atIteration,
	})
	return m
}

func (m *ResourceMonitor) atInitialize(cfg Config) error {
	if err := Decode(cfg, &m.cfg); err != nil {
		return err
	}
	if m.cfg.Period <= 0 {
		m.cfg.Period = DefaultMonitorPeriod
	}
	return nil
}

func (m *ResourceMonitor) atIteration(ctx context.Context, i int) (bool, error) {
	bind := m.Binding()
	for _, r := range m.FunctionalResources() {
		if bind.Events == nil {
			break
		}
		bind.Events.Publish(event.Event{
			Kind:       event.KindMonitoring,
			SessionID:  bind.SessionID,
			SessionKey: bind.SessionKey,
			Source:     r.Path,
			State:      "sampled",
			Attrs: map[string]string{
				"resource_id": strconv.Itoa(int(r.ID)),
				"use_case":    m.Path(),
				"iteration":   strconv.Itoa(i),
			},
		})
	}
	logger.DebugCtx(ctx, "resources sampled", logger.KeyIteration, i)
	sleepCtx(ctx, m.cfg.Period)
	return false, nil
}

// NewDry creates a use case with no behavior of its own: it validates its
// configuration and ports and completes immediately when run. The factory
// uses it for types it cannot instantiate when registry checks are off.
func NewDry(id Identity) UseCase {
	return &dry{Base: NewBase(id, Hooks{})}
}

type dry struct {
	*Base
}
