package usecase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/internal/telemetry"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/resource/pool"
)

// ErrStopped may be returned by an iteration hook to end the run as STOPPED.
var ErrStopped = errors.New("use case stopped")

// ErrPanicked wraps a panic raised by a use-case hook.
var ErrPanicked = errors.New("use case panicked")

// Hooks are the extension points of Base. Every hook is optional.
type Hooks struct {
	// AtInitialize parses type-specific configuration.
	AtInitialize func(cfg Config) error

	// AtMount runs after the declared ports are resolved.
	AtMount func(b Binding) error

	// AtPrepare runs once functional resources are held.
	AtPrepare func(ctx context.Context) error

	// AtIteration performs one unit of functional work. Returning done
	// completes the run; an error fails it, unless it is ErrStopped.
	AtIteration func(ctx context.Context, iteration int) (done bool, err error)

	// AtTerminate runs on every path out of RUNNING or PREPARING.
	AtTerminate func(ctx context.Context)
}

// Base implements the lifecycle shared by every use case. Concrete types
// embed it and plug their behavior in through Hooks.
type Base struct {
	id    Identity
	hooks Hooks
	now   func() time.Time

	stop atomic.Bool

	mu            sync.Mutex
	initialized   bool
	mounted       bool
	status        RunStatus
	err           error
	tc            TimeConstraints
	req           Requirements
	binding       Binding
	functional    map[string]resource.Resource
	distributable map[string]string
	iterations    int
}

// NewBase creates a READY base.
func NewBase(id Identity, hooks Hooks) *Base {
	return &Base{id: id, hooks: hooks, now: time.Now, status: StatusReady}
}

func (b *Base) Identity() Identity { return b.id }

func (b *Base) Path() string { return b.id.Path }

func (b *Base) Status() RunStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Base) TimeConstraints() TimeConstraints {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tc
}

// SetTimeConstraints replaces the time constraints. Intended for
// AtInitialize hooks.
func (b *Base) SetTimeConstraints(tc TimeConstraints) {
	b.mu.Lock()
	b.tc = tc
	b.mu.Unlock()
}

func (b *Base) Requirements() Requirements {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Requirements{
		Functional:    append([]PortDecl(nil), b.req.Functional...),
		Distributable: append([]PortDecl(nil), b.req.Distributable...),
	}
}

// DeclareFunctional adds or replaces a functional port before mount.
func (b *Base) DeclareFunctional(key, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.req.Functional = upsertPort(b.req.Functional, PortDecl{Key: key, Path: path})
}

// DeclareDistributable adds or replaces a distributable port before mount.
func (b *Base) DeclareDistributable(key, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.req.Distributable = upsertPort(b.req.Distributable, PortDecl{Key: key, Path: path})
}

func upsertPort(ports []PortDecl, p PortDecl) []PortDecl {
	for i := range ports {
		if ports[i].Key == p.Key {
			ports[i] = p
			return ports
		}
	}
	return append(ports, p)
}

func portDecls(m map[string]string) []PortDecl {
	out := make([]PortDecl, 0, len(m))
	for k, v := range m {
		out = append(out, PortDecl{Key: k, Path: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Binding returns the binding given to Mount.
func (b *Base) Binding() Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding
}

// FunctionalResource returns the resource a functional port resolved to.
func (b *Base) FunctionalResource(key string) (resource.Resource, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.functional[key]
	return r, ok
}

// FunctionalResources returns the resolved functional resources sorted by ID.
func (b *Base) FunctionalResources() []resource.Resource {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]resource.Resource, 0, len(b.functional))
	for _, r := range b.functional {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DistributablePath returns the path a distributable port resolved to.
func (b *Base) DistributablePath(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.distributable[key]
	return p, ok
}

// Iterations returns the number of completed iterations.
func (b *Base) Iterations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterations
}

func (b *Base) StopRequest() {
	if !b.stop.Swap(true) {
		logger.Debug("use case stop requested", logger.KeyUseCase, b.id.Path)
	}
}

func (b *Base) IsStopRequested() bool { return b.stop.Load() }

// Initialize decodes the common properties (durations, fixed times, ports)
// and then runs AtInitialize.
func (b *Base) Initialize(cfg Config) error {
	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return &cmserrors.AlreadyInitializedError{Object: "use case " + b.id.Path}
	}
	b.mu.Unlock()

	var bc baseConfig
	if err := Decode(cfg, &bc); err != nil {
		return err
	}

	b.mu.Lock()
	b.tc = TimeConstraints{
		Min:   bc.MinDuration,
		Max:   bc.MaxDuration,
		Start: bc.StartTime,
		Stop:  bc.StopTime,
	}
	b.req = Requirements{
		Functional:    portDecls(bc.FunctionalPorts),
		Distributable: portDecls(bc.DistributablePorts),
	}
	b.mu.Unlock()

	if b.hooks.AtInitialize != nil {
		if err := b.hooks.AtInitialize(cfg); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tc.Validate(); err != nil {
		return err
	}
	b.initialized = true
	return nil
}

// IsInitialized reports whether Initialize succeeded.
func (b *Base) IsInitialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// Mount resolves the declared ports against the binding. A functional port
// must name a resource present in the mother pool; a distributable port may
// name a resource or a device prefix.
func (b *Base) Mount(bind Binding) error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return &cmserrors.NotInitializedError{Object: "use case " + b.id.Path, Reason: "mount before initialize"}
	}
	if b.mounted {
		b.mu.Unlock()
		return &cmserrors.AlreadyInitializedError{Object: "use case " + b.id.Path, Field: "binding"}
	}
	req := b.req
	b.mu.Unlock()

	functional := make(map[string]resource.Resource, len(req.Functional))
	for _, decl := range req.Functional {
		path := portPath(decl, bind)
		if path == "" {
			return &cmserrors.MalformedPortAddressError{Input: decl.Key, Reason: "functional port is not bound"}
		}
		if bind.Catalog == nil {
			return cmserrors.NewUnknownResourcePath(path)
		}
		r, err := bind.Catalog.GetResourceByPath(path)
		if err != nil {
			return err
		}
		if bind.Pool != nil && !bind.Pool.Has(r.ID) {
			return cmserrors.NewUnknownResourceID(r.ID)
		}
		functional[decl.Key] = r
	}

	distributable := make(map[string]string, len(req.Distributable))
	for _, decl := range req.Distributable {
		path := portPath(decl, bind)
		if path == "" {
			return &cmserrors.MalformedPortAddressError{Input: decl.Key, Reason: "distributable port is not bound"}
		}
		if _, err := ResolvePath(bind.Catalog, path); err != nil {
			return err
		}
		distributable[decl.Key] = path
	}

	b.mu.Lock()
	b.binding = bind
	b.functional = functional
	b.distributable = distributable
	b.mu.Unlock()

	if b.hooks.AtMount != nil {
		if err := b.hooks.AtMount(bind); err != nil {
			b.mu.Lock()
			b.functional, b.distributable, b.binding = nil, nil, Binding{}
			b.mu.Unlock()
			return err
		}
	}

	b.mu.Lock()
	b.mounted = true
	b.mu.Unlock()
	logger.Debug("use case mounted",
		logger.KeyUseCase, b.id.Path,
		logger.KeyCount, len(functional))
	return nil
}

func portPath(decl PortDecl, bind Binding) string {
	if p, ok := bind.Ports[decl.Key]; ok && p != "" {
		return p
	}
	return decl.Path
}

// ResolvePath returns the single resource at path, or every resource under
// it when path names a device.
func ResolvePath(cat resource.Catalog, path string) ([]resource.Resource, error) {
	if cat == nil {
		return nil, cmserrors.NewUnknownResourcePath(path)
	}
	if r, err := cat.GetResourceByPath(path); err == nil {
		return []resource.Resource{r}, nil
	}
	rs := cat.ResourcesUnder(strings.TrimSuffix(path, "/") + "/")
	if len(rs) == 0 {
		return nil, cmserrors.NewUnknownResourcePath(path)
	}
	return rs, nil
}

// IsMounted reports whether Mount succeeded.
func (b *Base) IsMounted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mounted
}

func (b *Base) setStatus(ctx context.Context, s RunStatus, cause error) {
	b.mu.Lock()
	b.status = s
	if cause != nil {
		b.err = cause
	}
	bind := b.binding
	b.mu.Unlock()

	telemetry.AddEvent(ctx, "status", telemetry.RunStatus(s.String()))
	if bind.Events != nil {
		e := event.Event{
			Kind:       event.KindUseCaseStatus,
			SessionID:  bind.SessionID,
			SessionKey: bind.SessionKey,
			Source:     b.id.Path,
			State:      s.String(),
		}
		if cause != nil {
			e.Attrs = map[string]string{"error": cause.Error()}
		}
		bind.Events.Publish(e)
	}
}

func (b *Base) fail(ctx context.Context, err error) RunStatus {
	telemetry.RecordError(ctx, err)
	logger.WarnCtx(ctx, "use case failed",
		logger.KeyUseCase, b.id.Path,
		logger.KeyErrorCode, cmserrors.CodeOf(err).String(),
		logger.KeyError, err)
	b.setStatus(ctx, StatusFailed, err)
	return StatusFailed
}

// Run drives the lifecycle. Functional resources are acquired from the
// mother pool all at once on entry to PREPARING and released before the
// terminal status is published. A panicking hook fails the use case with
// ErrPanicked.
func (b *Base) Run(ctx context.Context) (status RunStatus) {
	b.mu.Lock()
	if b.status != StatusReady {
		s := b.status
		b.mu.Unlock()
		return s
	}
	initialized, mounted := b.initialized, b.mounted
	var ids []int32
	for _, r := range b.functional {
		ids = append(ids, r.ID)
	}
	mother := b.binding.Pool
	tc := b.tc
	b.mu.Unlock()

	ctx, span := telemetry.StartUseCaseSpan(ctx, b.id.Path,
		telemetry.Model(b.id.Model))
	defer span.End()
	ctx = logger.ContextWithUseCase(ctx, b.id.Path)

	if !initialized || !mounted {
		reason := "run before initialize"
		if initialized {
			reason = "run before mount"
		}
		return b.fail(ctx, &cmserrors.NotInitializedError{Object: "use case " + b.id.Path, Reason: reason})
	}

	b.setStatus(ctx, StatusPreparing, nil)
	start := b.now()

	var lease *pool.Lease
	terminated := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("%w: %v", ErrPanicked, r)
		logger.ErrorCtx(ctx, "use case panicked",
			logger.KeyError, err,
			"stack", string(debug.Stack()))
		if !terminated {
			b.terminate(ctx, lease)
		}
		status = b.fail(ctx, err)
	}()

	if mother != nil && len(ids) > 0 {
		var err error
		if lease, err = mother.AcquireAll(ids...); err != nil {
			return b.fail(ctx, err)
		}
	}

	if b.hooks.AtPrepare != nil {
		if err := b.hooks.AtPrepare(ctx); err != nil {
			terminated = true
			b.terminate(ctx, lease)
			return b.fail(ctx, err)
		}
	}

	b.setStatus(ctx, StatusRunning, nil)
	logger.InfoCtx(ctx, "use case running",
		logger.KeyModel, b.id.Model,
		logger.KeyCount, len(ids))

	status, cause := b.loop(ctx, start, tc)
	terminated = true
	b.terminate(ctx, lease)

	if status == StatusFailed {
		return b.fail(ctx, cause)
	}
	b.setStatus(ctx, status, nil)
	logger.InfoCtx(ctx, "use case finished",
		logger.KeyStatus, status.String(),
		logger.KeyIteration, b.Iterations(),
		logger.KeyDurationMs, float64(b.now().Sub(start).Microseconds())/1000.0)
	return status
}

func (b *Base) loop(ctx context.Context, start time.Time, tc TimeConstraints) (RunStatus, error) {
	if b.hooks.AtIteration == nil {
		return StatusCompleted, nil
	}
	for i := 0; ; i++ {
		if b.stop.Load() || ctx.Err() != nil {
			return StatusStopped, nil
		}
		now := b.now()
		if tc.HasMax() && now.Sub(start) >= tc.Max {
			return StatusCompleted, nil
		}
		if tc.HasStopTime() && !now.Before(tc.Stop) {
			return StatusCompleted, nil
		}

		done, err := b.hooks.AtIteration(ctx, i)

		b.mu.Lock()
		b.iterations++
		b.mu.Unlock()

		switch {
		case errors.Is(err, ErrStopped):
			return StatusStopped, nil
		case err != nil:
			return StatusFailed, err
		case done:
			return StatusCompleted, nil
		}
	}
}

// terminate runs the terminate hook and releases lease even when the hook
// panics.
func (b *Base) terminate(ctx context.Context, lease *pool.Lease) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCtx(ctx, "terminate hook panicked", logger.KeyError, fmt.Sprint(r))
		}
		if err := lease.Release(); err != nil {
			logger.ErrorCtx(ctx, "functional resource release failed", logger.KeyError, err)
		}
	}()
	if b.hooks.AtTerminate != nil {
		b.hooks.AtTerminate(ctx)
	}
}
