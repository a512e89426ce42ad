package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/resource/pool"
)

// Scheduling selects how a composite runs its daughters.
type Scheduling string

const (
	SchedulingParallel   Scheduling = "parallel"
	SchedulingSequential Scheduling = "sequential"
)

// ParseScheduling accepts "parallel" (the default for "") and "sequential".
func ParseScheduling(s string) (Scheduling, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "parallel":
		return SchedulingParallel, nil
	case "sequential", "sequence":
		return SchedulingSequential, nil
	default:
		return "", fmt.Errorf("unknown scheduling %q", s)
	}
}

type compositeConfig struct {
	Scheduling string   `mapstructure:"scheduling"`
	Mounts     []string `mapstructure:"mounts"`
}

type daughter struct {
	name string
	uc   UseCase
}

// Composite runs a set of daughters in parallel or in sequence. It owns a
// distributable pool built from its distributable ports; daughters mount
// against that pool and acquire their functional resources from it.
//
// A failing daughter fails the composite and stop-requests its siblings. A
// stop request on the composite is forwarded to every daughter.
type Composite struct {
	*Base

	mu         sync.Mutex
	scheduling Scheduling
	links      []MountLink
	daughters  []daughter
	shared     *pool.Pool
}

var _ Parent = (*Composite)(nil)

// NewComposite creates a composite whose scheduling comes from its
// configuration.
func NewComposite(id Identity) UseCase {
	return newComposite(id, "")
}

// NewParallel creates a composite fixed to parallel scheduling.
func NewParallel(id Identity) UseCase {
	return newComposite(id, SchedulingParallel)
}

// NewSequential creates a composite fixed to sequential scheduling.
func NewSequential(id Identity) UseCase {
	return newComposite(id, SchedulingSequential)
}

func newComposite(id Identity, fixed Scheduling) *Composite {
	c := &Composite{scheduling: fixed}
	c.Base = NewBase(id, Hooks{
		AtInitialize: func(cfg Config) error { return c.atInitialize(cfg, fixed) },
		AtMount:      c.atMount,
		AtIteration:  c.atIteration,
	})
	return c
}

// AddDaughter attaches a daughter. Daughters must be attached before
// Initialize, which derives the composite's time constraints from them.
func (c *Composite) AddDaughter(name string, d UseCase) error {
	if err := checkName(name, "daughter name", name); err != nil {
		return err
	}
	if c.IsInitialized() {
		return &cmserrors.AlreadyInitializedError{Object: "use case " + c.Path(), Field: "daughters"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.daughters {
		if e.name == name {
			return fmt.Errorf("use case %s: daughter %q already attached", c.Path(), name)
		}
	}
	c.daughters = append(c.daughters, daughter{name: name, uc: d})
	return nil
}

// Daughters returns daughter names in attachment order.
func (c *Composite) Daughters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.daughters))
	for i, d := range c.daughters {
		out[i] = d.name
	}
	return out
}

func (c *Composite) Daughter(name string) (UseCase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.daughters {
		if d.name == name {
			return d.uc, true
		}
	}
	return nil, false
}

func (c *Composite) list() []daughter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]daughter(nil), c.daughters...)
}

// Scheduling returns the scheduling mode.
func (c *Composite) Scheduling() Scheduling {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduling
}

// Links returns the parsed mount links.
func (c *Composite) Links() []MountLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MountLink(nil), c.links...)
}

// SharedPool returns the distributable pool daughters mount against, nil
// before Mount.
func (c *Composite) SharedPool() *pool.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shared
}

// StopRequest raises the stop flag here and on every daughter.
func (c *Composite) StopRequest() {
	c.Base.StopRequest()
	for _, d := range c.list() {
		d.uc.StopRequest()
	}
}

func (c *Composite) atInitialize(cfg Config, fixed Scheduling) error {
	var cc compositeConfig
	if err := Decode(cfg, &cc); err != nil {
		return err
	}

	sched := fixed
	if sched == "" {
		s, err := ParseScheduling(cc.Scheduling)
		if err != nil {
			return fmt.Errorf("use case %s: %w", c.Path(), err)
		}
		sched = s
	}

	links, err := ParseMountLinks(cc.Mounts)
	if err != nil {
		return err
	}

	daughters := c.list()
	names := make(map[string]bool, len(daughters))
	for _, d := range daughters {
		names[d.name] = true
	}
	functional := c.Requirements().Functional
	for _, l := range links {
		if l.From.IsDaughterPort() && !names[l.From.Daughter] {
			return &cmserrors.MalformedPortAddressError{Input: l.String(), Reason: "unknown daughter " + l.From.Daughter}
		}
		if !l.From.IsDaughterPort() && !hasPort(functional, l.From.Key) {
			return &cmserrors.MalformedPortAddressError{Input: l.String(), Reason: "unknown functional port " + l.From.Key}
		}
	}

	if len(daughters) == 0 {
		return &cmserrors.MissingTimeConstraintError{UseCase: c.Path()}
	}
	tcs := make([]TimeConstraints, 0, len(daughters))
	for _, d := range daughters {
		tc := d.uc.TimeConstraints()
		if !tc.HasMax() {
			return &cmserrors.MissingTimeConstraintError{UseCase: c.Path(), Daughter: d.name}
		}
		tcs = append(tcs, tc)
	}

	own := c.Base.TimeConstraints()
	agg := Parallel(tcs...)
	if sched == SchedulingSequential {
		agg = Sequence(tcs...)
	}
	agg.Start, agg.Stop = own.Start, own.Stop
	c.SetTimeConstraints(agg)

	c.mu.Lock()
	c.scheduling = sched
	c.links = links
	c.mu.Unlock()
	return nil
}

// target resolves a link target to an absolute path: an absolute path is
// used as is, otherwise it names one of the composite's own ports.
func (c *Composite) target(l MountLink) (string, error) {
	base := l.To
	if !strings.HasPrefix(base, "/") {
		if p, ok := c.DistributablePath(l.To); ok {
			base = p
		} else if r, ok := c.FunctionalResource(l.To); ok {
			base = r.Path
		} else {
			return "", &cmserrors.MalformedPortAddressError{Input: l.String(), Reason: "unknown target port " + l.To}
		}
	}
	if l.SubPath == "" {
		return base, nil
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(l.SubPath, "/"), nil
}

// Mount applies the composite's own links (plain port keys) to the binding
// before resolving ports: such a link binds one of the composite's
// functional ports below one of its distributable ports or an absolute path.
func (c *Composite) Mount(bind Binding) error {
	ports := make(map[string]string, len(bind.Ports))
	for k, v := range bind.Ports {
		ports[k] = v
	}
	req := c.Requirements()
	for _, l := range c.Links() {
		if l.From.IsDaughterPort() {
			continue
		}
		if _, ok := ports[l.From.Key]; ok {
			continue
		}
		base := l.To
		if !strings.HasPrefix(base, "/") {
			found := false
			for _, decl := range req.Distributable {
				if decl.Key == l.To {
					base, found = portPath(decl, bind), true
					break
				}
			}
			if !found || base == "" {
				return &cmserrors.MalformedPortAddressError{Input: l.String(), Reason: "unknown target port " + l.To}
			}
		}
		if l.SubPath != "" {
			base = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(l.SubPath, "/")
		}
		ports[l.From.Key] = base
	}
	bind.Ports = ports
	return c.Base.Mount(bind)
}

func (c *Composite) atMount(bind Binding) error {
	var opts []pool.Option
	if bind.Shared != nil {
		opts = append(opts, pool.WithParent(bind.Shared))
	}
	shared := pool.New(c.Path(), opts...)
	for _, decl := range c.Requirements().Distributable {
		path, _ := c.DistributablePath(decl.Key)
		rs, err := ResolvePath(bind.Catalog, path)
		if err != nil {
			return err
		}
		for _, r := range rs {
			if shared.Has(r.ID) {
				continue
			}
			policy := r.Cardinality
			if bind.Shared != nil {
				p, ok := bind.Shared.Policy(r.ID)
				if !ok {
					return cmserrors.NewUnknownResourceID(r.ID)
				}
				policy = p
			}
			if err := shared.Add(r.ID, policy); err != nil {
				return err
			}
		}
	}

	links := c.Links()
	for _, d := range c.list() {
		ports := make(map[string]string)
		for _, l := range links {
			if l.From.Daughter != d.name {
				continue
			}
			path, err := c.target(l)
			if err != nil {
				return err
			}
			ports[l.From.Key] = path
		}
		db := Binding{
			Catalog:    bind.Catalog,
			Pool:       shared,
			Shared:     shared,
			Ports:      ports,
			Events:     bind.Events,
			SessionID:  bind.SessionID,
			SessionKey: bind.SessionKey,
		}
		if err := d.uc.Mount(db); err != nil {
			return fmt.Errorf("mount daughter %q of %s: %w", d.name, c.Path(), err)
		}
	}

	c.mu.Lock()
	c.shared = shared
	c.mu.Unlock()
	logger.Debug("composite mounted",
		logger.KeyUseCase, c.Path(),
		logger.KeyScheduling, string(c.Scheduling()),
		logger.KeyCount, shared.Len())
	return nil
}

func (c *Composite) atIteration(ctx context.Context, _ int) (bool, error) {
	if c.Scheduling() == SchedulingSequential {
		return true, c.runSequential(ctx)
	}
	return true, c.runParallel(ctx)
}

func (c *Composite) runSequential(ctx context.Context) error {
	for _, d := range c.list() {
		if c.IsStopRequested() || ctx.Err() != nil {
			return ErrStopped
		}
		switch d.uc.Run(ctx) {
		case StatusFailed:
			return daughterFailure(d)
		case StatusStopped:
			return ErrStopped
		}
	}
	return nil
}

func (c *Composite) runParallel(ctx context.Context) error {
	daughters := c.list()
	statuses := make([]RunStatus, len(daughters))

	var wg sync.WaitGroup
	for i, d := range daughters {
		wg.Add(1)
		go func(i int, d daughter) {
			defer wg.Done()
			statuses[i] = d.uc.Run(ctx)
			if statuses[i] == StatusFailed {
				for _, sib := range daughters {
					if sib.name != d.name {
						sib.uc.StopRequest()
					}
				}
			}
		}(i, d)
	}
	wg.Wait()

	stopped := false
	for i, s := range statuses {
		switch s {
		case StatusFailed:
			return daughterFailure(daughters[i])
		case StatusStopped:
			stopped = true
		}
	}
	if stopped {
		return ErrStopped
	}
	return nil
}

func hasPort(ports []PortDecl, key string) bool {
	for _, p := range ports {
		if p.Key == key {
			return true
		}
	}
	return false
}

func daughterFailure(d daughter) error {
	return fmt.Errorf("daughter %q failed: %w", d.name, d.uc.Err())
}
