// Package pool implements the resource pool: per resource ID, a cardinality
// policy and a live count of current holders.
//
// Every session and every use case owns its own Pool scoped to what it is
// allowed to touch. A pool created WithParent also holds every grant in its
// parent, so nested scopes draw on the same capacity. Verifying that two
// sessions do not oversubscribe the same resource is the reservation
// resolver's job.
package pool

import (
	"sort"
	"sync"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/resource"
)

// Observer receives acquire/release outcomes. The metrics package provides
// the Prometheus implementation.
type Observer interface {
	ObserveAcquire(pool string, id int32, granted bool)
	ObserveRelease(pool string, id int32)
}

// Entry is the state of one registered resource.
type Entry struct {
	Policy  resource.Cardinality
	Holders int
}

// Remaining returns the spare capacity, or -1 for unlimited policies.
func (e Entry) Remaining() int {
	if !e.Policy.Bounded() {
		return -1
	}
	return e.Policy.Limit() - e.Holders
}

// Pool tracks holders per resource. All methods are safe for concurrent use;
// acquire and release are atomic with respect to each other.
type Pool struct {
	name     string
	mu       sync.Mutex
	entries  map[int32]*Entry
	observer Observer
	parent   *Pool
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver attaches an acquire/release observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// WithParent makes every hold taken in the pool also take a hold in parent.
// Locks are always taken child first.
func WithParent(parent *Pool) Option {
	return func(p *Pool) { p.parent = parent }
}

// New creates an empty pool. The name labels metrics and log lines.
func New(name string, opts ...Option) *Pool {
	p := &Pool{
		name:    name,
		entries: make(map[int32]*Entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// AddUnlimited registers id with no holder bound.
func (p *Pool) AddUnlimited(id int32) error {
	return p.Add(id, resource.UnlimitedCardinality())
}

// AddLimited registers id with at most max concurrent holders.
func (p *Pool) AddLimited(id int32, max int) error {
	return p.Add(id, resource.LimitedCardinality(max))
}

// AddExclusive registers id with a single holder.
func (p *Pool) AddExclusive(id int32) error {
	return p.Add(id, resource.ExclusiveCardinality())
}

// Add registers id under the given policy.
func (p *Pool) Add(id int32, policy resource.Cardinality) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[id]; exists {
		return &cmserrors.DuplicateResourceError{ResourceID: id}
	}
	p.entries[id] = &Entry{Policy: policy}
	return nil
}

// Acquire takes one hold on id. It fails with *CapacityExceededError when
// the bound is already reached and leaves the count unchanged.
func (p *Pool) Acquire(id int32) error {
	p.mu.Lock()
	err := p.acquireLocked(id)
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.ObserveAcquire(p.name, id, err == nil)
	}
	return err
}

func (p *Pool) acquireLocked(id int32) error {
	e, ok := p.entries[id]
	if !ok {
		return cmserrors.NewUnknownResourceID(id)
	}
	if e.Policy.Bounded() && e.Holders >= e.Policy.Limit() {
		return &cmserrors.CapacityExceededError{ResourceID: id, Max: e.Policy.Limit(), Holders: e.Holders}
	}
	if p.parent != nil {
		if err := p.parent.Acquire(id); err != nil {
			return err
		}
	}
	e.Holders++
	return nil
}

// Release drops one hold on id. It fails with *UnderflowError when no hold
// is outstanding.
func (p *Pool) Release(id int32) error {
	p.mu.Lock()
	err := p.releaseLocked(id)
	p.mu.Unlock()

	if err == nil && p.observer != nil {
		p.observer.ObserveRelease(p.name, id)
	}
	return err
}

func (p *Pool) releaseLocked(id int32) error {
	e, ok := p.entries[id]
	if !ok {
		return cmserrors.NewUnknownResourceID(id)
	}
	if e.Holders == 0 {
		return &cmserrors.UnderflowError{ResourceID: id}
	}
	if p.parent != nil {
		if err := p.parent.Release(id); err != nil {
			return err
		}
	}
	e.Holders--
	return nil
}

// Has reports whether id is registered.
func (p *Pool) Has(id int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Available reports whether one more Acquire of id would succeed.
func (p *Pool) Available(id int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	if e.Policy.Bounded() && e.Holders >= e.Policy.Limit() {
		return false
	}
	return p.parent == nil || p.parent.Available(id)
}

// RemainingCapacity returns the spare capacity of id. ok is false for
// unlimited and unregistered resources.
func (p *Pool) RemainingCapacity(id int32) (remaining int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, found := p.entries[id]
	if !found || !e.Policy.Bounded() {
		return 0, false
	}
	return e.Remaining(), true
}

// Holders returns the live holder count of id.
func (p *Pool) Holders(id int32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		return e.Holders
	}
	return 0
}

// Policy returns the cardinality policy of id.
func (p *Pool) Policy(id int32) (resource.Cardinality, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return resource.Cardinality{}, false
	}
	return e.Policy, true
}

// IDs returns the registered resource IDs, sorted.
func (p *Pool) IDs() []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int32, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered resources.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns a copy of every entry.
func (p *Pool) Snapshot() map[int32]Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int32]Entry, len(p.entries))
	for id, e := range p.entries {
		out[id] = *e
	}
	return out
}

// Lease is a set of holds taken together by AcquireAll.
type Lease struct {
	pool     *Pool
	ids      []int32
	once     sync.Once
	released error
}

// AcquireAll takes one hold on every id, or none: on the first failure every
// hold already taken is released and the error is returned.
func (p *Pool) AcquireAll(ids ...int32) (*Lease, error) {
	p.mu.Lock()
	taken := make([]int32, 0, len(ids))
	var failed int32
	var err error
	for _, id := range ids {
		if err = p.acquireLocked(id); err != nil {
			failed = id
			break
		}
		taken = append(taken, id)
	}
	if err != nil {
		for _, id := range taken {
			_ = p.releaseLocked(id)
		}
	}
	p.mu.Unlock()

	if p.observer != nil {
		if err != nil {
			p.observer.ObserveAcquire(p.name, failed, false)
		} else {
			for _, id := range taken {
				p.observer.ObserveAcquire(p.name, id, true)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &Lease{pool: p, ids: taken}, nil
}

// IDs returns the resources held by the lease.
func (l *Lease) IDs() []int32 {
	return append([]int32(nil), l.ids...)
}

// Release drops every hold of the lease. Subsequent calls are no-ops and
// return the result of the first call.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		for _, id := range l.ids {
			if err := l.pool.Release(id); err != nil && l.released == nil {
				l.released = err
			}
		}
	})
	return l.released
}

// Clone returns a new pool with the same policies and zero holders. The
// parent is not carried over.
func (p *Pool) Clone(name string, opts ...Option) *Pool {
	c := New(name, opts...)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		c.entries[id] = &Entry{Policy: e.Policy}
	}
	return c
}
