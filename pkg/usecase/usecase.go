// Package usecase implements the executable hierarchy run inside a session.
//
// A use case declares the functional resources it consumes itself and the
// distributable resources it exposes to its daughters, both as named ports.
// It is built dry (without live resources) by the factory, mounted with a
// Binding, then run. Run follows
//
//	READY -> PREPARING -> RUNNING -> COMPLETED | FAILED | STOPPED
//
// Cancellation is cooperative: StopRequest raises a flag that the run loop
// checks once per iteration, so an iteration in progress always finishes and
// resources are released on every exit path.
package usecase

import (
	"context"

	"github.com/vire-cms/vire/pkg/event"
	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/resource/pool"
)

// RunStatus is the run state of a use case.
type RunStatus int

const (
	StatusReady RunStatus = iota
	StatusPreparing
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusStopped
)

func (s RunStatus) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusPreparing:
		return "PREPARING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Config is a use-case configuration property set.
type Config map[string]any

// Merge returns a copy of c overlaid with o. Nested maps are replaced, not merged.
func (c Config) Merge(o Config) Config {
	out := make(Config, len(c)+len(o))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Identity locates a use-case instance in the tree.
type Identity struct {
	// Path is the instance path, e.g. "/calib" or "/calib/Foo".
	Path string
	// Model is the model name the instance was built from.
	Model string
	// TypeID is the registered implementation type.
	TypeID string
	// Daughter is the name under which the instance is mounted in its
	// parent, empty for a top-level use case.
	Daughter string
}

// PortDecl declares a resource port.
type PortDecl struct {
	Key string
	// Path is the default resource path, used when the Binding does not
	// provide one. It may be empty.
	Path string
}

// Requirements lists a use case's declared ports.
type Requirements struct {
	Functional    []PortDecl
	Distributable []PortDecl
}

// Binding carries the live resources a use case is mounted with.
type Binding struct {
	Catalog resource.Catalog

	// Pool is the mother pool functional resources are acquired from. It
	// may be nil for a dry mount, in which case nothing is acquired.
	Pool *pool.Pool

	// Shared is the mother's distributable pool. When set, a composite's
	// distributable resources must be registered in it and inherit its
	// policies, and every hold its daughters take is also taken in Shared.
	Shared *pool.Pool

	// Ports maps port keys to absolute resource paths and overrides the
	// declared defaults.
	Ports map[string]string

	Events     event.Publisher
	SessionID  int32
	SessionKey string
}

// UseCase is the capability set shared by every node of the tree.
type UseCase interface {
	Identity() Identity
	Path() string

	// Initialize parses the configuration. It fails with
	// *AlreadyInitializedError when called twice.
	Initialize(cfg Config) error

	// Mount binds live resources. It requires a successful Initialize.
	Mount(b Binding) error

	// Run executes the use case to a terminal status. It is called at most
	// once; later calls return the terminal status.
	Run(ctx context.Context) RunStatus

	StopRequest()
	IsStopRequested() bool
	Status() RunStatus

	// Err returns the failure cause once Status is FAILED.
	Err() error

	TimeConstraints() TimeConstraints
	Requirements() Requirements
}

// Parent is implemented by use cases that own daughters.
type Parent interface {
	UseCase
	AddDaughter(name string, d UseCase) error
	Daughters() []string
	Daughter(name string) (UseCase, bool)
}
