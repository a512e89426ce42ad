// Package factory instantiates use-case trees from the model DB.
//
// A Registry maps type IDs to constructors. A Factory builds a model and
// all of its daughters dry, without live resources, and tracks the built
// instances by path. Construction is all or nothing: on failure no instance
// of the subtree is registered.
package factory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/usecase"
	"github.com/vire-cms/vire/pkg/usecase/model"
)

// Registry maps type IDs to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]usecase.Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]usecase.Constructor)}
}

// NewRegistryWithBuiltins creates a registry holding the built-in types.
func NewRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	for id, ctor := range usecase.Builtins() {
		r.ctors[id] = ctor
	}
	return r
}

// Register adds a constructor. Registering a type twice is an error.
func (r *Registry) Register(typeID string, ctor usecase.Constructor) error {
	if typeID == "" || ctor == nil {
		return fmt.Errorf("register use-case type: empty type id or nil constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[typeID]; exists {
		return fmt.Errorf("use-case type %q already registered", typeID)
	}
	r.ctors[typeID] = ctor
	return nil
}

func (r *Registry) IsRegistered(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[typeID]
	return ok
}

// Constructor returns the constructor of a type.
func (r *Registry) Constructor(typeID string) (usecase.Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.ctors[typeID]
	return c, ok
}

// TypeIDs returns the registered type IDs, sorted.
func (r *Registry) TypeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for id := range r.ctors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConstructionContext describes one dry construction.
type ConstructionContext struct {
	// Model is the name of the model to build.
	Model string
	// Path is the instance path of the root of the subtree, e.g. "/calib".
	Path string
	// Daughter is the name of the root in its parent, empty for a
	// top-level use case.
	Daughter string
	// CheckUCFactory requires every type ID of the subtree to be
	// registered. When false, unregistered leaf types are built as dry
	// placeholders and unregistered composite types as plain composites.
	CheckUCFactory bool
	// Config overlays the model configuration of the root.
	Config usecase.Config
}

// Factory builds use cases from a locked model DB.
type Factory struct {
	db       *model.DB
	registry *Registry

	mu        sync.Mutex
	instances map[string]usecase.UseCase
}

// New creates a Factory.
func New(db *model.DB, registry *Registry) *Factory {
	return &Factory{db: db, registry: registry, instances: make(map[string]usecase.UseCase)}
}

// Registry returns the type registry.
func (f *Factory) Registry() *Registry { return f.registry }

// DB returns the model DB.
func (f *Factory) DB() *model.DB { return f.db }

// Build constructs and initializes the subtree without registering it.
func (f *Factory) Build(cc ConstructionContext) (usecase.UseCase, error) {
	root, _, err := f.build(cc)
	return root, err
}

// CreateDry constructs, initializes and registers the subtree rooted at
// cc.Path. The root path and every daughter path must be free.
func (f *Factory) CreateDry(cc ConstructionContext) (usecase.UseCase, error) {
	root, built, err := f.build(cc)
	if err != nil {
		logger.Warn("use-case construction failed",
			logger.KeyModel, cc.Model,
			logger.KeyUseCase, cc.Path,
			logger.KeyError, err)
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for path := range built {
		if _, taken := f.instances[path]; taken {
			return nil, fmt.Errorf("use-case path %s is already in use", path)
		}
	}
	for path, uc := range built {
		f.instances[path] = uc
	}

	logger.Info("use case built",
		logger.KeyModel, cc.Model,
		logger.KeyUseCase, cc.Path,
		logger.KeyCount, len(built))
	return root, nil
}

func (f *Factory) build(cc ConstructionContext) (usecase.UseCase, map[string]usecase.UseCase, error) {
	if !f.db.IsLocked() {
		return nil, nil, &cmserrors.NotInitializedError{Object: "use-case model DB", Reason: "not locked"}
	}
	if !strings.HasPrefix(cc.Path, "/") || strings.HasSuffix(cc.Path, "/") && cc.Path != "/" {
		return nil, nil, fmt.Errorf("invalid use-case path %q", cc.Path)
	}
	built := make(map[string]usecase.UseCase)
	root, err := f.buildNode(cc, cc.Path, cc.Model, cc.Daughter, cc.Config, built)
	if err != nil {
		return nil, nil, err
	}
	return root, built, nil
}

func (f *Factory) buildNode(cc ConstructionContext, path, modelName, daughter string, overlay usecase.Config, built map[string]usecase.UseCase) (usecase.UseCase, error) {
	m, err := f.db.Get(modelName)
	if err != nil {
		return nil, err
	}

	ctor, ok := f.registry.Constructor(m.TypeID)
	if !ok {
		if cc.CheckUCFactory {
			return nil, &cmserrors.UnregisteredTypeError{TypeID: m.TypeID, Model: m.Name}
		}
		ctor = usecase.NewDry
		if len(m.Composition) > 0 {
			ctor = usecase.NewComposite
		}
	}

	uc := ctor(usecase.Identity{Path: path, Model: m.Name, TypeID: m.TypeID, Daughter: daughter})

	if len(m.Composition) > 0 {
		parent, ok := uc.(usecase.Parent)
		if !ok {
			return nil, fmt.Errorf("model %q: type %q cannot own daughters", m.Name, m.TypeID)
		}
		for _, d := range m.Composition {
			child, err := f.buildNode(cc, joinPath(path, d.Name), d.Model, d.Name, d.Config, built)
			if err != nil {
				return nil, err
			}
			if err := parent.AddDaughter(d.Name, child); err != nil {
				return nil, err
			}
		}
	}

	if err := uc.Initialize(m.Config.Merge(overlay)); err != nil {
		return nil, fmt.Errorf("initialize %s (model %q): %w", path, m.Name, err)
	}
	built[path] = uc
	return uc, nil
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Instances returns the registered instances by path.
func (f *Factory) Instances() map[string]usecase.UseCase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]usecase.UseCase, len(f.instances))
	for k, v := range f.instances {
		out[k] = v
	}
	return out
}

// Lookup returns the instance registered at path.
func (f *Factory) Lookup(path string) (usecase.UseCase, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.instances[path]
	return uc, ok
}

// Discard unregisters path and every path below it, returning how many
// instances were removed.
func (f *Factory) Discard(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for p := range f.instances {
		if p == path || strings.HasPrefix(p, joinPath(path, "")) {
			delete(f.instances, p)
			n++
		}
	}
	return n
}
