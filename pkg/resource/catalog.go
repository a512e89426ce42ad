package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
)

// Catalog is the read-only view of the resource/device description system.
// Session Info and the reservation resolver only depend on this interface.
type Catalog interface {
	HasResourceByPath(path string) bool
	GetResourceByPath(path string) (Resource, error)
	HasResourceByID(id int32) bool
	GetResourceByID(id int32) (Resource, error)

	// ResourcesUnder returns every resource whose path starts with prefix,
	// sorted by ID.
	ResourcesUnder(prefix string) []Resource

	HasRole(name string) bool
	GetRole(name string) (Role, error)

	// RoleResources resolves a role's functional and distributable paths to
	// resources, sorted by ID and without duplicates.
	RoleResources(name string) (functional, distributable []Resource, err error)
}

// Manager is the in-memory Catalog. Resources live in a single owning slice
// and are referred to by index everywhere else, so lookups never chase
// pointers into a mutable graph.
//
// A Manager is populated with AddResource/AddRole and then locked; once
// locked it is immutable and safe for concurrent readers.
type Manager struct {
	mu     sync.RWMutex
	locked bool

	resources []Resource
	byID      map[int32]int
	byPath    map[string]int

	roles       []Role
	rolesByName map[string]int
}

var _ Catalog = (*Manager)(nil)

// NewManager creates an empty, unlocked Manager.
func NewManager() *Manager {
	return &Manager{
		byID:        make(map[int32]int),
		byPath:      make(map[string]int),
		rolesByName: make(map[string]int),
	}
}

// AddResource registers a resource. IDs and paths must be unique.
func (m *Manager) AddResource(r Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return &cmserrors.AlreadyInitializedError{Object: "resource manager", Field: "resource " + r.Path}
	}
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("resource %d: path %q must be absolute", r.ID, r.Path)
	}
	if r.ID < 0 {
		return fmt.Errorf("resource %q: negative id %d", r.Path, r.ID)
	}
	if err := r.Cardinality.Validate(); err != nil {
		return fmt.Errorf("resource %q: %w", r.Path, err)
	}
	if _, exists := m.byID[r.ID]; exists {
		return &cmserrors.DuplicateResourceError{ResourceID: r.ID}
	}
	if _, exists := m.byPath[r.Path]; exists {
		return fmt.Errorf("resource path %q is already registered", r.Path)
	}

	m.resources = append(m.resources, r)
	idx := len(m.resources) - 1
	m.byID[r.ID] = idx
	m.byPath[r.Path] = idx
	return nil
}

// AddRole registers a role. Role paths are checked when the manager is locked.
func (m *Manager) AddRole(r Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return &cmserrors.AlreadyInitializedError{Object: "resource manager", Field: "role " + r.Name}
	}
	if r.Name == "" {
		return fmt.Errorf("role %d: empty name", r.ID)
	}
	if _, exists := m.rolesByName[r.Name]; exists {
		return fmt.Errorf("role %q is already registered", r.Name)
	}
	m.roles = append(m.roles, r)
	m.rolesByName[r.Name] = len(m.roles) - 1
	return nil
}

// Lock freezes the manager after verifying that every exact role path
// resolves. Prefix paths may legitimately select nothing.
func (m *Manager) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return nil
	}
	for _, role := range m.roles {
		for _, p := range append(append([]string{}, role.Functional...), role.Distributable...) {
			if IsPrefixPath(p) {
				continue
			}
			if _, ok := m.byPath[p]; !ok {
				return fmt.Errorf("role %q: %w", role.Name, cmserrors.NewUnknownResourcePath(p))
			}
		}
	}
	m.locked = true
	return nil
}

// IsLocked reports whether Lock succeeded.
func (m *Manager) IsLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locked
}

func (m *Manager) HasResourceByPath(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byPath[path]
	return ok
}

func (m *Manager) GetResourceByPath(path string) (Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byPath[path]
	if !ok {
		return Resource{}, cmserrors.NewUnknownResourcePath(path)
	}
	return m.resources[idx], nil
}

func (m *Manager) HasResourceByID(id int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok
}

func (m *Manager) GetResourceByID(id int32) (Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return Resource{}, cmserrors.NewUnknownResourceID(id)
	}
	return m.resources[idx], nil
}

func (m *Manager) ResourcesUnder(prefix string) []Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.under(prefix)
}

func (m *Manager) under(prefix string) []Resource {
	var out []Resource
	for _, r := range m.resources {
		if strings.HasPrefix(r.Path, prefix) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resources returns every registered resource sorted by ID.
func (m *Manager) Resources() []Resource {
	return m.ResourcesUnder("")
}

func (m *Manager) HasRole(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rolesByName[name]
	return ok
}

func (m *Manager) GetRole(name string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.rolesByName[name]
	if !ok {
		return Role{}, &cmserrors.InvalidRoleError{Role: name}
	}
	return m.roles[idx], nil
}

// Roles returns the registered role names, sorted.
func (m *Manager) Roles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.roles))
	for _, r := range m.roles {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RoleResources(name string) (functional, distributable []Resource, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.rolesByName[name]
	if !ok {
		return nil, nil, &cmserrors.InvalidRoleError{Role: name}
	}
	role := m.roles[idx]

	functional, err = m.resolvePaths(role.Functional)
	if err != nil {
		return nil, nil, err
	}
	distributable, err = m.resolvePaths(role.Distributable)
	if err != nil {
		return nil, nil, err
	}
	return functional, distributable, nil
}

func (m *Manager) resolvePaths(paths []string) ([]Resource, error) {
	seen := make(map[int32]struct{})
	var out []Resource
	add := func(r Resource) {
		if _, dup := seen[r.ID]; dup {
			return
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}

	for _, p := range paths {
		if IsPrefixPath(p) {
			for _, r := range m.under(PrefixOf(p)) {
				add(r)
			}
			continue
		}
		idx, ok := m.byPath[p]
		if !ok {
			return nil, cmserrors.NewUnknownResourcePath(p)
		}
		add(m.resources[idx])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
