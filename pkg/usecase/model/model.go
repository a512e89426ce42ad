// Package model holds the use-case model DB: named descriptions of use-case
// trees that the factory instantiates. Models are added freely and checked
// as a whole when the DB is locked, so a configuration reports every cyclic
// or unsatisfied dependency at once.
package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/usecase"
)

// Daughter names a daughter use case built from another model.
type Daughter struct {
	Name   string         `mapstructure:"name" yaml:"name" json:"name"`
	Model  string         `mapstructure:"model" yaml:"model" json:"model"`
	Config usecase.Config `mapstructure:"config" yaml:"config,omitempty" json:"config,omitempty"`
}

// Model describes how to build one use case.
type Model struct {
	Name        string
	TypeID      string
	Description string
	Composition []Daughter
	Config      usecase.Config
}

// Dependencies returns the distinct model names referenced by the
// composition, sorted.
func (m Model) Dependencies() []string {
	seen := make(map[string]bool, len(m.Composition))
	var out []string
	for _, d := range m.Composition {
		if !seen[d.Model] {
			seen[d.Model] = true
			out = append(out, d.Model)
		}
	}
	sort.Strings(out)
	return out
}

// DB stores models by name.
type DB struct {
	mu     sync.RWMutex
	models map[string]Model
	locked bool
}

// NewDB creates an empty, unlocked DB.
func NewDB() *DB {
	return &DB{models: make(map[string]Model)}
}

// Add registers a model. Dependencies are not checked until Lock.
func (db *DB) Add(name, typeID, description string, composition []Daughter, config usecase.Config) error {
	if name == "" {
		return fmt.Errorf("model name is empty")
	}
	if typeID == "" {
		return fmt.Errorf("model %q: type id is empty", name)
	}
	names := make(map[string]bool, len(composition))
	for _, d := range composition {
		if err := usecase.ValidateName(d.Name); err != nil {
			return fmt.Errorf("model %q: %w", name, err)
		}
		if names[d.Name] {
			return fmt.Errorf("model %q: daughter %q declared twice", name, d.Name)
		}
		if d.Model == "" {
			return fmt.Errorf("model %q: daughter %q has no model", name, d.Name)
		}
		names[d.Name] = true
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.locked {
		return &cmserrors.AlreadyInitializedError{Object: "use-case model DB", Field: "models"}
	}
	if _, exists := db.models[name]; exists {
		return fmt.Errorf("model %q already exists", name)
	}
	db.models[name] = Model{
		Name:        name,
		TypeID:      typeID,
		Description: description,
		Composition: append([]Daughter(nil), composition...),
		Config:      config,
	}
	return nil
}

// Has reports whether a model is registered.
func (db *DB) Has(name string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.models[name]
	return ok
}

// Get returns a model or *UnknownModelError.
func (db *DB) Get(name string) (Model, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.models[name]
	if !ok {
		return Model{}, &cmserrors.UnknownModelError{Model: name}
	}
	return m, nil
}

// Names returns the registered model names, sorted.
func (db *DB) Names() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.models))
	for n := range db.models {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of models.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.models)
}

func (db *DB) IsLocked() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.locked
}

// Lock checks the dependency graph and freezes the DB. It fails with a
// *DependencyError listing every model on a cycle (self references
// included) and every model referring to a missing one; the DB then stays
// unlocked.
func (db *DB) Lock() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.locked {
		return &cmserrors.AlreadyInitializedError{Object: "use-case model DB", Field: "lock"}
	}

	unsatisfied := make(map[string][]string)
	graph := make(map[string][]string, len(db.models))
	for name, m := range db.models {
		for _, dep := range m.Dependencies() {
			if _, ok := db.models[dep]; !ok {
				unsatisfied[name] = append(unsatisfied[name], dep)
				continue
			}
			graph[name] = append(graph[name], dep)
		}
	}
	cyclic := cycles(graph, db.sortedNamesLocked())

	if len(cyclic) > 0 || len(unsatisfied) > 0 {
		err := &cmserrors.DependencyError{Cyclic: cyclic}
		if len(unsatisfied) > 0 {
			err.Unsatisfied = unsatisfied
		}
		logger.Warn("use-case model DB rejected",
			"cyclic", cyclic,
			"unsatisfied", err.UnsatisfiedModels())
		return err
	}

	db.locked = true
	logger.Debug("use-case model DB locked", logger.KeyCount, len(db.models))
	return nil
}

func (db *DB) sortedNamesLocked() []string {
	out := make([]string, 0, len(db.models))
	for n := range db.models {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// cycles returns, sorted, every node in a strongly connected component of
// more than one node or with an edge to itself (Tarjan).
func cycles(graph map[string][]string, nodes []string) []string {
	var (
		index   = make(map[string]int, len(nodes))
		low     = make(map[string]int, len(nodes))
		onStack = make(map[string]bool, len(nodes))
		stack   []string
		next    int
		out     []string
	)

	var visit func(v string)
	visit = func(v string) {
		index[v], low[v] = next, next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := index[w]; !seen {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var scc []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if len(scc) > 1 || selfLoop(graph, v) {
			out = append(out, scc...)
		}
	}

	for _, v := range nodes {
		if _, seen := index[v]; !seen {
			visit(v)
		}
	}
	sort.Strings(out)
	return out
}

func selfLoop(graph map[string][]string, v string) bool {
	for _, w := range graph[v] {
		if w == v {
			return true
		}
	}
	return false
}

// Walk visits name and, depth first, every model of its composition. It is
// meant for a locked DB, where the graph is acyclic.
func (db *DB) Walk(name string, fn func(path []string, m Model) error) error {
	return db.walk([]string{name}, name, fn)
}

func (db *DB) walk(path []string, name string, fn func([]string, Model) error) error {
	m, err := db.Get(name)
	if err != nil {
		return err
	}
	if err := fn(path, m); err != nil {
		return err
	}
	for _, d := range m.Composition {
		if err := db.walk(append(append([]string(nil), path...), d.Name), d.Model, fn); err != nil {
			return err
		}
	}
	return nil
}
