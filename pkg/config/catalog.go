package config

import (
	"fmt"
	"strconv"

	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/session"
	"github.com/vire-cms/vire/pkg/usecase"
	"github.com/vire-cms/vire/pkg/usecase/model"
	"github.com/vire-cms/vire/pkg/user"
)

// rootKey flags the root entry of the sessions section.
const rootKey = "root"

// BuildCatalog registers the configured resources and roles and locks the
// resulting catalog.
func (c *Config) BuildCatalog() (*resource.Manager, error) {
	m := resource.NewManager()
	for _, rc := range c.Resources {
		access, err := resource.ParseAccessMode(rc.Access)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", rc.Path, err)
		}
		card, err := resource.ParseCardinality(rc.Cardinality)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", rc.Path, err)
		}
		if err := m.AddResource(resource.Resource{ID: rc.ID, Path: rc.Path, Access: access, Cardinality: card}); err != nil {
			return nil, err
		}
	}
	for _, rc := range c.Roles {
		err := m.AddRole(resource.Role{
			ID:            rc.ID,
			Name:          rc.Name,
			Group:         rc.Group,
			Functional:    rc.Functional,
			Distributable: rc.Distributable,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := m.Lock(); err != nil {
		return nil, err
	}
	return m, nil
}

// BuildUsers returns a user store holding the configured users.
func (c *Config) BuildUsers() (*user.MemoryStore, error) {
	s := user.NewMemoryStore()
	for _, uc := range c.Users {
		err := s.Add(user.User{
			Login:        uc.Login,
			PasswordHash: uc.PasswordHash,
			FullName:     uc.FullName,
			Enabled:      !uc.Disabled,
			Roles:        uc.Roles,
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// BuildModelDB adds the configured models to a new DB and locks it. Lock
// reports every cyclic or unsatisfied dependency at once.
func (c *Config) BuildModelDB() (*model.DB, error) {
	db := model.NewDB()
	for _, mc := range c.UseCases.Models {
		var comp []model.Daughter
		for _, d := range mc.Composition {
			comp = append(comp, model.Daughter{Name: d.Name, Model: d.Model, Config: usecase.Config(d.Config)})
		}
		if err := db.Add(mc.Name, mc.TypeID, mc.Description, comp, usecase.Config(mc.Config)); err != nil {
			return nil, err
		}
	}
	if err := db.Lock(); err != nil {
		return nil, err
	}
	return db, nil
}

// SessionEntries splits the sessions section into the root session (nil
// when no entry is flagged) and the other static reservations. The root
// flag is removed from the returned property sets.
func (c *Config) SessionEntries() (root session.Properties, static []session.Properties) {
	for _, entry := range c.Sessions {
		props := make(session.Properties, len(entry))
		for k, v := range entry {
			if k == rootKey {
				continue
			}
			props[k] = v
		}
		if isRoot(entry) && root == nil {
			root = props
			continue
		}
		static = append(static, props)
	}
	return root, static
}

func isRoot(props map[string]any) bool {
	switch v := props[rootKey].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
