package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/user"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newCatalog(t *testing.T) *resource.Manager {
	t.Helper()
	m := resource.NewManager()
	for _, r := range []resource.Resource{
		{ID: 10, Path: "/dev1/Monitoring/Temperature", Cardinality: resource.ExclusiveCardinality()},
		{ID: 11, Path: "/dev1/Monitoring/Pressure", Cardinality: resource.UnlimitedCardinality()},
		{ID: 12, Path: "/dev1/Control/Valve", Cardinality: resource.LimitedCardinality(2)},
		{ID: 20, Path: "/dev2/hv", Cardinality: resource.ExclusiveCardinality()},
		{ID: 21, Path: "/dev2/lv", Cardinality: resource.UnlimitedCardinality()},
	} {
		require.NoError(t, m.AddResource(r))
	}
	require.NoError(t, m.AddRole(resource.Role{
		ID:            1,
		Name:          "expert",
		Functional:    []string{"/dev1/Monitoring/", "/dev1/Control/Valve"},
		Distributable: []string{"/dev2/"},
	}))
	require.NoError(t, m.AddRole(resource.Role{
		ID:         2,
		Name:       "shifter",
		Functional: []string{"/dev1/Monitoring/Pressure"},
	}))
	require.NoError(t, m.Lock())
	return m
}

func newUsers(t *testing.T) *user.MemoryStore {
	t.Helper()
	s := user.NewMemoryStore()
	require.NoError(t, s.AddWithPassword("alice", "alice-secret-1", "expert"))
	require.NoError(t, s.AddWithPassword("bob", "bob-secret-22", "shifter"))
	return s
}

func newInfo(t *testing.T, cat resource.Catalog, users user.Store, props Properties) *Info {
	t.Helper()
	base := Properties{
		"key":  "calib",
		"role": "expert",
		"when": "(now ; 4 hour)",
	}
	for k, v := range props {
		base[k] = v
	}
	info := NewInfo()
	require.NoError(t, info.Initialize(base, users, cat))
	return info
}
