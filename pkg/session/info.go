// Package session holds the session descriptor (Info), the reservation
// resolver, client connections and the Session itself.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/period"
	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/resource/pool"
	"github.com/vire-cms/vire/pkg/usecase"
	"github.com/vire-cms/vire/pkg/user"
)

// Properties is a nested key/value property set. Dotted keys such as
// "special_functional_cardinalities.limited" are accepted and nested.
type Properties map[string]any

// UseCaseSpec selects the top-level use case of a session.
type UseCaseSpec struct {
	Model  string            `mapstructure:"model" json:"model" yaml:"model"`
	Config usecase.Config    `mapstructure:"config" json:"config,omitempty" yaml:"config,omitempty"`
	Ports  map[string]string `mapstructure:"ports" json:"ports,omitempty" yaml:"ports,omitempty"`
}

type cardinalityProps struct {
	Unset     []string `mapstructure:"unset"`
	Limited   []string `mapstructure:"limited"`
	Exclusive []string `mapstructure:"exclusive"`
}

type infoProps struct {
	ID                   int32            `mapstructure:"id"`
	Key                  string           `mapstructure:"key"`
	Description          string           `mapstructure:"description"`
	Role                 string           `mapstructure:"role"`
	When                 string           `mapstructure:"when"`
	UseCase              any              `mapstructure:"usecase"`
	AllowedUsers         []string         `mapstructure:"allowed_users"`
	SpecialFunctional    cardinalityProps `mapstructure:"special_functional_cardinalities"`
	SpecialDistributable cardinalityProps `mapstructure:"special_distributable_cardinalities"`
}

// Info is the validated, immutable descriptor of a session. It is
// populated either through the setters or from a property set by
// Initialize; afterwards every setter fails.
type Info struct {
	initialized bool

	id           int32
	key          string
	description  string
	role         string
	when         period.Period
	useCase      UseCaseSpec
	allowedUsers []string

	functional    map[int32]resource.Cardinality
	distributable map[int32]resource.Cardinality

	props Properties
}

// NewInfo creates an empty, uninitialized Info.
func NewInfo() *Info {
	return &Info{}
}

func (s *Info) object() string { return "session info " + s.key }

func (s *Info) guard(field string) error {
	if s.initialized {
		return &cmserrors.AlreadyInitializedError{Object: s.object(), Field: field}
	}
	return nil
}

// SetID sets the session ID. Like every setter it fails once initialized.
func (s *Info) SetID(id int32) error {
	if err := s.guard("id"); err != nil {
		return err
	}
	s.id = id
	return nil
}

// SetKey sets the session key.
func (s *Info) SetKey(key string) error {
	if err := s.guard("key"); err != nil {
		return err
	}
	s.key = key
	return nil
}

// SetDescription sets the free-text description.
func (s *Info) SetDescription(d string) error {
	if err := s.guard("description"); err != nil {
		return err
	}
	s.description = d
	return nil
}

// SetRole sets the role the session is reserved under.
func (s *Info) SetRole(role string) error {
	if err := s.guard("role"); err != nil {
		return err
	}
	s.role = role
	return nil
}

// SetWhen sets the session window.
func (s *Info) SetWhen(p period.Period) error {
	if err := s.guard("when"); err != nil {
		return err
	}
	s.when = p
	return nil
}

// SetUseCase sets the top-level use-case model, config and ports.
func (s *Info) SetUseCase(spec UseCaseSpec) error {
	if err := s.guard("usecase"); err != nil {
		return err
	}
	s.useCase = spec
	return nil
}

// SetAllowedUsers restricts the logins that may connect. The slice is copied.
func (s *Info) SetAllowedUsers(logins []string) error {
	if err := s.guard("allowed_users"); err != nil {
		return err
	}
	s.allowedUsers = append([]string(nil), logins...)
	return nil
}

// IsInitialized reports whether Initialize succeeded.
func (s *Info) IsInitialized() bool { return s.initialized }

// ID returns the session ID, 0 until one is assigned.
func (s *Info) ID() int32 { return s.id }

// Key returns the unique session key.
func (s *Info) Key() string { return s.key }

// Description returns the free-text description.
func (s *Info) Description() string { return s.description }

// Role returns the role the session is reserved under.
func (s *Info) Role() string { return s.role }

// When returns the session window.
func (s *Info) When() period.Period { return s.when }

// UseCase returns the top-level use-case spec.
func (s *Info) UseCase() UseCaseSpec { return s.useCase }

// AllowedUsers returns a copy of the allow list. Empty admits every user.
func (s *Info) AllowedUsers() []string { return append([]string(nil), s.allowedUsers...) }

// Properties returns a copy of the property set Initialize was given.
func (s *Info) Properties() Properties {
	if s.props == nil {
		return nil
	}
	return expand(s.props)
}

// AllowsUser reports whether login may connect. An empty allow list admits
// every user.
func (s *Info) AllowsUser(login string) bool {
	if len(s.allowedUsers) == 0 {
		return true
	}
	for _, l := range s.allowedUsers {
		if l == login {
			return true
		}
	}
	return false
}

// FunctionalOverride returns the special cardinality of a functional resource.
func (s *Info) FunctionalOverride(id int32) (resource.Cardinality, bool) {
	c, ok := s.functional[id]
	return c, ok
}

// DistributableOverride returns the special cardinality of a distributable resource.
func (s *Info) DistributableOverride(id int32) (resource.Cardinality, bool) {
	c, ok := s.distributable[id]
	return c, ok
}

// Initialize parses props, validates it against users and the catalog and
// freezes the Info. "when" is resolved against the current time.
func (s *Info) Initialize(props Properties, users user.Store, cat resource.Catalog) error {
	return s.InitializeAt(props, users, cat, time.Now())
}

// InitializeAt is Initialize with an explicit reference time for "now".
func (s *Info) InitializeAt(props Properties, users user.Store, cat resource.Catalog, now time.Time) error {
	if s.initialized {
		return &cmserrors.AlreadyInitializedError{Object: s.object()}
	}
	if cat == nil {
		return &cmserrors.NotInitializedError{Object: "resource catalog", Reason: "no catalog given"}
	}

	nested := expand(props)
	var raw infoProps
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(nested)); err != nil {
		return fmt.Errorf("decode session properties: %w", err)
	}

	next := *s
	if raw.ID != 0 {
		next.id = raw.ID
	}
	if raw.Key != "" {
		next.key = raw.Key
	}
	if raw.Description != "" {
		next.description = raw.Description
	}
	if raw.Role != "" {
		next.role = raw.Role
	}
	if raw.When != "" {
		p, err := period.Parse(raw.When, now)
		if err != nil {
			return err
		}
		next.when = p
	}
	if raw.UseCase != nil {
		spec, err := decodeUseCase(raw.UseCase)
		if err != nil {
			return err
		}
		next.useCase = spec
	}
	if raw.AllowedUsers != nil {
		next.allowedUsers = raw.AllowedUsers
	}

	if next.key == "" {
		return fmt.Errorf("session info: key is not set")
	}
	if next.role == "" || !cat.HasRole(next.role) {
		return &cmserrors.InvalidRoleError{Role: next.role}
	}
	if err := next.when.Validate(); err != nil {
		return err
	}
	if users != nil {
		for _, login := range next.allowedUsers {
			if !users.HasUser(login) {
				return &cmserrors.InvalidCredentialsError{Login: login}
			}
		}
	}

	if next.functional, err = resolveOverrides(cat, raw.SpecialFunctional); err != nil {
		return err
	}
	if next.distributable, err = resolveOverrides(cat, raw.SpecialDistributable); err != nil {
		return err
	}

	next.props = nested
	next.initialized = true
	*s = next
	return nil
}

func decodeUseCase(v any) (UseCaseSpec, error) {
	switch t := v.(type) {
	case string:
		return UseCaseSpec{Model: t}, nil
	case map[string]any:
		var spec UseCaseSpec
		if err := usecase.Decode(usecase.Config(t), &spec); err != nil {
			return UseCaseSpec{}, err
		}
		if spec.Model == "" {
			return UseCaseSpec{}, fmt.Errorf("session usecase: model is not set")
		}
		return spec, nil
	default:
		return UseCaseSpec{}, fmt.Errorf("session usecase: unsupported value of type %T", v)
	}
}

func resolveOverrides(cat resource.Catalog, props cardinalityProps) (map[int32]resource.Cardinality, error) {
	out := make(map[int32]resource.Cardinality)
	set := func(path string, c resource.Cardinality) error {
		r, err := cat.GetResourceByPath(path)
		if err != nil {
			return err
		}
		out[r.ID] = c
		return nil
	}

	for _, p := range props.Unset {
		if err := set(strings.TrimSpace(p), resource.UnlimitedCardinality()); err != nil {
			return nil, err
		}
	}
	for _, p := range props.Exclusive {
		if err := set(strings.TrimSpace(p), resource.ExclusiveCardinality()); err != nil {
			return nil, err
		}
	}
	for _, entry := range props.Limited {
		path, n, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("limited cardinality %q: expected path=N", entry)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || limit < 1 {
			return nil, fmt.Errorf("limited cardinality %q: invalid limit", entry)
		}
		if err := set(strings.TrimSpace(path), resource.LimitedCardinality(limit)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Reset returns the Info to its empty, uninitialized state.
func (s *Info) Reset() error {
	if !s.initialized {
		return &cmserrors.NotInitializedError{Object: s.object(), Reason: "reset before initialize"}
	}
	*s = Info{}
	return nil
}

// BuildPools builds the session pools from the role's resources, with the
// catalog cardinalities overridden by the special cardinalities.
func (s *Info) BuildPools(cat resource.Catalog, opts ...pool.Option) (functional, distributable *pool.Pool, err error) {
	if !s.initialized {
		return nil, nil, &cmserrors.NotInitializedError{Object: s.object(), Reason: "pools requested before initialize"}
	}
	fr, dr, err := cat.RoleResources(s.role)
	if err != nil {
		return nil, nil, err
	}

	functional = pool.New(s.key+"/functional", opts...)
	for _, r := range fr {
		c := r.Cardinality
		if o, ok := s.functional[r.ID]; ok {
			c = o
		}
		if err := functional.Add(r.ID, c); err != nil {
			return nil, nil, err
		}
	}

	distributable = pool.New(s.key+"/distributable", opts...)
	for _, r := range dr {
		c := r.Cardinality
		if o, ok := s.distributable[r.ID]; ok {
			c = o
		}
		if err := distributable.Add(r.ID, c); err != nil {
			return nil, nil, err
		}
	}
	return functional, distributable, nil
}

// expand returns a deep copy of props with dotted keys nested.
func expand(props map[string]any) Properties {
	out := make(Properties, len(props))
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	// plain keys first so a dotted key merges into an explicit map
	sort.Slice(keys, func(i, j int) bool {
		return strings.Count(keys[i], ".") < strings.Count(keys[j], ".")
	})

	for _, k := range keys {
		v := props[k]
		if m, ok := v.(map[string]any); ok {
			v = map[string]any(expand(m))
		}
		parts := strings.Split(k, ".")
		cur := map[string]any(out)
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		last := parts[len(parts)-1]
		if existing, ok := cur[last].(map[string]any); ok {
			if vm, ok := v.(map[string]any); ok {
				for ik, iv := range vm {
					existing[ik] = iv
				}
				continue
			}
		}
		cur[last] = v
	}
	return out
}
