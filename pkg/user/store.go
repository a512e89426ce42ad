// Package user is the login/password verifier consumed by sessions and the
// control API. Plaintext passwords never leave MatchPassword.
package user

import (
	"fmt"
	"sort"
	"sync"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
)

// User is an account known to the CMS.
type User struct {
	Login        string
	PasswordHash string
	FullName     string
	Enabled      bool

	// Roles lists the roles this user may reserve sessions under.
	// Empty means any role.
	Roles []string
}

// CanUseRole reports whether the user may act under role.
func (u *User) CanUseRole(role string) bool {
	if len(u.Roles) == 0 {
		return true
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Store is the credential store boundary.
type Store interface {
	HasUser(login string) bool
	GetUser(login string) (*User, error)

	// MatchPassword returns *InvalidCredentialsError when the login is
	// unknown, disabled or the password does not match.
	MatchPassword(login, password string) error

	Logins() []string
}

// MemoryStore is a Store backed by a map, populated from configuration.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

// Add registers u. The password hash must be a bcrypt hash.
func (s *MemoryStore) Add(u User) error {
	if u.Login == "" {
		return fmt.Errorf("user: empty login")
	}
	if u.PasswordHash == "" {
		return fmt.Errorf("user %q: empty password hash", u.Login)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Login]; exists {
		return fmt.Errorf("user %q already exists", u.Login)
	}
	cp := u
	cp.Roles = append([]string(nil), u.Roles...)
	s.users[u.Login] = &cp
	return nil
}

// AddWithPassword hashes password and registers the user.
func (s *MemoryStore) AddWithPassword(login, password string, roles ...string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("user %q: %w", login, err)
	}
	return s.Add(User{Login: login, PasswordHash: hash, Enabled: true, Roles: roles})
}

func (s *MemoryStore) HasUser(login string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[login]
	return ok
}

func (s *MemoryStore) GetUser(login string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[login]
	if !ok {
		return nil, fmt.Errorf("user %q not found", login)
	}
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	return &cp, nil
}

func (s *MemoryStore) MatchPassword(login, password string) error {
	s.mu.RLock()
	u, ok := s.users[login]
	s.mu.RUnlock()

	if !ok || !u.Enabled || !VerifyPassword(password, u.PasswordHash) {
		return &cmserrors.InvalidCredentialsError{Login: login}
	}
	return nil
}

func (s *MemoryStore) Logins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logins := make([]string, 0, len(s.users))
	for login := range s.users {
		logins = append(logins, login)
	}
	sort.Strings(logins)
	return logins
}
