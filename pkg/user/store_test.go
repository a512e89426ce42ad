package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := HashPasswordWithCost("correct horse", bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, VerifyPassword("correct horse", hash))
	assert.False(t, VerifyPassword("battery staple", hash))
	assert.True(t, NeedsRehash(hash))
	assert.True(t, NeedsRehash("not-a-hash"))
}

func TestValidatePassword(t *testing.T) {
	assert.ErrorIs(t, ValidatePassword("short"), ErrPasswordTooShort)
	assert.ErrorIs(t, ValidatePassword(string(make([]byte, 73))), ErrPasswordTooLong)
	assert.NoError(t, ValidatePassword("12345678"))
}

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	hash, err := HashPasswordWithCost("alice-secret", bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.Add(User{Login: "alice", PasswordHash: hash, Enabled: true, Roles: []string{"expert"}}))

	hash, err = HashPasswordWithCost("bob-secret", bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.Add(User{Login: "bob", PasswordHash: hash, Enabled: false}))
	return s
}

func TestMatchPassword(t *testing.T) {
	s := newStore(t)

	assert.NoError(t, s.MatchPassword("alice", "alice-secret"))

	err := s.MatchPassword("alice", "wrong-password")
	var credErr *cmserrors.InvalidCredentialsError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "alice", credErr.Login)

	assert.Error(t, s.MatchPassword("bob", "bob-secret"), "disabled users cannot log in")
	assert.Error(t, s.MatchPassword("carol", "whatever1"))
}

func TestStoreLookups(t *testing.T) {
	s := newStore(t)

	assert.True(t, s.HasUser("alice"))
	assert.False(t, s.HasUser("carol"))
	assert.Equal(t, []string{"alice", "bob"}, s.Logins())

	u, err := s.GetUser("alice")
	require.NoError(t, err)
	assert.True(t, u.CanUseRole("expert"))
	assert.False(t, u.CanUseRole("shifter"))

	u.Roles[0] = "mutated"
	again, _ := s.GetUser("alice")
	assert.Equal(t, "expert", again.Roles[0])

	bob, err := s.GetUser("bob")
	require.NoError(t, err)
	assert.True(t, bob.CanUseRole("anything"))

	_, err = s.GetUser("carol")
	assert.Error(t, err)
}

func TestAddValidation(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Add(User{Login: "", PasswordHash: "x"}))
	assert.Error(t, s.Add(User{Login: "x"}))
	assert.Error(t, s.AddWithPassword("x", "short"))
	require.NoError(t, s.Add(User{Login: "x", PasswordHash: "h"}))
	assert.Error(t, s.Add(User{Login: "x", PasswordHash: "h"}))
}
