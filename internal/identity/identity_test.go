package identity

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papervault/internal/fault"
)

func testCredential(id, role, password string) Credential {
	salt := []byte("0123456789abcdef")
	return Credential{
		ID:           id,
		Name:         "Test " + id,
		Role:         role,
		PasswordHash: HashPassword(password, salt, 2048),
		Salt:         hex.EncodeToString(salt),
		Iterations:   2048,
	}
}

func TestStaticProvider_LookupAndRoles(t *testing.T) {
	p, err := NewStaticProvider([]Credential{
		testCredential("t1", RoleTeacher, "pw"),
		testCredential("p1", RoleProctor, "pw"),
		testCredential("c1", RoleCoE, "pw"),
		testCredential("a1", RoleAdmin, "pw"),
	})
	require.NoError(t, err)

	teacher, err := p.Lookup("t1")
	require.NoError(t, err)
	assert.False(t, p.CanRelease(teacher), "teachers submit, they do not release")

	for _, id := range []string{"p1", "c1", "a1"} {
		u, err := p.Lookup(id)
		require.NoError(t, err)
		assert.True(t, p.CanRelease(u), "%s should be allowed to release", id)
	}

	_, err = p.Lookup("ghost")
	assert.ErrorIs(t, err, fault.ErrIdentityNotFound)
}

func TestStaticProvider_VerifyPassword(t *testing.T) {
	p, err := NewStaticProvider([]Credential{testCredential("c1", RoleCoE, "hunter2")})
	require.NoError(t, err)

	assert.NoError(t, p.VerifyPassword("c1", "hunter2"))
	assert.ErrorIs(t, p.VerifyPassword("c1", "hunter3"), fault.ErrWrongPassword)
	assert.ErrorIs(t, p.VerifyPassword("nobody", "hunter2"), fault.ErrIdentityNotFound)
}

func TestNewStaticProvider_RejectsBadConfig(t *testing.T) {
	_, err := NewStaticProvider([]Credential{testCredential("x", "headmaster", "pw")})
	assert.Error(t, err, "unknown role")

	dup := testCredential("x", RoleAdmin, "pw")
	_, err = NewStaticProvider([]Credential{dup, dup})
	assert.Error(t, err, "duplicate user")
}
