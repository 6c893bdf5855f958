// Package identity answers who an actor is and what they may do. The
// static provider is backed by configuration; passwords are verified
// against PBKDF2 digests in constant time.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"papervault/internal/fault"
)

// Roles known to the pipeline.
const (
	RoleTeacher = "teacher"
	RoleProctor = "proctor"
	RoleCoE     = "coe"
	RoleAdmin   = "admin"
)

// User is a registered actor.
type User struct {
	ID   string
	Name string
	Role string
}

// Provider resolves and authenticates actors.
type Provider interface {
	// Lookup returns the user for id, or ErrIdentityNotFound.
	Lookup(id string) (User, error)
	// VerifyPassword checks id's password. Unknown users and wrong
	// passwords both take the digest comparison path so timing does not
	// distinguish them.
	VerifyPassword(id, password string) error
	// CanRelease reports whether the user's role may release papers.
	CanRelease(u User) bool
}

// Credential is one configured user entry. PasswordHash is the hex PBKDF2
// digest of the password with Salt at Iterations.
type Credential struct {
	ID           string
	Name         string
	Role         string
	PasswordHash string
	Salt         string
	Iterations   int
}

// HashPassword produces the digest stored in a Credential.
func HashPassword(password string, salt []byte, iterations int) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New))
}

// StaticProvider serves a fixed user set loaded at startup.
type StaticProvider struct {
	users map[string]Credential
}

// NewStaticProvider indexes the configured credentials by user ID.
func NewStaticProvider(creds []Credential) (*StaticProvider, error) {
	users := make(map[string]Credential, len(creds))
	for _, c := range creds {
		if c.ID == "" {
			return nil, fmt.Errorf("credential with empty user ID")
		}
		switch c.Role {
		case RoleTeacher, RoleProctor, RoleCoE, RoleAdmin:
		default:
			return nil, fmt.Errorf("user %s: unknown role %q", c.ID, c.Role)
		}
		if _, dup := users[c.ID]; dup {
			return nil, fmt.Errorf("duplicate user %s", c.ID)
		}
		users[c.ID] = c
	}
	return &StaticProvider{users: users}, nil
}

func (p *StaticProvider) Lookup(id string) (User, error) {
	c, ok := p.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, fault.ErrIdentityNotFound)
	}
	return User{ID: c.ID, Name: c.Name, Role: c.Role}, nil
}

func (p *StaticProvider) VerifyPassword(id, password string) error {
	c, ok := p.users[id]
	if !ok {
		// Burn a derivation anyway so lookups are not distinguishable
		// from wrong passwords by timing.
		HashPassword(password, []byte("missing-user"), 1024)
		return fmt.Errorf("user %s: %w", id, fault.ErrIdentityNotFound)
	}

	salt, err := hex.DecodeString(c.Salt)
	if err != nil {
		return fmt.Errorf("user %s: invalid salt: %w", id, err)
	}
	want, err := hex.DecodeString(c.PasswordHash)
	if err != nil {
		return fmt.Errorf("user %s: invalid password hash: %w", id, err)
	}

	got := pbkdf2.Key([]byte(password), salt, c.Iterations, sha256.Size, sha256.New)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return fmt.Errorf("user %s: %w", id, fault.ErrWrongPassword)
	}
	return nil
}

func (p *StaticProvider) CanRelease(u User) bool {
	switch u.Role {
	case RoleProctor, RoleCoE, RoleAdmin:
		return true
	}
	return false
}
