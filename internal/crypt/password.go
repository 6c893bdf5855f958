package crypt

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"papervault/internal/fault"
)

const (
	// SealSaltSize is the salt length for private-key sealing.
	SealSaltSize = 32
	// MinSaltSize is the smallest salt accepted when unsealing.
	MinSaltSize = 16
)

// DeriveKey stretches a password into 32 bytes with PBKDF2-HMAC-SHA256.
// Deterministic for identical inputs. The iteration floor is enforced by
// callers, not here.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
}

// SealPrivateKey encrypts a private key under a password-derived key so the
// three primitives (derive, split, encrypt) cannot be composed incorrectly
// by callers. The first 16 derived bytes become the cipher key, the second
// 16 the IV. Returns the sealed key and the fresh salt.
func SealPrivateKey(priv *ecdsa.PrivateKey, password string, iterations int) (sealed, salt []byte, err error) {
	der, err := MarshalPrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}

	salt = make([]byte, SealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", fault.ErrRandomSourceFailed, err)
	}

	derived := DeriveKey(password, salt, iterations)
	sealed, err = SymmetricEncrypt(der, derived[:SymmetricKeySize], derived[SymmetricKeySize:])
	zero(derived)
	zero(der)
	if err != nil {
		return nil, nil, err
	}
	return sealed, salt, nil
}

// UnsealPrivateKey reverses SealPrivateKey. A wrong password fails either at
// the padding check or when parsing the recovered key; both surface as a
// decryption failure.
func UnsealPrivateKey(sealed []byte, password string, salt []byte, iterations int) (*ecdsa.PrivateKey, error) {
	if len(salt) < MinSaltSize {
		return nil, fault.ErrInvalidSalt
	}

	derived := DeriveKey(password, salt, iterations)
	der, err := SymmetricDecrypt(sealed, derived[:SymmetricKeySize], derived[SymmetricKeySize:])
	zero(derived)
	if err != nil {
		return nil, fault.ErrDecryptionFailed
	}

	priv, err := ParsePrivateKey(der)
	zero(der)
	if err != nil {
		// Garbage from a wrong password, not malformed input.
		return nil, fault.ErrDecryptionFailed
	}
	return priv, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
