package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"papervault/internal/fault"
)

// Key wrapping uses an ephemeral ECDH exchange over P-256, HKDF-SHA256 key
// derivation, and AES-256-GCM. The wrapped payload layout is:
//
//	ephemeral public key (65 bytes, uncompressed point) || nonce (12) || sealed key
//
// Only short symmetric keys are wrapped this way, never bulk data.

const (
	wrapEphemeralSize = 65
	wrapNonceSize     = 12
	// MaxWrappedKeySize bounds the plaintext accepted by WrapKey.
	MaxWrappedKeySize = 32
)

var wrapInfo = []byte("papervault/key-wrap/v1")

// GenerateKeyPair produces a fresh P-256 keypair for key wrapping and
// signing. Fails only if the system randomness source is unavailable.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrRandomSourceFailed, err)
	}
	return key, nil
}

// WrapKey encrypts a short symmetric key to the holder of the matching
// private key.
func WrapKey(key []byte, pub *ecdsa.PublicKey) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxWrappedKeySize {
		return nil, fault.ErrKeyTooLargeToWrap
	}
	if pub == nil {
		return nil, fault.ErrInvalidPublicKey
	}

	peer, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPublicKey, err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrRandomSourceFailed, err)
	}

	shared, err := ephemeral.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPublicKey, err)
	}

	aead, err := wrapAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, wrapNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrRandomSourceFailed, err)
	}

	out := make([]byte, 0, wrapEphemeralSize+wrapNonceSize+len(key)+aead.Overhead())
	out = append(out, ephemeral.PublicKey().Bytes()...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, key, nil)
	return out, nil
}

// UnwrapKey recovers a symmetric key wrapped with WrapKey. Unwrapping with
// the wrong private key fails; it never silently returns garbage.
func UnwrapKey(wrapped []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fault.ErrInvalidPrivateKey
	}
	if len(wrapped) < wrapEphemeralSize+wrapNonceSize+1 {
		return nil, fault.ErrMalformedWrappedKey
	}

	self, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPrivateKey, err)
	}

	ephemeral, err := ecdh.P256().NewPublicKey(wrapped[:wrapEphemeralSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrMalformedWrappedKey, err)
	}

	shared, err := self.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrMalformedWrappedKey, err)
	}

	aead, err := wrapAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce := wrapped[wrapEphemeralSize : wrapEphemeralSize+wrapNonceSize]
	key, err := aead.Open(nil, nonce, wrapped[wrapEphemeralSize+wrapNonceSize:], nil)
	if err != nil {
		return nil, fault.ErrDecryptionFailed
	}
	return key, nil
}

func wrapAEAD(shared []byte) (cipher.AEAD, error) {
	kek := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, wrapInfo), kek); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidKeyLength, err)
	}
	return cipher.NewGCM(block)
}

// Sign signs the SHA-256 digest of data, never the raw data.
func Sign(data []byte, priv *ecdsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fault.ErrInvalidPrivateKey
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature over the digest of data.
func Verify(data, sig []byte, pub *ecdsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// MarshalPrivateKey encodes a private key as hex SEC1 for sealed storage.
func MarshalPrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPrivateKey, err)
	}
	return der, nil
}

// ParsePrivateKey decodes a key produced by MarshalPrivateKey.
func ParsePrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPrivateKey, err)
	}
	return key, nil
}

// MarshalPublicKey encodes a public key as hex PKIX for storage alongside
// identity records.
func MarshalPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", fault.ErrInvalidPublicKey, err)
	}
	return hex.EncodeToString(der), nil
}

// ParsePublicKey decodes a key produced by MarshalPublicKey.
func ParsePublicKey(encoded string) (*ecdsa.PublicKey, error) {
	der, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fault.ErrInvalidPublicKey
	}
	return pub, nil
}
