// Package keyring manages per-owner keypairs on top of the metadata store.
// Private keys never rest unencrypted: they are sealed under the owner's
// password before storage. Rotation supersedes a keypair without discarding
// it, so papers wrapped to an older version stay recoverable.
package keyring

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"papervault/internal/crypt"
	"papervault/internal/metadata"
)

// MinIterations is the PBKDF2 floor for sealing private keys.
const MinIterations = 100_000

// Keyring generates, seals, and recovers owner keypairs.
type Keyring struct {
	store      metadata.Store
	iterations int
	log        *logrus.Logger
	now        func() time.Time
}

// Config wires the keyring's dependencies.
type Config struct {
	Store metadata.Store
	// Iterations below MinIterations are raised to it.
	Iterations int
	Logger     *logrus.Logger
	Now        func() time.Time
}

func New(cfg Config) *Keyring {
	iters := cfg.Iterations
	if iters < MinIterations {
		iters = MinIterations
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Keyring{store: cfg.Store, iterations: iters, log: log, now: now}
}

// Generate creates a fresh keypair for owner, seals the private key under
// password, and stores it as the next version.
func (k *Keyring) Generate(ctx context.Context, owner, password string) (*metadata.KeyMaterial, error) {
	priv, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating keypair for %s: %w", owner, err)
	}

	pub, err := crypt.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key for %s: %w", owner, err)
	}

	sealed, salt, err := crypt.SealPrivateKey(priv, password, k.iterations)
	if err != nil {
		return nil, fmt.Errorf("sealing private key for %s: %w", owner, err)
	}

	version := 1
	if latest, err := k.store.LatestKeyMaterial(ctx, owner); err == nil {
		version = latest.Version + 1
	}

	km := &metadata.KeyMaterial{
		Owner:            owner,
		Version:          version,
		PublicKey:        pub,
		SealedPrivateKey: sealed,
		Salt:             salt,
		Iterations:       k.iterations,
		CreatedAt:        k.now().UTC(),
	}
	if err := k.store.SaveKeyMaterial(ctx, km); err != nil {
		return nil, fmt.Errorf("storing key material for %s: %w", owner, err)
	}

	k.log.WithFields(logrus.Fields{
		"owner":   owner,
		"version": version,
	}).Info("generated keypair")
	return km, nil
}

// PublicKey returns the owner's current public key.
func (k *Keyring) PublicKey(ctx context.Context, owner string) (*ecdsa.PublicKey, error) {
	km, err := k.store.LatestKeyMaterial(ctx, owner)
	if err != nil {
		return nil, err
	}
	return crypt.ParsePublicKey(km.PublicKey)
}

// PrivateKey unseals the owner's current private key with password.
func (k *Keyring) PrivateKey(ctx context.Context, owner, password string) (*ecdsa.PrivateKey, error) {
	km, err := k.store.LatestKeyMaterial(ctx, owner)
	if err != nil {
		return nil, err
	}
	return crypt.UnsealPrivateKey(km.SealedPrivateKey, password, km.Salt, km.Iterations)
}

// PrivateKeyVersion unseals a specific, possibly superseded, version.
func (k *Keyring) PrivateKeyVersion(ctx context.Context, owner string, version int, password string) (*ecdsa.PrivateKey, error) {
	km, err := k.store.KeyMaterialVersion(ctx, owner, version)
	if err != nil {
		return nil, err
	}
	return crypt.UnsealPrivateKey(km.SealedPrivateKey, password, km.Salt, km.Iterations)
}
