package keyring

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papervault/internal/fault"
	"papervault/internal/metadata"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(Config{Store: store, Logger: log})
}

func TestKeyring_GenerateAndRecover(t *testing.T) {
	k := testKeyring(t)
	ctx := context.Background()

	km, err := k.Generate(ctx, "coe", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, 1, km.Version)
	assert.GreaterOrEqual(t, km.Iterations, MinIterations)

	priv, err := k.PrivateKey(ctx, "coe", "correct horse")
	require.NoError(t, err)

	pub, err := k.PublicKey(ctx, "coe")
	require.NoError(t, err)
	assert.True(t, pub.Equal(&priv.PublicKey))
}

func TestKeyring_WrongPassword(t *testing.T) {
	k := testKeyring(t)
	ctx := context.Background()

	_, err := k.Generate(ctx, "coe", "right")
	require.NoError(t, err)

	_, err = k.PrivateKey(ctx, "coe", "wrong")
	assert.ErrorIs(t, err, fault.ErrDecryptionFailed)
}

func TestKeyring_RotationRetainsOldVersions(t *testing.T) {
	k := testKeyring(t)
	ctx := context.Background()

	_, err := k.Generate(ctx, "coe", "first")
	require.NoError(t, err)
	km2, err := k.Generate(ctx, "coe", "second")
	require.NoError(t, err)
	assert.Equal(t, 2, km2.Version)

	// The current key is version 2, but version 1 still unseals with its
	// own password.
	_, err = k.PrivateKey(ctx, "coe", "second")
	require.NoError(t, err)
	_, err = k.PrivateKeyVersion(ctx, "coe", 1, "first")
	require.NoError(t, err)
}

func TestKeyring_UnknownOwner(t *testing.T) {
	k := testKeyring(t)

	_, err := k.PublicKey(context.Background(), "nobody")
	assert.ErrorIs(t, err, fault.ErrKeyMaterialNotFound)
}

func TestKeyring_IterationFloor(t *testing.T) {
	store, err := metadata.OpenSQLite(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	k := New(Config{Store: store, Iterations: 1000})
	km, err := k.Generate(context.Background(), "coe", "pw")
	require.NoError(t, err)
	assert.Equal(t, MinIterations, km.Iterations)
}
