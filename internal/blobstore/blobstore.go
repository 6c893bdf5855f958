// Package blobstore provides content-addressed storage for sealed paper
// blobs behind two interchangeable backends: a badger-backed local store and
// an IPFS HTTP API client. The backend is selected once at startup by
// configuration; a failing networked backend surfaces as an error and is
// never silently replaced by the local stand-in.
package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"papervault/internal/crypt"
)

// Modes accepted by Config.Mode.
const (
	ModeLocal = "local"
	ModeIPFS  = "ipfs"
)

// DefaultTimeout bounds calls to a networked backend.
const DefaultTimeout = 30 * time.Second

// NodeInfo describes the backing node, for liveness and introspection only.
type NodeInfo struct {
	Connected bool
	Mode      string
	Address   string
}

// Store is the content-addressed storage contract. Upload is idempotent:
// identical bytes always map to the same content address. Pin and Unpin are
// advisory retention hints whose failures callers log rather than surface.
type Store interface {
	Upload(ctx context.Context, data []byte) (string, error)
	Download(ctx context.Context, address string) ([]byte, error)
	Pin(ctx context.Context, address string) error
	Unpin(ctx context.Context, address string) error
	NodeInfo(ctx context.Context) NodeInfo
	Close() error
}

// Config selects and parameterizes the backend.
type Config struct {
	Mode    string
	Path    string        // data directory for the local store
	APIAddr string        // IPFS HTTP API endpoint, e.g. http://127.0.0.1:5001
	Timeout time.Duration // network timeout; DefaultTimeout if zero
	Logger  *logrus.Logger
}

// New constructs the configured backend. The choice is made exactly once;
// callers hold the Store interface and never branch on the mode again.
func New(cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	switch cfg.Mode {
	case ModeLocal, "":
		return OpenLocal(cfg)
	case ModeIPFS:
		return NewIPFSStore(cfg), nil
	default:
		return nil, fmt.Errorf("unknown blobstore mode %q", cfg.Mode)
	}
}

// AddressFor derives the content address for a blob: a CID-shaped
// identifier built from the SHA-256 of the bytes. Deterministic, so
// identical ciphertexts share one address.
func AddressFor(data []byte) string {
	return "Qm" + crypt.Hash(data)[:44]
}
