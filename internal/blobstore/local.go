package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"papervault/internal/fault"
)

var (
	blobPrefix = []byte("blob:")
	pinPrefix  = []byte("pin:")
)

// LocalStore keeps blobs in a badger database keyed by content address. It
// is a stand-in for the networked store with an identical observable
// contract, durable across restarts. One instance is constructed at startup
// and shared by every consumer.
type LocalStore struct {
	db  *badger.DB
	log *logrus.Logger
}

// OpenLocal opens (or creates) the badger-backed store at cfg.Path.
func OpenLocal(cfg Config) (*LocalStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	return &LocalStore{db: db, log: cfg.Logger}, nil
}

func blobKey(address string) []byte { return append(append([]byte{}, blobPrefix...), address...) }
func pinKey(address string) []byte  { return append(append([]byte{}, pinPrefix...), address...) }

// Upload stores data under its content address. Re-uploading identical
// bytes is a no-op that returns the same address.
func (s *LocalStore) Upload(ctx context.Context, data []byte) (string, error) {
	address := AddressFor(data)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(address), data)
	})
	if err != nil {
		return "", fmt.Errorf("storing blob: %w", err)
	}

	s.log.WithFields(logrus.Fields{"address": address, "size": len(data)}).Debug("blob stored")
	return address, nil
}

// Download returns the bytes stored under address.
func (s *LocalStore) Download(ctx context.Context, address string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(address))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", fault.ErrContentNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return data, nil
}

// Pin marks an address as retained. Advisory only.
func (s *LocalStore) Pin(ctx context.Context, address string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(blobKey(address)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", fault.ErrContentNotFound, address)
			}
			return err
		}
		return txn.Set(pinKey(address), []byte{1})
	})
}

// Unpin removes the retention mark for an address.
func (s *LocalStore) Unpin(ctx context.Context, address string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pinKey(address))
	})
}

// Pinned reports whether an address carries a retention mark.
func (s *LocalStore) Pinned(address string) (bool, error) {
	var pinned bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(pinKey(address))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err == nil {
			pinned = true
		}
		return err
	})
	return pinned, err
}

func (s *LocalStore) NodeInfo(ctx context.Context) NodeInfo {
	return NodeInfo{Connected: true, Mode: ModeLocal, Address: s.db.Opts().Dir}
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}
