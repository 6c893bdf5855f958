package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"papervault/internal/fault"
)

var (
	recordPrefix  = []byte("paper:")
	historyPrefix = []byte("hist:")
	accessPrefix  = []byte("log:")
	counterKey    = []byte("meta:blocknumber")
)

// LocalLedger is the badger-backed stand-in, durable across restarts. One
// explicitly constructed instance is shared by all consumers; the mutex
// serializes block-number allocation so two writes can never observe or
// persist the same number, and the number is persisted in the same badger
// transaction as the record it was allocated for.
type LocalLedger struct {
	mu  sync.Mutex
	db  *badger.DB
	log *logrus.Logger
	now func() time.Time
}

// OpenLocal opens (or creates) the local ledger at cfg.Path. The block
// counter resumes from its persisted value.
func OpenLocal(cfg Config) (*LocalLedger, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}

	return &LocalLedger{db: db, log: cfg.Logger, now: time.Now}, nil
}

func recordKey(paperID string) []byte {
	return append(append([]byte{}, recordPrefix...), paperID...)
}

func historyKey(paperID string, block uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", historyPrefix, paperID, block))
}

func accessKey(paperID string, ts time.Time, logID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", accessPrefix, paperID, ts.UnixNano(), logID))
}

// txID derives a unique transaction id for one write.
func txID(paperID string, block uint64, ts time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%d", paperID, block, ts.UnixNano()))
	return hex.EncodeToString(sum[:])
}

// nextBlock reads the persisted counter inside txn. The caller must hold
// l.mu and write the incremented value in the same transaction.
func (l *LocalLedger) nextBlock(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(counterKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var current uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt block counter")
		}
		current = binary.BigEndian.Uint64(val)
		return nil
	})
	return current + 1, err
}

func putBlock(txn *badger.Txn, block uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, block)
	return txn.Set(counterKey, buf)
}

// Commit appends the first record for a paper and allocates its block
// number atomically with the durable write.
func (l *LocalLedger) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result CommitResult
	now := l.now().UTC()

	err := l.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordKey(req.PaperID)); err == nil {
			return fmt.Errorf("%w: %s", fault.ErrPaperAlreadyExists, req.PaperID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		block, err := l.nextBlock(txn)
		if err != nil {
			return err
		}

		record := Record{
			PaperID:        req.PaperID,
			ExamID:         req.ExamID,
			Subject:        req.Subject,
			ContentAddress: req.ContentAddress,
			PlaintextHash:  req.PlaintextHash,
			UnlockTime:     req.UnlockTime.UTC(),
			UploadedBy:     req.UploadedBy,
			Status:         StatusLocked,
			TxID:           txID(req.PaperID, block, now),
			BlockNumber:    block,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := l.writeRecordAndHistory(txn, record, now); err != nil {
			return err
		}
		if err := putBlock(txn, block); err != nil {
			return err
		}

		result = CommitResult{TxID: record.TxID, BlockNumber: block, Status: record.Status}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}

	l.log.WithFields(logrus.Fields{
		"paper": req.PaperID,
		"block": result.BlockNumber,
		"tx":    result.TxID,
	}).Info("paper committed to ledger")
	return result, nil
}

// UpdateStatus appends a status-change entry. Only locked to released is
// permitted; any other transition fails and leaves the record untouched.
func (l *LocalLedger) UpdateStatus(ctx context.Context, paperID string, status Status) (CommitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result CommitResult
	now := l.now().UTC()

	err := l.db.Update(func(txn *badger.Txn) error {
		record, err := getRecord(txn, paperID)
		if err != nil {
			return err
		}

		if !CanTransition(record.Status, status) {
			return fmt.Errorf("%w: %s -> %s", fault.ErrInvalidTransition, record.Status, status)
		}

		block, err := l.nextBlock(txn)
		if err != nil {
			return err
		}

		record.Status = status
		record.TxID = txID(paperID, block, now)
		record.BlockNumber = block
		record.UpdatedAt = now

		if err := l.writeRecordAndHistory(txn, record, now); err != nil {
			return err
		}
		if err := putBlock(txn, block); err != nil {
			return err
		}

		result = CommitResult{TxID: record.TxID, BlockNumber: block, Status: status}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}

	l.log.WithFields(logrus.Fields{"paper": paperID, "status": status}).Info("paper status updated")
	return result, nil
}

func (l *LocalLedger) writeRecordAndHistory(txn *badger.Txn, record Record, now time.Time) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := txn.Set(recordKey(record.PaperID), encoded); err != nil {
		return err
	}

	entry := HistoryEntry{TxID: record.TxID, BlockNumber: record.BlockNumber, Timestamp: now, Record: record}
	encodedEntry, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return txn.Set(historyKey(record.PaperID, record.BlockNumber), encodedEntry)
}

// RecordAccess appends an audit entry for an existing paper, regardless of
// its status.
func (l *LocalLedger) RecordAccess(ctx context.Context, entry AccessEntry) error {
	if entry.LogID == "" {
		entry.LogID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	return l.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, entry.PaperID); err != nil {
			return err
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(accessKey(entry.PaperID, entry.Timestamp, entry.LogID), encoded)
	})
}

func getRecord(txn *badger.Txn, paperID string) (Record, error) {
	var record Record
	item, err := txn.Get(recordKey(paperID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record, fmt.Errorf("%w: %s", fault.ErrPaperNotFound, paperID)
	}
	if err != nil {
		return record, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	})
	return record, err
}

// Get returns the current projection for a paper.
func (l *LocalLedger) Get(ctx context.Context, paperID string) (Record, error) {
	var record Record
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = getRecord(txn, paperID)
		return err
	})
	return record, err
}

// History returns all logical writes for a paper, oldest first.
func (l *LocalLedger) History(ctx context.Context, paperID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	prefix := []byte(fmt.Sprintf("%s%s:", historyPrefix, paperID))

	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry HistoryEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", fault.ErrPaperNotFound, paperID)
	}
	return entries, nil
}

// AccessLog returns audit entries for a paper, timestamp ascending.
func (l *LocalLedger) AccessLog(ctx context.Context, paperID string) ([]AccessEntry, error) {
	var entries []AccessEntry
	prefix := []byte(fmt.Sprintf("%s%s:", accessPrefix, paperID))

	err := l.db.View(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, paperID); err != nil {
			return err
		}
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var entry AccessEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// List pages through current projections in paper-id order. The cursor is
// the paper id to resume after; snapshot-at-read semantics.
func (l *LocalLedger) List(ctx context.Context, pageSize int, cursor string) (Page, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	var page Page
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: recordPrefix, PrefetchValues: true, PrefetchSize: pageSize})
		defer it.Close()

		start := recordPrefix
		if cursor != "" {
			// resume strictly after the cursor key
			start = append(recordKey(cursor), 0)
		}

		for it.Seek(start); it.Valid(); it.Next() {
			if len(page.Records) == pageSize {
				last := page.Records[len(page.Records)-1]
				page.NextCursor = last.PaperID
				return nil
			}
			var record Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}
			page.Records = append(page.Records, record)
		}
		return nil
	})
	return page, err
}

func (l *LocalLedger) Close() error {
	return l.db.Close()
}
