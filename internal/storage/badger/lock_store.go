package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/venator/internal/interfaces"
)

const lockKeyPrefix = "lock:"

type lockRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LockStore implements SET-IF-NOT-EXISTS locks with TTL on badger.
// Acquisition runs in a single read-modify-write transaction; badger's
// conflict detection makes a concurrent second acquire fail and retry as
// a loser.
type LockStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLockStore creates a new LockStore instance
func NewLockStore(db *BadgerDB, logger arbor.ILogger) interfaces.LockStore {
	return &LockStore{
		db:     db,
		logger: logger,
	}
}

func lockKey(key string) []byte {
	return []byte(lockKeyPrefix + key)
}

// Acquire takes the lock for key on behalf of owner. Returns false when
// another owner holds a non-expired lock.
func (s *LockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired := false

	err := s.db.DB().Update(func(txn *badgerdb.Txn) error {
		existing, err := readLock(txn, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.Owner != owner && time.Now().Before(existing.ExpiresAt) {
			return nil // held by someone else
		}

		record := lockRecord{Owner: owner, ExpiresAt: time.Now().Add(ttl)}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		entry := badgerdb.NewEntry(lockKey(key), data).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err == badgerdb.ErrConflict {
		// Lost the race to a concurrent acquire
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	return acquired, nil
}

// Release drops the lock if held by owner.
func (s *LockStore) Release(ctx context.Context, key, owner string) error {
	err := s.db.DB().Update(func(txn *badgerdb.Txn) error {
		existing, err := readLock(txn, key)
		if err != nil {
			return err
		}
		if existing == nil || existing.Owner != owner {
			return nil
		}
		return txn.Delete(lockKey(key))
	})
	if err != nil && err != badgerdb.ErrConflict {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Holder returns the current lock owner, or "" when unheld or expired.
func (s *LockStore) Holder(ctx context.Context, key string) (string, error) {
	var holder string

	err := s.db.DB().View(func(txn *badgerdb.Txn) error {
		existing, err := readLock(txn, key)
		if err != nil {
			return err
		}
		if existing != nil && time.Now().Before(existing.ExpiresAt) {
			holder = existing.Owner
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read lock %s: %w", key, err)
	}

	return holder, nil
}

func readLock(txn *badgerdb.Txn, key string) (*lockRecord, error) {
	item, err := txn.Get(lockKey(key))
	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record lockRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}
