// Package queue implements the durable job queue: a badger-backed FIFO
// with visibility timeouts, plus the worker pool that drives fetch jobs
// through the orchestrator.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/ternarybob/venator/internal/models"
)

// Broker is the message transport under the job queue. Receive returns
// the message and a delete function; an unreceipted message becomes
// visible again after the visibility timeout.
type Broker interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error
	Receive(ctx context.Context) (*models.QueueMessage, func() error, error)
	Extend(ctx context.Context, messageID string, duration time.Duration) error
	Close() error
}

// brokerEnvelope wraps a queue message with delivery bookkeeping.
type brokerEnvelope struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// BadgerBroker implements Broker on a badger key space. Message data
// lives at queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{timestamp}:{id} keeps ready messages scannable in
// FIFO order.
type BadgerBroker struct {
	db                *badgerdb.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewBadgerBroker creates a new badger-backed queue broker
func NewBadgerBroker(db *badgerdb.DB, queueName string, visibilityTimeout time.Duration, maxReceive int) (*BadgerBroker, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &BadgerBroker{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Enqueue adds a message to the queue, immediately visible.
func (b *BadgerBroker) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	envelope := brokerEnvelope{
		ID:         uuid.New().String(),
		Body:       msg,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(b.msgKey(envelope.ID), data); err != nil {
			return err
		}
		return txn.Set(b.indexKey(envelope.VisibleAt, envelope.ID), []byte{})
	})
}

// Receive pulls the next visible message. The message stays invisible for
// the visibility timeout; the returned delete function acknowledges it.
func (b *BadgerBroker) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	var envelope brokerEnvelope
	var msgID string
	var oldIndexKey []byte

	err := b.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", b.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := b.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Index keys sort by timestamp: nothing later is ready
				break
			}

			item, err := txn.Get(b.msgKey(id))
			if err != nil {
				if err == badgerdb.ErrKeyNotFound {
					// Orphaned index entry
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &envelope)
			}); err != nil {
				return err
			}

			// Poison pill guard
			if envelope.ReceiveCount >= b.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(b.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			found = true
			msgID = id
			oldIndexKey = key
			break
		}

		if !found {
			return models.ErrNoMessage
		}

		envelope.ReceiveCount++
		envelope.VisibleAt = time.Now().Add(b.visibilityTimeout)

		newData, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		if err := txn.Set(b.msgKey(msgID), newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(b.indexKey(envelope.VisibleAt, msgID), []byte{})
	})
	if err != nil {
		return nil, nil, err
	}

	deleteFn := func() error {
		return b.db.Update(func(txn *badgerdb.Txn) error {
			item, err := txn.Get(b.msgKey(msgID))
			if err != nil {
				if err == badgerdb.ErrKeyNotFound {
					return nil // already acknowledged
				}
				return err
			}

			var current brokerEnvelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}

			if err := txn.Delete(b.indexKey(current.VisibleAt, msgID)); err != nil && err != badgerdb.ErrKeyNotFound {
				return err
			}
			return txn.Delete(b.msgKey(msgID))
		})
	}

	return &envelope.Body, deleteFn, nil
}

// Extend pushes a message's visibility deadline out for long handlers.
func (b *BadgerBroker) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(b.msgKey(messageID))
		if err != nil {
			return err
		}

		var envelope brokerEnvelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &envelope)
		}); err != nil {
			return err
		}

		oldVisibleAt := envelope.VisibleAt
		envelope.VisibleAt = time.Now().Add(duration)

		newData, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		if err := txn.Set(b.msgKey(messageID), newData); err != nil {
			return err
		}
		if err := txn.Delete(b.indexKey(oldVisibleAt, messageID)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Set(b.indexKey(envelope.VisibleAt, messageID), []byte{})
	})
}

// Close is a no-op: the badger handle is owned by the storage layer.
func (b *BadgerBroker) Close() error {
	return nil
}

func (b *BadgerBroker) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", b.queueName, id))
}

func (b *BadgerBroker) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string sorting matches numeric sorting
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", b.queueName, visibleAt.UnixNano(), id))
}

func (b *BadgerBroker) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", b.queueName)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 21 { // 20 digits + 1 colon
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
