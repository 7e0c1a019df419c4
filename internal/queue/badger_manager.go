package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// QueueMessage represents the internal structure stored in Badger
type QueueMessage struct {
	ID           string    `json:"id"`
	Body         Message   `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
	DedupID      string    `json:"dedup_id,omitempty"`
}

// BadgerManager implements a persistent queue using BadgerDB.
//
// Key layout:
//
//	queue:{name}:msg:{id}           -> JSON QueueMessage
//	queue:{name}:index:{ts}:{id}    -> visibility index, sorted by visible-at
//	queue:{name}:dedup:{dedupID}    -> id of the live message carrying dedupID
//
// A message is redelivered once its visibility timeout passes without a Delete, so a
// handler that crashes or returns an error leaves its work queued.
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, config Config, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = 3
	}

	return &BadgerManager{
		db:                db,
		queueName:         config.QueueName,
		visibilityTimeout: config.VisibilityTimeout,
		maxReceive:        config.MaxReceive,
		logger:            logger,
	}, nil
}

// Enqueue adds a message to the queue. When dedupID is set and a live message already
// carries it, nothing is written and false is returned.
func (m *BadgerManager) Enqueue(ctx context.Context, msg Message, dedupID string) (bool, error) {
	id := uuid.New().String()
	now := time.Now()

	qMsg := QueueMessage{
		ID:         id,
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now,
		DedupID:    dedupID,
	}

	data, err := json.Marshal(qMsg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal queue message: %w", err)
	}

	enqueued := false
	err = m.db.Update(func(txn *badger.Txn) error {
		enqueued = false

		if dedupID != "" {
			item, err := txn.Get(m.dedupKey(dedupID))
			if err == nil {
				var existingID string
				if err := item.Value(func(val []byte) error {
					existingID = string(val)
					return nil
				}); err != nil {
					return err
				}
				if _, err := txn.Get(m.msgKey(existingID)); err == nil {
					return nil // Live duplicate
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if err := txn.Set(m.dedupKey(dedupID), []byte(id)); err != nil {
				return err
			}
		}

		if err := txn.Set(m.msgKey(id), data); err != nil {
			return err
		}
		if err := txn.Set(m.indexKey(qMsg.VisibleAt, id), []byte{}); err != nil {
			return err
		}
		enqueued = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue message: %w", err)
	}

	return enqueued, nil
}

// Receive claims the next visible message and hides it for the visibility timeout
func (m *BadgerManager) Receive(ctx context.Context) (*Delivery, error) {
	var qMsg QueueMessage
	claimed := false

	// Returning nil with nothing claimed keeps dropped poison messages committed
	err := m.db.Update(func(txn *badger.Txn) error {
		claimed = false
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var claimedIndexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}

			if ts.After(now) {
				// Keys are sorted by timestamp; nothing later is ready either
				break
			}

			itemMsg, err := txn.Get(m.msgKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var candidate QueueMessage
			if err := itemMsg.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				return err
			}

			if candidate.ReceiveCount >= m.maxReceive {
				// Drop poison messages; the scheduler re-dispatches stale batches
				m.logger.Warn().
					Str("message_id", candidate.ID).
					Str("batch_id", candidate.Body.BatchID).
					Int("receive_count", candidate.ReceiveCount).
					Msg("Dropping message that exceeded max receive count")
				if err := m.txDelete(txn, candidate, key); err != nil {
					return err
				}
				continue
			}

			qMsg = candidate
			claimedIndexKey = key
			break
		}

		if claimedIndexKey == nil {
			return nil
		}

		qMsg.ReceiveCount++
		qMsg.VisibleAt = now.Add(m.visibilityTimeout)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(qMsg.ID), newData); err != nil {
			return err
		}
		if err := txn.Delete(claimedIndexKey); err != nil {
			return err
		}
		if err := txn.Set(m.indexKey(qMsg.VisibleAt, qMsg.ID), []byte{}); err != nil {
			return err
		}
		claimed = true
		return nil
	})

	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrNoMessage
	}

	return &Delivery{
		ID:           qMsg.ID,
		Body:         qMsg.Body,
		ReceiveCount: qMsg.ReceiveCount,
		manager:      m,
	}, nil
}

// Extend pushes the visibility timeout of a message out by duration from now
func (m *BadgerManager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		qMsg, err := m.txGetMessage(txn, messageID)
		if err != nil {
			return err
		}

		oldVisibleAt := qMsg.VisibleAt
		qMsg.VisibleAt = time.Now().Add(duration)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(messageID), newData); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(m.indexKey(qMsg.VisibleAt, messageID), []byte{})
	})
}

// Len returns the number of messages in the queue, visible or in flight
func (m *BadgerManager) Len(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the queue manager (no-op, the DB is owned by the storage manager)
func (m *BadgerManager) Close() error {
	return nil
}

func (m *BadgerManager) delete(messageID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		qMsg, err := m.txGetMessage(txn, messageID)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // Already deleted
			}
			return err
		}
		return m.txDelete(txn, *qMsg, m.indexKey(qMsg.VisibleAt, messageID))
	})
}

func (m *BadgerManager) txGetMessage(txn *badger.Txn, messageID string) (*QueueMessage, error) {
	item, err := txn.Get(m.msgKey(messageID))
	if err != nil {
		return nil, err
	}
	var qMsg QueueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &qMsg)
	}); err != nil {
		return nil, err
	}
	return &qMsg, nil
}

func (m *BadgerManager) txDelete(txn *badger.Txn, qMsg QueueMessage, indexKey []byte) error {
	if err := txn.Delete(indexKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if err := txn.Delete(m.msgKey(qMsg.ID)); err != nil {
		return err
	}
	if qMsg.DedupID != "" {
		// Only remove the dedup key if it still points at this message
		item, err := txn.Get(m.dedupKey(qMsg.DedupID))
		if err == nil {
			var owner string
			if err := item.Value(func(val []byte) error {
				owner = string(val)
				return nil
			}); err != nil {
				return err
			}
			if owner == qMsg.ID {
				return txn.Delete(m.dedupKey(qMsg.DedupID))
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// Helpers

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) dedupKey(dedupID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", m.queueName, dedupID))
}

func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so byte ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", m.queueName)
	if len(key) <= len(prefixStr) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefixStr):])
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
