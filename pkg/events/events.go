// Package events distributes and replays a feature's execution events (spec
// §3 "Execution event"): a live publish/subscribe broker for callers
// following a run in real time, and a bbolt-backed tail store that keeps the
// events pkg/store evicts from its bounded in-document log so Tail can still
// reach further back than the document's own cap.
//
// Grounded on cuemby-warren's pkg/events/events.go for the broker (buffered
// per-subscriber channels, drop-on-full broadcast) and on
// cuemby-warren's pkg/storage/boltdb.go for the bbolt bucket-per-entity CRUD
// shape, here one bucket per feature keyed by an auto-incrementing sequence
// so Tail can cheaply walk backward from the newest entry.
package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mahabharatha/orchestrator/pkg/types"
)

// Subscriber is a channel that receives a feature's execution events as they
// are published.
type Subscriber chan types.ExecutionEvent

// Broker distributes execution events to live subscribers. It does not
// persist anything; durability and replay are TailStore's job.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan types.ExecutionEvent
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan types.ExecutionEvent, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event types.ExecutionEvent) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event types.ExecutionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// TailStore persists events a feature's state document evicted from its
// bounded in-memory tail, one bbolt bucket per feature keyed by an
// auto-incrementing sequence number so the newest entries sort last.
type TailStore struct {
	db  *bolt.DB
	cap int
}

// NewTailStore opens (creating if absent) a bbolt database at path. capPerFeature
// bounds how many events are retained per feature bucket; 0 means unbounded.
func NewTailStore(path string, capPerFeature int) (*TailStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open event tail store %s: %w", path, err)
	}
	return &TailStore{db: db, cap: capPerFeature}, nil
}

// Close closes the underlying database.
func (t *TailStore) Close() error {
	return t.db.Close()
}

// Append adds event to feature's bucket, trimming the oldest entries past
// the configured cap.
func (t *TailStore) Append(feature string, event types.ExecutionEvent) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(feature))
		if err != nil {
			return fmt.Errorf("open bucket %s: %w", feature, err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := b.Put(sequenceKey(seq), data); err != nil {
			return err
		}
		return trimOldest(b, t.cap)
	})
}

// trimOldest deletes keys from the front of b until it holds at most cap
// entries. A cap of 0 disables trimming.
func trimOldest(b *bolt.Bucket, cap int) error {
	if cap <= 0 {
		return nil
	}
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for i := 0; i < len(keys)-cap; i++ {
		if err := b.Delete(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

// Tail returns up to n of feature's most recent events, oldest first.
func (t *TailStore) Tail(feature string, n int) ([]types.ExecutionEvent, error) {
	var out []types.ExecutionEvent
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(feature))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var event types.ExecutionEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			out = append(out, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
