// Package queue implements the durable, multi-consumer, ACK-driven topic
// queue entries are appended to and read from: SQLite persistence over an
// injected *sql.DB with a migrate-on-construct step, and a ticker-driven
// background retention loop (Start/Stop/stopCh/WaitGroup).
package queue

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/turnbus/internal/event"
)

// AckCallback is invoked synchronously after an ack is durably recorded,
// letting runtime glue persist a message on client acknowledgement without
// the queue importing runtime.
type AckCallback func(consumerID, topic, cursor string, e event.Event)

// Queue is the topic queue's public surface: append, subscribe, read,
// ack, and retention. One Queue instance owns one *sql.DB; every topic
// lives in the same database, distinguished by the topic column.
type Queue struct {
	store  *Store
	config Config

	mu        sync.Mutex
	onAck     AckCallback
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
}

// New constructs a Queue over db, running migrations if needed. Pass
// DefaultConfig() for the documented defaults, or a zero Config to
// disable background cleanup while keeping the documented retention caps
// available via explicit Cleanup() calls.
func New(db *sql.DB, cfg Config) (*Queue, error) {
	store, err := newStore(db)
	if err != nil {
		return nil, err
	}
	return &Queue{store: store, config: cfg.withDefaults()}, nil
}

// OnAck registers the callback invoked after every successful Ack. Only
// one callback is kept; registering again replaces it.
func (q *Queue) OnAck(cb AckCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onAck = cb
}

// Append adds e to topic and returns its assigned cursor. Append failures
// fail the operation outright, with no retry.
func (q *Queue) Append(topic string, e event.Event) (Entry, error) {
	if topic == "" {
		return Entry{}, fmt.Errorf("queue: topic must not be empty")
	}
	return q.store.Append(topic, e)
}

// CreateConsumer registers a new consumer on topic with no acked cursor,
// i.e. a fresh Read will return entries from the beginning of the topic.
func (q *Queue) CreateConsumer(topic string) (ConsumerInfo, error) {
	return q.store.CreateConsumer(topic)
}

// DeleteConsumer removes a consumer's registration. Its cursor no longer
// constrains retention after this call.
func (q *Queue) DeleteConsumer(consumerID string) error {
	return q.store.DeleteConsumer(consumerID)
}

// GetConsumerCursor returns the consumer's last-acked cursor (zeroCursor
// if nothing has been acked yet) or false if the consumer is unknown.
func (q *Queue) GetConsumerCursor(consumerID string) (string, bool, error) {
	info, ok, err := q.store.GetConsumer(consumerID)
	if err != nil || !ok {
		return "", ok, err
	}
	return info.Cursor, true, nil
}

// Read returns up to limit entries on topic after afterCursor, in cursor
// order. A negative limit uses the configured default (100); limit == 0
// returns an empty, non-nil-error result (a valid boundary case, not an
// error); any limit above the configured max (1000) is silently capped.
func (q *Queue) Read(topic, afterCursor string, limit int) ([]Entry, error) {
	if limit == 0 {
		return []Entry{}, nil
	}
	if limit < 0 {
		limit = q.config.DefaultReadLimit
	}
	if limit > q.config.MaxReadLimit {
		limit = q.config.MaxReadLimit
	}
	return q.store.Read(topic, afterCursor, limit)
}

// Subscribe reads every entry after the consumer's current cursor and
// advances nothing — the caller is expected to Ack as it processes
// entries. This mirrors the "subscribe to a topic, then stream reads,
// then ack" flow a transport connection drives.
func (q *Queue) Subscribe(consumerID, topic string, limit int) ([]Entry, error) {
	cursor, ok, err := q.GetConsumerCursor(consumerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("queue: subscribe: unknown consumer %q", consumerID)
	}
	return q.Read(topic, cursor, limit)
}

// Ack advances consumerID's cursor to max(current, cursor), retrying on
// transient failure with bounded backoff, and invokes the registered
// AckCallback on success. If every retry is exhausted, the caller is
// expected to surface this as an error_message event on its own bus
// rather than panicking — Ack just returns the error here.
func (q *Queue) Ack(consumerID, topic, cursor string, acked event.Event) error {
	const maxAttempts = 3
	backoff := 10 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		info, err := q.store.Ack(consumerID, cursor)
		if err == nil {
			q.mu.Lock()
			cb := q.onAck
			q.mu.Unlock()
			if cb != nil {
				cb(consumerID, info.Topic, cursor, acked)
			}
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("queue: ack failed after %d attempts: %w", maxAttempts, lastErr)
}

// Stats returns a metadata-only summary of topic.
func (q *Queue) Stats(topic string) (Stats, error) {
	return q.store.Stats(topic)
}

// Cleanup runs one retention pass over every known topic: entries are
// dropped once they fall behind MIN(live consumer cursor), once they pass
// MessageTTL, and down to MaxEntriesPerTopic if the topic is still over
// cap. Stale consumers (past ConsumerTTL with no activity) are dropped
// first so they stop constraining retention for entries that would
// otherwise be kept forever by an abandoned consumer.
func (q *Queue) Cleanup() error {
	topics, err := q.store.topics()
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, topic := range topics {
		stale, err := q.store.staleConsumers(topic, now.Add(-q.config.ConsumerTTL))
		if err != nil {
			return err
		}
		for _, id := range stale {
			if err := q.store.DeleteConsumer(id); err != nil {
				return err
			}
		}

		if _, err := q.store.deleteEntriesOlderThan(topic, now.Add(-q.config.MessageTTL)); err != nil {
			return err
		}

		consumers, err := q.store.ConsumersOn(topic)
		if err != nil {
			return err
		}
		if len(consumers) > 0 {
			minCursor := consumers[0].Cursor
			for _, c := range consumers[1:] {
				if c.Cursor < minCursor {
					minCursor = c.Cursor
				}
			}
			if minCursor != zeroCursor {
				if _, err := q.store.deleteEntriesBefore(topic, minCursor); err != nil {
					return err
				}
			}
		}

		stats, err := q.store.Stats(topic)
		if err != nil {
			return err
		}
		if stats.EntryCount > q.config.MaxEntriesPerTopic {
			if _, err := q.store.deleteOldestOverCap(topic, q.config.MaxEntriesPerTopic); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start runs Cleanup on config.CleanupInterval until Stop is called. A
// zero CleanupInterval disables the loop (Start becomes a no-op).
func (q *Queue) Start() {
	if q.config.CleanupInterval <= 0 {
		return
	}
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = q.Cleanup()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the background cleanup loop started by Start and waits for
// it to exit. Safe to call even if Start was never called or the loop is
// already stopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()
	q.wg.Wait()
}
