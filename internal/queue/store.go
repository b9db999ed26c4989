package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/turnbus/internal/event"
)

// Entry is one appended record on a topic.
type Entry struct {
	Topic     string
	Cursor    string
	Event     event.Event
	CreatedAt time.Time
}

// ConsumerInfo describes one registered consumer's read position.
type ConsumerInfo struct {
	ConsumerID     string
	Topic          string
	Cursor         string // zeroCursor ("") means nothing acked yet
	LastActivityAt time.Time
}

// Stats is a metadata-only view of a topic — cheap to compute because it
// never decodes event payloads.
type Stats struct {
	Topic         string
	EntryCount    int
	OldestCursor  string
	NewestCursor  string
	ConsumerCount int
}

// Store is the SQLite-backed persistence layer for queue entries and
// consumers. Construct over an already-open *sql.DB — production code
// opens it with the mattn/go-sqlite3 driver, tests with modernc.org/sqlite.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	nextSeq map[string]int64 // topic -> next cursor sequence number
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, nextSeq: make(map[string]int64)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			topic TEXT NOT NULL,
			cursor TEXT NOT NULL,
			event_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (topic, cursor)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_topic_created
			ON queue_entries (topic, created_at)`,
		`CREATE TABLE IF NOT EXISTS consumers (
			consumer_id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			cursor TEXT NOT NULL DEFAULT '',
			last_activity_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consumers_topic ON consumers (topic)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// nextCursor allocates the next monotonic cursor for topic, initializing
// the in-memory counter from the persisted max on first use.
func (s *Store) nextCursor(topic string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nextSeq[topic]; !ok {
		var maxCursor sql.NullString
		row := s.db.QueryRow(`SELECT MAX(cursor) FROM queue_entries WHERE topic = ?`, topic)
		if err := row.Scan(&maxCursor); err != nil {
			return "", err
		}
		var seq int64
		if maxCursor.Valid && maxCursor.String != "" {
			if _, err := fmt.Sscanf(maxCursor.String, "%d", &seq); err != nil {
				return "", fmt.Errorf("parse stored cursor %q: %w", maxCursor.String, err)
			}
		}
		s.nextSeq[topic] = seq
	}

	s.nextSeq[topic]++
	return formatCursor(s.nextSeq[topic]), nil
}

// Append inserts e onto topic and returns its assigned cursor. Append
// failures fail the operation outright — no retry.
func (s *Store) Append(topic string, e event.Event) (Entry, error) {
	cursor, err := s.nextCursor(topic)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: allocate cursor: %w", err)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: marshal event: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO queue_entries (topic, cursor, event_json, created_at) VALUES (?, ?, ?, ?)`,
		topic, cursor, string(payload), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: append: %w", err)
	}

	return Entry{Topic: topic, Cursor: cursor, Event: e, CreatedAt: now}, nil
}

// Read returns up to limit entries on topic with cursor > afterCursor, in
// cursor order.
func (s *Store) Read(topic, afterCursor string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT cursor, event_json, created_at FROM queue_entries
		 WHERE topic = ? AND cursor > ?
		 ORDER BY cursor ASC LIMIT ?`,
		topic, afterCursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var cursor, payload, createdAt string
		if err := rows.Scan(&cursor, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("queue: scan entry: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("queue: decode entry %s@%s: %w", topic, cursor, err)
		}
		createdAtT, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("queue: parse created_at: %w", err)
		}
		entries = append(entries, Entry{Topic: topic, Cursor: cursor, Event: e, CreatedAt: createdAtT})
	}
	return entries, rows.Err()
}

// CreateConsumer registers a new consumer on topic with no acked cursor.
func (s *Store) CreateConsumer(topic string) (ConsumerInfo, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO consumers (consumer_id, topic, cursor, last_activity_at) VALUES (?, ?, '', ?)`,
		id, topic, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("queue: create consumer: %w", err)
	}
	return ConsumerInfo{ConsumerID: id, Topic: topic, Cursor: zeroCursor, LastActivityAt: now}, nil
}

// GetConsumer returns a consumer's current position, or false if it does
// not exist (e.g. it was cleaned up).
func (s *Store) GetConsumer(consumerID string) (ConsumerInfo, bool, error) {
	var info ConsumerInfo
	var lastActivity string
	row := s.db.QueryRow(
		`SELECT consumer_id, topic, cursor, last_activity_at FROM consumers WHERE consumer_id = ?`,
		consumerID,
	)
	err := row.Scan(&info.ConsumerID, &info.Topic, &info.Cursor, &lastActivity)
	if err == sql.ErrNoRows {
		return ConsumerInfo{}, false, nil
	}
	if err != nil {
		return ConsumerInfo{}, false, fmt.Errorf("queue: get consumer: %w", err)
	}
	info.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivity)
	if err != nil {
		return ConsumerInfo{}, false, fmt.Errorf("queue: parse last_activity_at: %w", err)
	}
	return info, true, nil
}

// Ack advances consumerID's cursor to max(current, cursor) and refreshes
// its last-activity timestamp. Bounded-retry on transient failure is the
// caller's (Queue's) responsibility — Store.Ack itself just reports the
// error for that retry loop to act on.
func (s *Store) Ack(consumerID, cursor string) (ConsumerInfo, error) {
	info, ok, err := s.GetConsumer(consumerID)
	if err != nil {
		return ConsumerInfo{}, err
	}
	if !ok {
		return ConsumerInfo{}, fmt.Errorf("queue: ack: unknown consumer %q", consumerID)
	}

	next := info.Cursor
	if cursor > next {
		next = cursor
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(
		`UPDATE consumers SET cursor = ?, last_activity_at = ? WHERE consumer_id = ?`,
		next, now.Format(time.RFC3339Nano), consumerID,
	)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("queue: ack: %w", err)
	}

	info.Cursor = next
	info.LastActivityAt = now
	return info, nil
}

// DeleteConsumer removes a consumer's registration entirely.
func (s *Store) DeleteConsumer(consumerID string) error {
	_, err := s.db.Exec(`DELETE FROM consumers WHERE consumer_id = ?`, consumerID)
	if err != nil {
		return fmt.Errorf("queue: delete consumer: %w", err)
	}
	return nil
}

// ConsumersOn returns every consumer registered on topic.
func (s *Store) ConsumersOn(topic string) ([]ConsumerInfo, error) {
	rows, err := s.db.Query(
		`SELECT consumer_id, topic, cursor, last_activity_at FROM consumers WHERE topic = ?`,
		topic,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: consumers on topic: %w", err)
	}
	defer rows.Close()

	var out []ConsumerInfo
	for rows.Next() {
		var info ConsumerInfo
		var lastActivity string
		if err := rows.Scan(&info.ConsumerID, &info.Topic, &info.Cursor, &lastActivity); err != nil {
			return nil, fmt.Errorf("queue: scan consumer: %w", err)
		}
		info.LastActivityAt, err = time.Parse(time.RFC3339Nano, lastActivity)
		if err != nil {
			return nil, fmt.Errorf("queue: parse last_activity_at: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Stats returns a metadata-only summary of topic: entry count and cursor
// bounds, without decoding any event payload.
func (s *Store) Stats(topic string) (Stats, error) {
	stats := Stats{Topic: topic}
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(MIN(cursor), ''), COALESCE(MAX(cursor), '') FROM queue_entries WHERE topic = ?`,
		topic,
	)
	if err := row.Scan(&stats.EntryCount, &stats.OldestCursor, &stats.NewestCursor); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}

	row = s.db.QueryRow(`SELECT COUNT(*) FROM consumers WHERE topic = ?`, topic)
	if err := row.Scan(&stats.ConsumerCount); err != nil {
		return Stats{}, fmt.Errorf("queue: stats consumer count: %w", err)
	}
	return stats, nil
}

// deleteEntriesBefore removes every entry on topic with cursor <= cutoff.
func (s *Store) deleteEntriesBefore(topic, cutoff string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM queue_entries WHERE topic = ? AND cursor <= ?`, topic, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup delete: %w", err)
	}
	return res.RowsAffected()
}

// deleteEntriesOlderThan removes every entry on topic created before cutoff.
func (s *Store) deleteEntriesOlderThan(topic string, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM queue_entries WHERE topic = ? AND created_at < ?`,
		topic, cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup ttl delete: %w", err)
	}
	return res.RowsAffected()
}

// deleteOldestOverCap trims topic down to maxEntries, dropping the oldest
// entries first.
func (s *Store) deleteOldestOverCap(topic string, maxEntries int) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM queue_entries WHERE topic = ? AND cursor IN (
			SELECT cursor FROM queue_entries WHERE topic = ?
			ORDER BY cursor DESC LIMIT -1 OFFSET ?
		)`,
		topic, topic, maxEntries,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup cap delete: %w", err)
	}
	return res.RowsAffected()
}

// staleConsumers returns consumer IDs on topic whose last activity is
// older than cutoff.
func (s *Store) staleConsumers(topic string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT consumer_id FROM consumers WHERE topic = ? AND last_activity_at < ?`,
		topic, cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: stale consumers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("queue: scan stale consumer: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// topics returns every distinct topic with at least one entry or consumer.
func (s *Store) topics() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT topic FROM queue_entries
		UNION
		SELECT topic FROM consumers
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: topics: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("queue: scan topic: %w", err)
		}
		out = append(out, topic)
	}
	return out, rows.Err()
}
