package runtime

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/turnbus/internal/event"
)

// Image is an immutable template a container is instantiated from.
type Image struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Container owns a registry of agents; a container must exist before any
// agent bound to it can be registered.
type Container struct {
	ID        string
	ImageID   string
	CreatedAt time.Time
}

// Session is the conversational scope a queue topic and message history
// are attached to. A session must be created before the agent that serves
// it.
type Session struct {
	ID          string
	ContainerID string
	CreatedAt   time.Time
	DestroyedAt *time.Time
}

// Store persists sessions/images/containers/messages over an injected
// *sql.DB, running its own migrations on construction.
type Store struct {
	db *sql.DB
}

// NewStore opens migrations against db and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("runtime: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS containers (
			id TEXT PRIMARY KEY,
			image_id TEXT NOT NULL REFERENCES images(id),
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL REFERENCES containers(id),
			created_at TEXT NOT NULL,
			destroyed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			cursor TEXT NOT NULL,
			event_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, cursor)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// CreateImage registers a new image.
func (s *Store) CreateImage(name string) (Image, error) {
	img := Image{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(`INSERT INTO images (id, name, created_at) VALUES (?, ?, ?)`,
		img.ID, img.Name, img.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Image{}, fmt.Errorf("runtime: create image: %w", err)
	}
	return img, nil
}

// CreateContainer instantiates a container from imageID. A container must
// exist before any session bound to it.
func (s *Store) CreateContainer(imageID string) (Container, error) {
	c := Container{ID: uuid.NewString(), ImageID: imageID, CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(`INSERT INTO containers (id, image_id, created_at) VALUES (?, ?, ?)`,
		c.ID, c.ImageID, c.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Container{}, fmt.Errorf("runtime: create container: %w", err)
	}
	return c, nil
}

// CreateSession opens a session on containerID. This must happen before
// the agent that will serve it is started.
func (s *Store) CreateSession(containerID string) (Session, error) {
	sess := Session{ID: uuid.NewString(), ContainerID: containerID, CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(`INSERT INTO sessions (id, container_id, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.ContainerID, sess.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("runtime: create session: %w", err)
	}
	return sess, nil
}

// DestroySession marks a session as destroyed. Message history is kept
// for later retrieval; only the session's active/inactive flag changes.
func (s *Store) DestroySession(sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE sessions SET destroyed_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("runtime: destroy session: %w", err)
	}
	return nil
}

// GetSession looks up a session by id.
func (s *Store) GetSession(sessionID string) (Session, bool, error) {
	var sess Session
	var createdAt string
	var destroyedAt sql.NullString
	row := s.db.QueryRow(`SELECT id, container_id, created_at, destroyed_at FROM sessions WHERE id = ?`, sessionID)
	err := row.Scan(&sess.ID, &sess.ContainerID, &createdAt, &destroyedAt)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("runtime: get session: %w", err)
	}
	sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Session{}, false, fmt.Errorf("runtime: parse created_at: %w", err)
	}
	if destroyedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, destroyedAt.String)
		if err != nil {
			return Session{}, false, fmt.Errorf("runtime: parse destroyed_at: %w", err)
		}
		sess.DestroyedAt = &t
	}
	return sess, true, nil
}

// SaveMessage persists e (already known to satisfy ShouldPersist) under
// sessionID at the given queue cursor, used only from the queue's OnAck
// callback — messages are never written before a client has acknowledged
// receiving them.
func (s *Store) SaveMessage(sessionID, cursor string, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("runtime: marshal message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO messages (session_id, cursor, event_json, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, cursor, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("runtime: save message: %w", err)
	}
	return nil
}

// Messages returns every persisted message for a session, oldest first.
func (s *Store) Messages(sessionID string) ([]event.Event, error) {
	rows, err := s.db.Query(
		`SELECT event_json FROM messages WHERE session_id = ? ORDER BY cursor ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: messages: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("runtime: scan message: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("runtime: decode message: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
