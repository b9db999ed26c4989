package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/turnbus/internal/event"
)

// ServerConfig controls heartbeat timing. Zero values use the documented
// defaults (ping every 30s, close if no pong within one interval).
type ServerConfig struct {
	PingInterval time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// ConnectionInfo is a read-only snapshot of one connection, for
// introspection and diagnostics.
type ConnectionInfo struct {
	ConnectionID string
	Topics       []string
	ConnectedAt  time.Time
}

// Server is the reliable-delivery websocket hub. One Server serves many
// connections; each connection starts subscribed only to the implicit
// "global" topic and may subscribe to additional topics via queue_subscribe
// frames.
type Server struct {
	upgrader websocket.Upgrader
	config   ServerConfig
	log      *slog.Logger

	onConnection  func(connectionID string)
	onDisconnect  func(connectionID string)
	onSubscribe   func(connectionID, topic, afterCursor string) (consumerID string, err error)
	onUnsubscribe func(connectionID, topic string)
	onAck         func(connectionID, topic, cursor string)

	mu    sync.RWMutex
	conns map[string]*serverConn
}

// NewServer constructs a Server. log defaults to slog.Default() if nil.
func NewServer(cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		config: cfg.withDefaults(),
		log:    log,
		conns:  make(map[string]*serverConn),
	}
}

// OnConnection registers a callback invoked once a connection finishes
// upgrading and is ready to send/receive, before any frame is processed.
func (s *Server) OnConnection(fn func(connectionID string)) { s.onConnection = fn }

// OnDisconnect registers a callback invoked when a connection closes for
// any reason (client close, heartbeat timeout, server Close).
func (s *Server) OnDisconnect(fn func(connectionID string)) { s.onDisconnect = fn }

// OnSubscribe registers the handler invoked on a queue_subscribe frame.
// It must return a consumerID to bind replay and future live delivery to.
func (s *Server) OnSubscribe(fn func(connectionID, topic, afterCursor string) (string, error)) {
	s.onSubscribe = fn
}

// OnUnsubscribe registers the handler invoked on a queue_unsubscribe frame.
func (s *Server) OnUnsubscribe(fn func(connectionID, topic string)) { s.onUnsubscribe = fn }

// OnAck registers the handler invoked on a queue_ack frame.
func (s *Server) OnAck(fn func(connectionID, topic, cursor string)) { s.onAck = fn }

// Listen upgrades r to a websocket connection and attaches it to the hub,
// blocking until the connection closes. Intended to be wired directly as
// an http.HandlerFunc.
func (s *Server) Listen(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	s.Attach(conn)
}

// Attach registers an already-upgraded websocket connection with the hub
// and runs its read/heartbeat loops until it closes. Exposed separately
// from Listen so callers with their own upgrade path (or tests using an
// in-process pipe) can attach directly.
func (s *Server) Attach(conn *websocket.Conn) string {
	connectionID := uuid.NewString()
	sc := &serverConn{
		id:          connectionID,
		conn:        conn,
		topics:      map[string]string{"global": ""},
		pending:     make(map[string]pendingReliable),
		connectedAt: time.Now(),
		lastPong:    time.Now(),
	}

	s.mu.Lock()
	s.conns[connectionID] = sc
	s.mu.Unlock()

	if s.onConnection != nil {
		s.onConnection(connectionID)
	}

	s.send(sc, event.New(event.TypeConnectionEstablished, event.SourceSession, event.CategoryLifecycle, event.IntentNotification,
		event.Context{}, map[string]any{"connectionId": connectionID}))

	s.runHeartbeat(sc)
	s.readLoop(sc)

	s.mu.Lock()
	delete(s.conns, connectionID)
	s.mu.Unlock()
	if s.onDisconnect != nil {
		s.onDisconnect(connectionID)
	}
	return connectionID
}

func (s *Server) runHeartbeat(sc *serverConn) {
	sc.conn.SetPongHandler(func(string) error {
		sc.mu.Lock()
		sc.lastPong = time.Now()
		sc.mu.Unlock()
		return nil
	})

	go func() {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		for range ticker.C {
			sc.mu.Lock()
			closed := sc.closed
			lastPong := sc.lastPong
			sc.mu.Unlock()
			if closed {
				return
			}
			if time.Since(lastPong) > s.config.PingInterval {
				s.closeConn(sc)
				return
			}
			sc.mu.Lock()
			err := sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			sc.mu.Unlock()
			if err != nil {
				s.closeConn(sc)
				return
			}
		}
	}()
}

func (s *Server) readLoop(sc *serverConn) {
	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(sc, raw)
	}
	s.closeConn(sc)
}

func (s *Server) dispatch(sc *serverConn, raw []byte) {
	switch classifyFrame(raw) {
	case frameReliableAck:
		m, err := decodeReliableAck(raw)
		if err != nil {
			return
		}
		sc.mu.Lock()
		p, ok := sc.pending[m.ID]
		delete(sc.pending, m.ID)
		sc.mu.Unlock()
		if ok {
			close(p.done)
		}

	case frameQueueSubscribe:
		m, err := decodeQueueSubscribe(raw)
		if err != nil || s.onSubscribe == nil {
			return
		}
		// Mark the topic subscribed before the callback so entries it
		// replays through DeliverEntry reach this connection.
		sc.mu.Lock()
		_, already := sc.topics[m.Topic]
		if !already {
			sc.topics[m.Topic] = ""
		}
		sc.mu.Unlock()
		consumerID, err := s.onSubscribe(sc.id, m.Topic, m.AfterCursor)
		if err != nil {
			if !already {
				sc.mu.Lock()
				delete(sc.topics, m.Topic)
				sc.mu.Unlock()
			}
			return
		}
		sc.mu.Lock()
		sc.topics[m.Topic] = consumerID
		sc.mu.Unlock()
		s.sendRaw(sc, queueSubscribedMsg{Type: msgQueueSubscribed, Topic: m.Topic, ConsumerID: consumerID})

	case frameQueueUnsubscribe:
		m, err := decodeQueueUnsubscribe(raw)
		if err != nil {
			return
		}
		sc.mu.Lock()
		delete(sc.topics, m.Topic)
		sc.mu.Unlock()
		if s.onUnsubscribe != nil {
			s.onUnsubscribe(sc.id, m.Topic)
		}

	case frameQueueAck:
		m, err := decodeQueueAck(raw)
		if err != nil {
			return
		}
		if s.onAck != nil {
			s.onAck(sc.id, m.Topic, m.Cursor)
		}

	default:
		// Reliable envelopes and plain events arriving from a client are
		// unusual (clients normally only send subprotocol/control frames)
		// but are tolerated silently rather than rejected, per the
		// wire-protocol's unknown-frame tolerance rule.
	}
}

// DeliverEntry sends one queue entry to every connection subscribed to
// topic, as a queue_entry frame.
func (s *Server) DeliverEntry(topic, cursor string, e event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.conns {
		sc.mu.Lock()
		_, subscribed := sc.topics[topic]
		sc.mu.Unlock()
		if !subscribed {
			continue
		}
		s.sendRaw(sc, queueEntryMsg{Type: msgQueueEntry, Topic: topic, Cursor: cursor, Event: e})
	}
}

// Broadcast sends e as a plain event frame to every connection subscribed
// to the "global" topic.
func (s *Server) Broadcast(e event.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.conns {
		sc.mu.Lock()
		_, subscribed := sc.topics["global"]
		sc.mu.Unlock()
		if !subscribed {
			continue
		}
		s.send(sc, e)
	}
}

// Send delivers e to one connection as a plain event frame, with no
// delivery acknowledgement.
func (s *Server) Send(connectionID string, e event.Event) error {
	s.mu.RLock()
	sc, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %q", connectionID)
	}
	return s.send(sc, e)
}

// ReliableOptions configures a SendReliable call.
type ReliableOptions struct {
	Timeout   time.Duration
	OnAck     func()
	OnTimeout func()
}

type pendingReliable struct {
	sentAt time.Time
	opts   ReliableOptions
	done   chan struct{}
}

// SendReliable wraps payload in a {__reliable:true,id,payload} envelope
// and tracks it until the client's reliable ack arrives or Timeout
// elapses. Does not wait for the ack — delivery status is reported
// entirely through opts.OnAck/opts.OnTimeout, called from a goroutine
// SendReliable starts for this envelope.
func (s *Server) SendReliable(connectionID string, payload any, opts ReliableOptions) error {
	s.mu.RLock()
	sc, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %q", connectionID)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	raw, err := encodeFrame(payload)
	if err != nil {
		return fmt.Errorf("transport: encode reliable payload: %w", err)
	}
	id := uuid.NewString()
	done := make(chan struct{})

	sc.mu.Lock()
	sc.pending[id] = pendingReliable{sentAt: time.Now(), opts: opts, done: done}
	sc.mu.Unlock()

	if err := s.sendRaw(sc, reliableEnvelope{Reliable: true, ID: id, Payload: raw}); err != nil {
		sc.mu.Lock()
		delete(sc.pending, id)
		sc.mu.Unlock()
		return err
	}

	go func() {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		select {
		case <-done:
			if opts.OnAck != nil {
				opts.OnAck()
			}
		case <-timer.C:
			sc.mu.Lock()
			_, stillPending := sc.pending[id]
			delete(sc.pending, id)
			sc.mu.Unlock()
			if stillPending && opts.OnTimeout != nil {
				opts.OnTimeout()
			}
		}
	}()

	return nil
}

// Connections returns a snapshot of every currently attached connection.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(s.conns))
	for _, sc := range s.conns {
		sc.mu.Lock()
		topics := make([]string, 0, len(sc.topics))
		for t := range sc.topics {
			topics = append(topics, t)
		}
		connectedAt := sc.connectedAt
		sc.mu.Unlock()
		out = append(out, ConnectionInfo{ConnectionID: sc.id, Topics: topics, ConnectedAt: connectedAt})
	}
	return out
}

// Close closes one connection.
func (s *Server) Close(connectionID string) error {
	s.mu.RLock()
	sc, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %q", connectionID)
	}
	s.closeConn(sc)
	return nil
}

// Shutdown closes every connection, for use with context cancellation at
// process shutdown.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.RUnlock()
	for _, sc := range conns {
		s.closeConn(sc)
	}
}

func (s *Server) closeConn(sc *serverConn) {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	sc.mu.Unlock()
	sc.conn.Close()
}

func (s *Server) send(sc *serverConn, e event.Event) error {
	return s.sendRaw(sc, e)
}

func (s *Server) sendRaw(sc *serverConn, v any) error {
	raw, err := encodeFrame(v)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return fmt.Errorf("transport: connection %q is closed", sc.id)
	}
	return sc.conn.WriteMessage(websocket.TextMessage, raw)
}

// serverConn bundles one connection's socket, send lock, and
// subscription/pending-ack bookkeeping. Its lock serializes writes per
// connection and must never be held while queue I/O happens — callers
// drive DeliverEntry from the queue's delivery path, not from inside a
// lock.
type serverConn struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	mu       sync.Mutex
	topics   map[string]string // topic -> consumerID ("" for the implicit global topic)
	pending  map[string]pendingReliable
	lastPong time.Time
	closed   bool
}
