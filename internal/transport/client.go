package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/turnbus/internal/event"
)

// ClientConfig controls reconnect backoff and dial behavior. Zero values
// use the documented defaults.
type ClientConfig struct {
	MinBackoff        time.Duration // default 1s
	MaxBackoff        time.Duration // default 10s
	MaxRetries        int           // default 0 (unlimited)
	ConnectionTimeout time.Duration // default 4s
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 4 * time.Second
	}
	return c
}

// cursorStore persists, per (clientId, topic), the last cursor the client
// has acked — consulted on (re)connect so a queue_subscribe can resume
// instead of replaying from the start. Client always uses the in-memory
// implementation below, so stored cursors survive a reconnect within one
// process but not a process restart.
type cursorStore interface {
	Get(clientID, topic string) (cursor string, ok bool)
	Set(clientID, topic, cursor string)
}

type memCursorStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{data: make(map[string]string)}
}

func (m *memCursorStore) Get(clientID, topic string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[clientID+"\x00"+topic]
	return v, ok
}

func (m *memCursorStore) Set(clientID, topic, cursor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[clientID+"\x00"+topic] = cursor
}

// Client is a reconnecting websocket client. It dials url, reconnects
// with exponential backoff on any disconnect, resubscribes every
// previously-subscribed topic from its last-acked cursor, and transparently
// ACKs any inbound reliable envelope before handing its payload to
// OnMessage. Pending requests are tracked in a map keyed by request id;
// reconnect snapshots the current subscription set (which is kept, not
// cleared) and resubscribes each topic from its last-acked cursor.
type Client struct {
	url          string
	config       ClientConfig
	log          *slog.Logger
	baseClientID string
	tabID        string

	cursors cursorStore

	onOpen    func()
	onMessage func(event.Event)
	onClose   func(err error)
	onError   func(err error)

	mu            sync.Mutex
	conn          *websocket.Conn
	closed        bool
	subscriptions map[string]struct{} // topics this client wants to stay subscribed to
	pending       map[string]chan event.Event
}

// NewClient constructs a Client. baseClientID should be stable across
// process restarts (e.g. a machine/user id persisted to disk by the
// caller); tabID distinguishes concurrent connections from the same base
// id (e.g. one per process or browser tab). clientId, used for cursor
// resume bookkeeping, is baseClientID+":"+tabID.
func NewClient(url, baseClientID string, cfg ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:           url,
		config:        cfg.withDefaults(),
		log:           log,
		baseClientID:  baseClientID,
		tabID:         randomID(),
		cursors:       newMemCursorStore(),
		subscriptions: make(map[string]struct{}),
		pending:       make(map[string]chan event.Event),
	}
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ClientID returns the stable identity used for cursor-resume bookkeeping.
func (c *Client) ClientID() string {
	return c.baseClientID + ":" + c.tabID
}

func (c *Client) OnOpen(fn func())                    { c.onOpen = fn }
func (c *Client) OnMessage(fn func(event.Event))       { c.onMessage = fn }
func (c *Client) OnClose(fn func(err error))           { c.onClose = fn }
func (c *Client) OnError(fn func(err error))           { c.onError = fn }

// Connect dials url and starts the reconnect loop in the background. It
// returns after the first connection attempt: nil on success, or the dial
// error (that first attempt is not retried).
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		return fmt.Errorf("transport: initial connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.runConnection(ctx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	return conn, err
}

func (c *Client) runConnection(ctx context.Context, conn *websocket.Conn) {
	if c.onOpen != nil {
		c.onOpen()
	}
	c.resubscribeAll()

	c.readLoop(conn)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.reconnectLoop(ctx)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.onClose != nil {
				c.onClose(err)
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) reconnectLoop(ctx context.Context) {
	backoff := c.config.MinBackoff
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		attempt++
		if c.config.MaxRetries > 0 && attempt > c.config.MaxRetries {
			return
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
		conn, err := c.dial(dialCtx)
		cancel()
		if err != nil {
			if c.onError != nil {
				c.onError(err)
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.runConnection(ctx, conn)
		return
	}
}

// resubscribeAll re-sends queue_subscribe for every topic the caller has
// asked to stay subscribed to, using each topic's last-acked cursor so the
// server replays only what was missed. Snapshot-then-iterate avoids
// holding the lock while writing to the socket.
func (c *Client) resubscribeAll() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		afterCursor, _ := c.cursors.Get(c.ClientID(), topic)
		_ = c.sendRaw(queueSubscribeMsg{Type: msgQueueSubscribe, Topic: topic, AfterCursor: afterCursor})
	}
}

// Subscribe requests topic, resuming from the last cursor this client has
// acked for it (or from the beginning if none is known), and remembers
// the subscription so reconnects resume it automatically.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()

	afterCursor, _ := c.cursors.Get(c.ClientID(), topic)
	return c.sendRaw(queueSubscribeMsg{Type: msgQueueSubscribe, Topic: topic, AfterCursor: afterCursor})
}

// Unsubscribe ends a topic subscription and forgets it for reconnect
// purposes.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
	return c.sendRaw(queueUnsubscribeMsg{Type: msgQueueUnsubscribe, Topic: topic})
}

// ackTopic records cursor as the last-acked position for topic and tells
// the server, so a future reconnect resumes from here.
func (c *Client) ackTopic(topic, cursor string) error {
	c.cursors.Set(c.ClientID(), topic, cursor)
	return c.sendRaw(queueAckMsg{Type: msgQueueAck, Topic: topic, Cursor: cursor})
}

func (c *Client) dispatch(raw []byte) {
	switch classifyFrame(raw) {
	case frameReliableEnvelope:
		env, err := decodeReliableEnvelope(raw)
		if err != nil {
			return
		}
		// Auto-ACK before dispatch: the client acknowledges receipt
		// unconditionally, independent of whether the payload itself is
		// understood.
		_ = c.sendRaw(reliableAck{Ack: true, ID: env.ID})
		c.dispatch(env.Payload)

	case frameQueueSubscribed:
		// No payload action needed beyond having resubscribed; the
		// consumerId is not used and the frame is not passed to
		// OnMessage. The client only needs AfterCursor bookkeeping,
		// handled by ack.

	case frameQueueEntry:
		var m queueEntryMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		if c.onMessage != nil {
			c.onMessage(m.Event)
		}
		_ = c.ackTopic(m.Topic, m.Cursor)

	case framePlainEvent:
		e, err := decodePlainEvent(raw)
		if err != nil {
			return
		}
		if reqID, ok := requestIDOf(e); ok {
			c.mu.Lock()
			ch, waiting := c.pending[reqID]
			c.mu.Unlock()
			if waiting {
				select {
				case ch <- e:
				default:
				}
				return
			}
		}
		if c.onMessage != nil {
			c.onMessage(e)
		}

	default:
		// Unparseable or unrecognized frames are tolerated silently.
	}
}

// requestIDOf extracts a correlation id from an event's Data, if present,
// matching bus.Request's wire shape.
func requestIDOf(e event.Event) (string, bool) {
	m, ok := e.Data.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["requestId"].(string)
	return id, ok && id != ""
}

// Request sends a command event and blocks for a correlated response
// event or timeout, mirroring bus.Bus.Request's client-side counterpart.
func (c *Client) Request(e event.Event, requestID string, timeout time.Duration) (event.Event, error) {
	ch := make(chan event.Event, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.Send(e); err != nil {
		return event.Event{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return event.Event{}, fmt.Errorf("transport: request %q timed out after %s", e.Type, timeout)
	}
}

// Send writes e as a plain event frame.
func (c *Client) Send(e event.Event) error {
	return c.sendRaw(e)
}

func (c *Client) sendRaw(v any) error {
	raw, err := encodeFrame(v)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Dispose closes the connection and releases all pending request
// channels, for use when the client itself is being torn down (not just
// the underlying socket).
func (c *Client) Dispose() {
	c.Close()
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

