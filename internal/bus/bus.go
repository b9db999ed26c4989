// Package bus implements the synchronous, FIFO event bus that every other
// component publishes through and subscribes to. Dispatch is in-line and
// run-to-completion: a handler runs before the next emit is processed, and
// a handler that emits during its own invocation has that emit queued and
// drained before the outer Emit call returns.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/turnbus/internal/event"
)

// Handler processes one event. It must not block for long — it runs
// in-line on the emitting goroutine and holds up every other handler for
// the same emit, as well as any queued re-entrant emits.
type Handler func(event.Event)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// auditEntry is one row in the bounded request/response audit trail.
type auditEntry struct {
	RequestID string
	Type      string
	EmittedAt time.Time
	RepliedAt time.Time
	TimedOut  bool
}

// maxAuditLog bounds the audit ring buffer.
const maxAuditLog = 500

// Bus is a synchronous, FIFO, run-to-completion pub/sub dispatcher. The
// zero value is not usable; construct with New. A nil *Bus is safe to call
// methods on (they are no-ops).
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]subscription
	any      []subscription
	nextID   uint64

	dispatching bool
	queue       []event.Event

	onError func(eventType string, err error)

	auditMu  sync.Mutex
	auditLog []auditEntry
}

type subscription struct {
	id      uint64
	handler Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
	}
}

// OnError registers a callback invoked whenever a handler panics or an
// onCommand handler returns an error. Handler failures are reported here,
// never propagated to the emitter, and never retried. Only one callback is
// kept; calling OnError again replaces it.
func (b *Bus) OnError(fn func(eventType string, err error)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// On registers a handler for one event type. Returns a function that
// removes the handler.
func (b *Bus) On(eventType string, h Handler) Unsubscribe {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: h})
	return func() { b.remove(eventType, id) }
}

// OnAny registers a handler invoked for every event, regardless of type,
// after any type-specific handlers for that event have run.
func (b *Bus) OnAny(h Handler) Unsubscribe {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.any = append(b.any, subscription{id: id, handler: h})
	return func() { b.removeAny(id) }
}

// CommandHandler handles a command event and returns the response Data, or
// an error. A returned error is reported via OnError and does not produce
// a response event.
type CommandHandler func(event.Event) (any, error)

// OnCommand registers a handler for events of the given command type
// (matched by type only; the event's source is not checked). When the
// command event's Data carries a requestId (see Request), the handler's
// return value is emitted as a response event correlated by that requestId.
func (b *Bus) OnCommand(commandType string, h CommandHandler) Unsubscribe {
	return b.On(commandType, func(e event.Event) {
		reqID, _ := requestID(e)
		result, err := h(e)
		if err != nil {
			b.reportError(commandType, err)
			return
		}
		if reqID == "" {
			return
		}
		resp := event.New(responseType(commandType), event.SourceCommand, event.CategoryResponse, event.IntentResponse, e.Context, result)
		resp.Data = withRequestID(result, reqID)
		b.Emit(resp)
	})
}

func (b *Bus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeAny(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.any {
		if s.id == id {
			b.any = append(b.any[:i], b.any[i+1:]...)
			return
		}
	}
}

// Emit dispatches an event to every matching handler, FIFO per producer.
// If called re-entrantly from within a handler invoked by an outer Emit,
// the event is queued and drained as part of the outer call instead of
// recursing — this keeps the run-to-completion ordering invariant without
// unbounded stack growth.
func (b *Bus) Emit(e event.Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.dispatching {
		b.queue = append(b.queue, e)
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.dispatchOne(next)
	}
}

func (b *Bus) dispatchOne(e event.Event) {
	b.mu.Lock()
	handlers := append([]subscription(nil), b.handlers[e.Type]...)
	anyHandlers := append([]subscription(nil), b.any...)
	b.mu.Unlock()

	for _, s := range handlers {
		b.invoke(e, s.handler)
	}
	for _, s := range anyHandlers {
		b.invoke(e, s.handler)
	}
}

func (b *Bus) invoke(e event.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.reportError(e.Type, fmt.Errorf("handler panic: %v", r))
		}
	}()
	h(e)
}

func (b *Bus) reportError(eventType string, err error) {
	b.mu.Lock()
	fn := b.onError
	b.mu.Unlock()
	if fn != nil {
		fn(eventType, err)
	}
}

// Request emits a command event and blocks until a correlated response
// event arrives or timeout elapses. The response event is matched by
// requestId; it is dispatched through Emit like any other event, so
// handlers registered via On or OnAny for its type also receive it.
func (b *Bus) Request(commandType string, data any, timeout time.Duration) (event.Event, error) {
	if b == nil {
		return event.Event{}, fmt.Errorf("bus: nil bus")
	}
	reqID := uuid.NewString()
	respType := responseType(commandType)

	respCh := make(chan event.Event, 1)
	unsub := b.On(respType, func(e event.Event) {
		id, ok := requestID(e)
		if !ok || id != reqID {
			return
		}
		select {
		case respCh <- e:
		default:
		}
	})
	defer unsub()

	start := time.Now()

	e := event.New(commandType, event.SourceCommand, event.CategoryRequest, event.IntentRequest, event.Context{}, withRequestID(data, reqID))
	b.Emit(e)

	select {
	case resp := <-respCh:
		b.recordAudit(reqID, commandType, start, false)
		if wrapped, ok := resp.Data.(requestCorrelated); ok {
			resp.Data = wrapped.Payload
		}
		return resp, nil
	case <-time.After(timeout):
		b.recordAudit(reqID, commandType, start, true)
		return event.Event{}, fmt.Errorf("bus: request %q timed out after %s", commandType, timeout)
	}
}

func (b *Bus) recordAudit(reqID, typ string, start time.Time, timedOut bool) {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	entry := auditEntry{RequestID: reqID, Type: typ, EmittedAt: start}
	if timedOut {
		entry.TimedOut = true
	} else {
		entry.RepliedAt = time.Now()
	}
	b.auditLog = append(b.auditLog, entry)
	if len(b.auditLog) > maxAuditLog {
		b.auditLog = b.auditLog[len(b.auditLog)-maxAuditLog:]
	}
}

// AuditLog returns a copy of the most recent request/response audit
// entries, newest last, bounded at maxAuditLog.
func (b *Bus) AuditLog(limit int) []auditEntry {
	if b == nil {
		return nil
	}
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	if limit <= 0 || limit > len(b.auditLog) {
		limit = len(b.auditLog)
	}
	out := make([]auditEntry, limit)
	copy(out, b.auditLog[len(b.auditLog)-limit:])
	return out
}

func responseType(commandType string) string {
	return commandType + "_response"
}

// requestCorrelated is the minimal shape Request/OnCommand need to stash a
// requestId onto an otherwise-opaque Data payload without requiring every
// command payload type to declare one itself.
type requestCorrelated struct {
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload,omitempty"`
}

func withRequestID(data any, reqID string) any {
	return requestCorrelated{RequestID: reqID, Payload: data}
}

func requestID(e event.Event) (string, bool) {
	switch d := e.Data.(type) {
	case requestCorrelated:
		return d.RequestID, d.RequestID != ""
	case map[string]any:
		if v, ok := d["requestId"].(string); ok {
			return v, v != ""
		}
	}
	return "", false
}
