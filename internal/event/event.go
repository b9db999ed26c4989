// Package event defines the immutable event record that flows through the
// bus, the engine, the queue, and the wire protocol. Every other package in
// this module consumes or produces event.Event values; nothing here depends
// on bus, engine, queue, or transport.
package event

import "time"

// Source identifies which kind of actor originated an event.
type Source string

// Source values, per the taxonomy in the data model.
const (
	SourceEnvironment Source = "environment" // raw driver/LLM fragments
	SourceAgent       Source = "agent"
	SourceSession     Source = "session"
	SourceContainer   Source = "container"
	SourceCommand     Source = "command"
)

// Category buckets an event by the phase of processing that produced it.
type Category string

// Category values.
const (
	CategoryStream    Category = "stream"
	CategoryState     Category = "state"
	CategoryMessage   Category = "message"
	CategoryTurn      Category = "turn"
	CategoryLifecycle Category = "lifecycle"
	CategoryRequest   Category = "request"
	CategoryResponse  Category = "response"
	CategoryError     Category = "error"
)

// Intent describes the conversational role of an event.
type Intent string

// Intent values.
const (
	IntentRequest      Intent = "request"
	IntentResponse     Intent = "response"
	IntentNotification Intent = "notification"
	IntentResult       Intent = "result"
)

// EpochMillis is a timestamp expressed as milliseconds since the Unix
// epoch, the wire format for every timestamp field. Encodes/decodes as a
// bare JSON number, not a string.
type EpochMillis int64

// Now returns the current time as EpochMillis.
func Now() EpochMillis {
	return EpochMillis(time.Now().UnixMilli())
}

// Time converts back to a time.Time for arithmetic (e.g. turn duration).
func (m EpochMillis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// Context scopes an event to the agent/session/container/turn it belongs
// to. Any field may be empty when not applicable to the event's source.
type Context struct {
	ContainerID string `json:"containerId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	TurnID      string `json:"turnId,omitempty"`
}

// Event is the immutable record carried on the bus, through the engine,
// into the queue, and over the wire. Data holds a type-specific payload;
// see payloads.go for the closed set of payload types and taxonomy.go for
// the type-tag taxonomy. Callers should treat an Event as read-only once
// constructed — the engine and bus never mutate an Event in place.
type Event struct {
	Type          string   `json:"type"`
	Timestamp     EpochMillis `json:"timestamp"`
	Source        Source   `json:"source"`
	Category      Category `json:"category"`
	Intent        Intent   `json:"intent"`
	Context       Context  `json:"context"`
	Data          any      `json:"data,omitempty"`
	Broadcastable bool     `json:"broadcastable"`
}

// New constructs an Event stamped with the current time, carrying data
// (normally one of the payload structs in payloads.go) as its Data.
func New(typ string, source Source, category Category, intent Intent, ctx Context, data any) Event {
	return Event{
		Type:      typ,
		Timestamp: Now(),
		Source:    source,
		Category:  category,
		Intent:    intent,
		Context:   ctx,
		Data:      data,
		// Raw driver fragments and control commands default to internal;
		// callers that want broadcastable=true must say so — see
		// runtime.ShouldEnqueue for the enforced version of this rule.
		Broadcastable: source != SourceEnvironment && intent != IntentRequest,
	}
}
