// Package runtime wires the event bus, engine, queue, and transport into
// the session/container/agent lifecycle: creating sessions before agents,
// filtering which events get queued for delivery, and persisting messages
// only once a client has acknowledged receiving them.
package runtime

import "github.com/nugget/turnbus/internal/event"

// ShouldEnqueue reports whether e should be appended to a topic queue for
// delivery at all. Raw environment fragments (the stream category's
// source) and request-intent events (commands awaiting a response) never
// reach the queue — only their downstream, assembled results do.
func ShouldEnqueue(e event.Event) bool {
	if e.Source == event.SourceEnvironment {
		return false
	}
	if e.Intent == event.IntentRequest {
		return false
	}
	return true
}

// ShouldPersist reports whether e should be written to the messages table
// once its queue ack fires. Only session-scoped message-category events
// are durable (the Broadcastable flag is not consulted) — state/turn/lifecycle events are not replayed from
// the messages table (they come from the queue's own replay instead).
func ShouldPersist(e event.Event) bool {
	return e.Category == event.CategoryMessage && e.Context.SessionID != ""
}
