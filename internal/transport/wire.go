// Package transport implements the reliable websocket delivery layer: a
// server-side hub with per-connection subscription and reliable-envelope
// ack tracking, and a reconnecting client with pending-request correlation
// and automatic resubscription. Both run over gorilla/websocket.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/nugget/turnbus/internal/event"
)

// Subprotocol message type tags, distinct from event.Event's Type field —
// these only ever appear as the outermost frame discriminator, never
// nested inside an Event.
const (
	msgQueueSubscribe   = "queue_subscribe"
	msgQueueSubscribed  = "queue_subscribed"
	msgQueueEntry       = "queue_entry"
	msgQueueAck         = "queue_ack"
	msgQueueUnsubscribe = "queue_unsubscribe"
)

// queueSubscribeMsg asks the server to start (or resume) a topic
// subscription, replaying entries with cursor > AfterCursor before
// switching to live delivery.
type queueSubscribeMsg struct {
	Type        string `json:"type"`
	Topic       string `json:"topic"`
	AfterCursor string `json:"afterCursor,omitempty"`
}

// queueSubscribedMsg acknowledges a subscribe and reports the consumer id
// the server bound to it. queue_ack frames carry only topic and cursor;
// the server resolves the consumer from the connection and topic.
type queueSubscribedMsg struct {
	Type       string `json:"type"`
	Topic      string `json:"topic"`
	ConsumerID string `json:"consumerId"`
}

// queueEntryMsg delivers one queue entry (replayed or live) to the client.
type queueEntryMsg struct {
	Type   string      `json:"type"`
	Topic  string      `json:"topic"`
	Cursor string      `json:"cursor"`
	Event  event.Event `json:"event"`
}

// queueAckMsg acknowledges receipt of entries up to Cursor on Topic.
type queueAckMsg struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Cursor string `json:"cursor"`
}

// queueUnsubscribeMsg ends a topic subscription.
type queueUnsubscribeMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// reliableEnvelope wraps a payload that requires delivery acknowledgement.
// The envelope's presence (__reliable: true) takes dispatch precedence
// over every other frame shape.
type reliableEnvelope struct {
	Reliable bool            `json:"__reliable"`
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
}

// reliableAck is sent back by the receiver of a reliableEnvelope to
// acknowledge delivery. Second in dispatch precedence, after __reliable.
type reliableAck struct {
	Ack bool   `json:"__ack"`
	ID  string `json:"id"`
}

// frameKind classifies an inbound frame for dispatch, in fixed precedence
// order: __reliable > __ack > queue_* > plain event.
type frameKind int

const (
	frameUnknown frameKind = iota
	frameReliableEnvelope
	frameReliableAck
	frameQueueSubscribe
	frameQueueSubscribed
	frameQueueEntry
	frameQueueAck
	frameQueueUnsubscribe
	framePlainEvent
)

// probe is decoded first to classify a frame without committing to a
// concrete type — every field here is optional in every real frame shape,
// so a missing field decodes to its zero value rather than erroring.
type probe struct {
	Reliable *bool  `json:"__reliable"`
	Ack      *bool  `json:"__ack"`
	Type     string `json:"type"`
}

// classifyFrame applies the fixed dispatch precedence order to a raw
// inbound frame. Unparseable frames classify as frameUnknown — the caller
// must tolerate and drop these, never crash.
func classifyFrame(raw []byte) frameKind {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return frameUnknown
	}
	switch {
	case p.Reliable != nil && *p.Reliable:
		return frameReliableEnvelope
	case p.Ack != nil && *p.Ack:
		return frameReliableAck
	case p.Type == msgQueueSubscribe:
		return frameQueueSubscribe
	case p.Type == msgQueueSubscribed:
		return frameQueueSubscribed
	case p.Type == msgQueueEntry:
		return frameQueueEntry
	case p.Type == msgQueueAck:
		return frameQueueAck
	case p.Type == msgQueueUnsubscribe:
		return frameQueueUnsubscribe
	case p.Type != "":
		return framePlainEvent
	default:
		return frameUnknown
	}
}

func decodeQueueSubscribe(raw []byte) (queueSubscribeMsg, error) {
	var m queueSubscribeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return queueSubscribeMsg{}, fmt.Errorf("transport: decode queue_subscribe: %w", err)
	}
	return m, nil
}

func decodeQueueAck(raw []byte) (queueAckMsg, error) {
	var m queueAckMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return queueAckMsg{}, fmt.Errorf("transport: decode queue_ack: %w", err)
	}
	return m, nil
}

func decodeQueueUnsubscribe(raw []byte) (queueUnsubscribeMsg, error) {
	var m queueUnsubscribeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return queueUnsubscribeMsg{}, fmt.Errorf("transport: decode queue_unsubscribe: %w", err)
	}
	return m, nil
}

func decodeReliableEnvelope(raw []byte) (reliableEnvelope, error) {
	var m reliableEnvelope
	if err := json.Unmarshal(raw, &m); err != nil {
		return reliableEnvelope{}, fmt.Errorf("transport: decode reliable envelope: %w", err)
	}
	return m, nil
}

func decodeReliableAck(raw []byte) (reliableAck, error) {
	var m reliableAck
	if err := json.Unmarshal(raw, &m); err != nil {
		return reliableAck{}, fmt.Errorf("transport: decode reliable ack: %w", err)
	}
	return m, nil
}

func decodePlainEvent(raw []byte) (event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return event.Event{}, fmt.Errorf("transport: decode event: %w", err)
	}
	return e, nil
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
