package engine

import (
	"github.com/google/uuid"

	"github.com/nugget/turnbus/internal/event"
)

// TurnTrackerState holds the in-flight turn for one agent, if any. A turn
// stays pending across a tool_use round trip — it only closes when
// message_stop arrives with a terminal stop reason.
type TurnTrackerState struct {
	PendingTurnID             string
	PendingUserMessageID      string
	PendingAssistantMessageID string
	StartedAt                 event.EpochMillis
}

// TurnTracker correlates a user_message with the turn_request/turn_response
// pair that brackets it, including tool-use round trips that keep the turn
// open across multiple assistant messages.
func TurnTracker(state any, input event.Event) (any, []event.Event) {
	s, _ := state.(*TurnTrackerState)
	if s == nil {
		s = &TurnTrackerState{}
	}

	switch input.Type {
	case event.TypeUserMessage:
		d, _ := input.Data.(event.UserMessageData)
		next := &TurnTrackerState{
			PendingTurnID:        uuid.NewString(),
			PendingUserMessageID: d.MessageID,
			StartedAt:            event.Now(),
		}
		return next, []event.Event{
			event.New(event.TypeTurnRequest, event.SourceSession, event.CategoryTurn, event.IntentRequest, withTurnID(input.Context, next.PendingTurnID),
				event.TurnRequestData{TurnID: next.PendingTurnID, MessageID: d.MessageID}),
		}

	case event.TypeMessageStart:
		if s.PendingTurnID == "" {
			return s, nil
		}
		d, _ := input.Data.(event.MessageStartData)
		s.PendingAssistantMessageID = d.MessageID
		return s, nil

	case event.TypeMessageStop:
		if s.PendingTurnID == "" {
			return s, nil
		}
		d, _ := input.Data.(event.MessageStopData)
		if !d.StopReason.IsTerminal() {
			// tool_use: the turn continues past this message.
			return s, nil
		}
		duration := int64(event.Now()) - int64(s.StartedAt)
		out := event.New(event.TypeTurnResponse, event.SourceSession, event.CategoryTurn, event.IntentResponse, withTurnID(input.Context, s.PendingTurnID),
			event.TurnResponseData{TurnID: s.PendingTurnID, MessageID: s.PendingAssistantMessageID, DurationMs: duration})
		return &TurnTrackerState{}, []event.Event{out}

	default:
		return s, nil
	}
}

func withTurnID(ctx event.Context, turnID string) event.Context {
	ctx.TurnID = turnID
	return ctx
}

// InterruptTurn clears any pending turn for the agent without emitting a
// turn_response: interrupting preserves already-queued entries but
// abandons the in-flight turn rather than closing it normally. The
// caller (Engine.Interrupt) is responsible for emitting the interrupted
// lifecycle event; this just returns the pending turn id that was cleared,
// if any, for inclusion in that event.
func InterruptTurn(state any) (any, string) {
	s, _ := state.(*TurnTrackerState)
	if s == nil {
		return &TurnTrackerState{}, ""
	}
	return &TurnTrackerState{}, s.PendingTurnID
}
