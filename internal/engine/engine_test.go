package engine

import (
	"testing"

	"github.com/nugget/turnbus/internal/event"
)

func findByType(events []event.Event, typ string) (event.Event, bool) {
	for _, e := range events {
		if e.Type == typ {
			return e, true
		}
	}
	return event.Event{}, false
}

func countByType(events []event.Event, typ string) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func streamEvent(typ string, agentID string, data any) event.Event {
	return event.New(typ, event.SourceEnvironment, event.CategoryStream, event.IntentNotification, event.Context{AgentID: agentID}, data)
}

// TestSingleTurnText covers Scenario A: a user message followed by a
// complete streamed text response should produce a turn_request, state
// transitions into responding, a complete assistant_message with
// concatenated text, and a turn_response closing the turn.
func TestSingleTurnText(t *testing.T) {
	e := New(0)
	agentID := "agent-1"

	var all []event.Event
	all = append(all, e.Process(event.New(event.TypeUserMessage, event.SourceSession, event.CategoryMessage, event.IntentRequest,
		event.Context{AgentID: agentID}, event.UserMessageData{MessageID: "m1", Content: "hello"}))...)

	all = append(all, e.Process(streamEvent(event.TypeMessageStart, agentID, event.MessageStartData{MessageID: "asst-1"}))...)
	all = append(all, e.Process(streamEvent(event.TypeTextDelta, agentID, event.TextDeltaData{Index: 0, Text: "Hel"}))...)
	all = append(all, e.Process(streamEvent(event.TypeTextDelta, agentID, event.TextDeltaData{Index: 0, Text: "lo!"}))...)
	all = append(all, e.Process(streamEvent(event.TypeMessageStop, agentID, event.MessageStopData{StopReason: event.StopReasonEndTurn}))...)

	turnReq, ok := findByType(all, event.TypeTurnRequest)
	if !ok {
		t.Fatal("expected a turn_request event")
	}
	turnReqData := turnReq.Data.(event.TurnRequestData)
	if turnReqData.MessageID != "m1" {
		t.Errorf("turn_request messageId = %q, want m1", turnReqData.MessageID)
	}

	asst, ok := findByType(all, event.TypeAssistantMessage)
	if !ok {
		t.Fatal("expected an assistant_message event")
	}
	asstData := asst.Data.(event.AssistantMessageData)
	if asstData.Content != "Hello!" {
		t.Errorf("assistant_message content = %q, want Hello!", asstData.Content)
	}

	turnResp, ok := findByType(all, event.TypeTurnResponse)
	if !ok {
		t.Fatal("expected a turn_response event")
	}
	turnRespData := turnResp.Data.(event.TurnResponseData)
	if turnRespData.TurnID != turnReqData.TurnID {
		t.Errorf("turn_response turnId = %q, want %q", turnRespData.TurnID, turnReqData.TurnID)
	}
	if turnRespData.MessageID != "asst-1" {
		t.Errorf("turn_response messageId = %q, want asst-1 (the assistant message, not the user message)", turnRespData.MessageID)
	}

	if count := countByType(all, event.TypeStateChange); count == 0 {
		t.Error("expected at least one state_change event")
	}

	respondingSeen := false
	for _, e := range all {
		if sc, ok := e.Data.(event.StateChangeData); ok && sc.Current == event.StateResponding {
			respondingSeen = true
		}
	}
	if !respondingSeen {
		t.Error("expected a state_change into responding on the first text_delta")
	}
}

// TestToolCallAndContinuation covers Scenario B: the turn stays open
// across a tool_use round trip, and a separate turn_response is only
// emitted once the model's subsequent message_stop is terminal.
func TestToolCallAndContinuation(t *testing.T) {
	e := New(0)
	agentID := "agent-2"

	all := e.Process(event.New(event.TypeUserMessage, event.SourceSession, event.CategoryMessage, event.IntentRequest,
		event.Context{AgentID: agentID}, event.UserMessageData{MessageID: "m1", Content: "what's the weather"}))

	turnReq, _ := findByType(all, event.TypeTurnRequest)
	turnID := turnReq.Data.(event.TurnRequestData).TurnID

	all = e.Process(streamEvent(event.TypeMessageStart, agentID, event.MessageStartData{MessageID: "asst-1"}))
	all = append(all, e.Process(streamEvent(event.TypeToolUseStart, agentID, event.ToolUseStartData{Index: 0, ToolCallID: "tc1", ToolName: "get_weather"}))...)
	all = append(all, e.Process(streamEvent(event.TypeInputJSONDelta, agentID, event.InputJSONDeltaData{Index: 0, PartialJSON: `{"city":`}))...)
	all = append(all, e.Process(streamEvent(event.TypeInputJSONDelta, agentID, event.InputJSONDeltaData{Index: 0, PartialJSON: `"nyc"}`}))...)
	all = append(all, e.Process(streamEvent(event.TypeToolUseStop, agentID, event.ToolUseStopData{Index: 0, ToolCallID: "tc1"}))...)
	all = append(all, e.Process(streamEvent(event.TypeMessageStop, agentID, event.MessageStopData{StopReason: event.StopReasonToolUse}))...)

	if _, ok := findByType(all, event.TypeTurnResponse); ok {
		t.Fatal("turn_response should not fire yet: turn continues across tool_use")
	}

	toolCall, ok := findByType(all, event.TypeToolCallMessage)
	if !ok {
		t.Fatal("expected a tool_call_message event")
	}
	toolData := toolCall.Data.(event.ToolCallMessageData)
	if toolData.Input["city"] != "nyc" {
		t.Errorf("tool call input = %v, want city=nyc", toolData.Input)
	}

	all = e.Process(streamEvent(event.TypeToolResult, agentID, event.ToolResultData{ToolCallID: "tc1", Result: "sunny"}))
	if _, ok := findByType(all, event.TypeToolResultMessage); !ok {
		t.Fatal("expected a tool_result_message event")
	}

	all = e.Process(streamEvent(event.TypeMessageStart, agentID, event.MessageStartData{MessageID: "asst-2"}))
	all = append(all, e.Process(streamEvent(event.TypeTextContentBlockStart, agentID, event.TextContentBlockStartData{Index: 0}))...)
	all = append(all, e.Process(streamEvent(event.TypeTextDelta, agentID, event.TextDeltaData{Index: 0, Text: "It's sunny."}))...)
	all = append(all, e.Process(streamEvent(event.TypeMessageStop, agentID, event.MessageStopData{StopReason: event.StopReasonEndTurn}))...)

	turnResp, ok := findByType(all, event.TypeTurnResponse)
	if !ok {
		t.Fatal("expected turn_response after the continuation message completes")
	}
	if turnResp.Data.(event.TurnResponseData).TurnID != turnID {
		t.Error("turn_response should close the same turn opened by the user_message")
	}
}

// TestToolUseStopWithoutDeltasYieldsEmptyInput covers the boundary
// behavior: tool_use_stop with no input_json_delta fragments produces
// input={} rather than an error.
func TestToolUseStopWithoutDeltasYieldsEmptyInput(t *testing.T) {
	e := New(0)
	agentID := "agent-3"

	e.Process(streamEvent(event.TypeMessageStart, agentID, event.MessageStartData{MessageID: "asst-1"}))
	e.Process(streamEvent(event.TypeToolUseStart, agentID, event.ToolUseStartData{Index: 0, ToolCallID: "tc1", ToolName: "ping"}))
	out := e.Process(streamEvent(event.TypeToolUseStop, agentID, event.ToolUseStopData{Index: 0, ToolCallID: "tc1"}))

	toolCall, ok := findByType(out, event.TypeToolCallMessage)
	if !ok {
		t.Fatal("expected tool_call_message")
	}
	data := toolCall.Data.(event.ToolCallMessageData)
	if len(data.Input) != 0 {
		t.Errorf("input = %v, want empty map", data.Input)
	}
	if _, ok := findByType(out, event.TypeErrorMessage); ok {
		t.Error("no input_json_delta fragments should not produce an error")
	}
}

// TestUnparseableToolInputEmitsErrorAndEmptyInput covers the edge case:
// malformed accumulated JSON still yields a tool_call_message (input={})
// plus an error_message, rather than failing silently or crashing.
func TestUnparseableToolInputEmitsErrorAndEmptyInput(t *testing.T) {
	e := New(0)
	agentID := "agent-4"

	e.Process(streamEvent(event.TypeMessageStart, agentID, event.MessageStartData{MessageID: "asst-1"}))
	e.Process(streamEvent(event.TypeToolUseStart, agentID, event.ToolUseStartData{Index: 0, ToolCallID: "tc1", ToolName: "broken"}))
	e.Process(streamEvent(event.TypeInputJSONDelta, agentID, event.InputJSONDeltaData{Index: 0, PartialJSON: `{not valid`}))
	out := e.Process(streamEvent(event.TypeToolUseStop, agentID, event.ToolUseStopData{Index: 0, ToolCallID: "tc1"}))

	toolCall, ok := findByType(out, event.TypeToolCallMessage)
	if !ok {
		t.Fatal("expected tool_call_message even on parse failure")
	}
	if len(toolCall.Data.(event.ToolCallMessageData).Input) != 0 {
		t.Error("input should be empty on parse failure")
	}
	if _, ok := findByType(out, event.TypeErrorMessage); !ok {
		t.Error("expected an error_message event on JSON parse failure")
	}
}

// TestMessageStopWithoutMessageStartIsIgnored covers the boundary case of
// a stray message_stop with no preceding message_start: it must produce no
// assistant_message.
func TestMessageStopWithoutMessageStartIsIgnored(t *testing.T) {
	e := New(0)
	out := e.Process(streamEvent(event.TypeMessageStop, "agent-5", event.MessageStopData{StopReason: event.StopReasonEndTurn}))
	if _, ok := findByType(out, event.TypeAssistantMessage); ok {
		t.Error("message_stop without message_start should not produce an assistant_message")
	}
}

// TestInterruptMidStreamClearsPendingState covers
// Scenario D: interrupting mid-response resets lifecycle to idle and
// clears pending assembler/turn state without emitting a turn_response.
func TestInterruptMidStreamClearsPendingState(t *testing.T) {
	e := New(0)
	agentID := "agent-6"

	e.Process(event.New(event.TypeUserMessage, event.SourceSession, event.CategoryMessage, event.IntentRequest,
		event.Context{AgentID: agentID}, event.UserMessageData{MessageID: "m1", Content: "hi"}))
	e.Process(streamEvent(event.TypeMessageStart, agentID, event.MessageStartData{MessageID: "asst-1"}))
	e.Process(streamEvent(event.TypeTextContentBlockStart, agentID, event.TextContentBlockStartData{Index: 0}))
	e.Process(streamEvent(event.TypeTextDelta, agentID, event.TextDeltaData{Index: 0, Text: "partial"}))

	out := e.Interrupt(agentID)

	interrupted, ok := findByType(out, event.TypeInterrupted)
	if !ok {
		t.Fatal("expected interrupted event")
	}
	data := interrupted.Data.(event.InterruptedData)
	if data.PendingTurnID == "" {
		t.Error("expected interrupted event to carry the turn id that was abandoned")
	}

	if _, ok := findByType(out, event.TypeTurnResponse); ok {
		t.Error("interrupt must not emit a turn_response")
	}

	stateChange, ok := findByType(out, event.TypeStateChange)
	if !ok {
		t.Fatal("expected a state_change event on interrupt")
	}
	if stateChange.Data.(event.StateChangeData).Current != event.StateIdle {
		t.Error("interrupt must force state back to idle")
	}

	// A subsequent message_stop should be silently ignored (no stale
	// assembler state leaking an assistant_message for the abandoned
	// response).
	after := e.Process(streamEvent(event.TypeMessageStop, agentID, event.MessageStopData{StopReason: event.StopReasonEndTurn}))
	if _, ok := findByType(after, event.TypeAssistantMessage); ok {
		t.Error("assembler state should have been cleared by interrupt")
	}
}

func TestCombineIsDeterministicOrder(t *testing.T) {
	var order []string
	a := Processor(func(state any, input event.Event) (any, []event.Event) {
		order = append(order, "a")
		return state, nil
	})
	b := Processor(func(state any, input event.Event) (any, []event.Event) {
		order = append(order, "b")
		return state, nil
	})
	combined := Combine([]string{"a", "b"}, map[string]Processor{"a": a, "b": b})
	combined(nil, event.Event{})
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
}

func TestRunStopsAtMaxDepth(t *testing.T) {
	calls := 0
	selfFeeding := Processor(func(state any, input event.Event) (any, []event.Event) {
		calls++
		return state, []event.Event{{Category: event.CategoryStream, Type: "loop"}}
	})
	_, outputs := Run(selfFeeding, nil, event.Event{Category: event.CategoryStream, Type: "start"}, 5)
	if calls != 5 {
		t.Errorf("calls = %d, want 5 (bounded by maxDepth)", calls)
	}
	if len(outputs) != 5 {
		t.Errorf("len(outputs) = %d, want 5", len(outputs))
	}
}
