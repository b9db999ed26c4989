package engine

import "github.com/nugget/turnbus/internal/event"

// LifecycleStateData tracks one agent's position in the lifecycle state
// diagram: idle <-> thinking <-> responding, with a tool_use/tool_result
// detour through planning_tool/awaiting_tool_result, and interrupt
// reachable from any state back to idle.
type LifecycleStateData struct {
	Current    event.LifecycleState
	preToolState event.LifecycleState
}

func freshLifecycleState() *LifecycleStateData {
	return &LifecycleStateData{Current: event.StateIdle, preToolState: event.StateIdle}
}

// StateMachine is the state-processor leg of the combined engine. It
// reacts to user_message (the thinking trigger), the text_delta,
// tool_use_start, tool_use_stop, tool_result and message_stop stream
// fragments, and agent_destroyed; every other input leaves the state
// unchanged and produces no output.
func StateMachine(state any, input event.Event) (any, []event.Event) {
	s, _ := state.(*LifecycleStateData)
	if s == nil {
		s = freshLifecycleState()
	}

	prev := s.Current

	switch input.Type {
	case event.TypeUserMessage:
		s.Current = event.StateThinking

	case event.TypeTextDelta:
		if s.Current == event.StateThinking {
			s.Current = event.StateResponding
		}

	case event.TypeToolUseStart:
		s.preToolState = s.Current
		s.Current = event.StatePlanningTool

	case event.TypeToolUseStop:
		if s.Current == event.StatePlanningTool {
			s.Current = event.StateAwaitingToolResult
		}

	case event.TypeToolResult:
		if s.Current == event.StateAwaitingToolResult {
			s.Current = s.preToolState
		}

	case event.TypeMessageStop:
		d, _ := input.Data.(event.MessageStopData)
		if d.StopReason.IsTerminal() {
			s.Current = event.StateIdle
		}

	case event.TypeAgentDestroyed:
		s.Current = event.StateDestroyed

	default:
		return s, nil
	}

	if s.Current == prev {
		return s, nil
	}
	return s, []event.Event{
		event.New(event.TypeStateChange, event.SourceAgent, event.CategoryState, event.IntentNotification, input.Context,
			event.StateChangeData{Prev: prev, Current: s.Current}),
	}
}

// Interrupt forces the lifecycle state back to idle from any state,
// regardless of what it currently is, and reports the state interrupted
// from. Used by Engine.Interrupt, not by normal stream processing — an
// interrupt is an out-of-band command, not a stream fragment.
func Interrupt(state any, ctx event.Context) (any, event.Event) {
	s, _ := state.(*LifecycleStateData)
	if s == nil {
		s = freshLifecycleState()
	}
	prev := s.Current
	s.Current = event.StateIdle
	s.preToolState = event.StateIdle
	return s, event.New(event.TypeStateChange, event.SourceAgent, event.CategoryState, event.IntentNotification, ctx,
		event.StateChangeData{Prev: prev, Current: event.StateIdle})
}
