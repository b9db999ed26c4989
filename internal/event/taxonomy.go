package event

// Event type tags. These are wire-visible and exhaustive for the core
// event vocabulary.
const (
	// Stream — raw LLM fragments tagged per turn. Non-broadcastable; only
	// the engine consumes these.
	TypeMessageStart           = "message_start"
	TypeTextContentBlockStart  = "text_content_block_start"
	TypeTextDelta              = "text_delta"
	TypeTextContentBlockStop   = "text_content_block_stop"
	TypeToolUseStart           = "tool_use_start"
	TypeInputJSONDelta         = "input_json_delta"
	TypeToolUseStop            = "tool_use_stop"
	TypeToolResult             = "tool_result"
	TypeMessageDelta           = "message_delta"
	TypeMessageStop            = "message_stop"

	// Message — complete, broadcastable messages assembled by the engine.
	TypeUserMessage       = "user_message"
	TypeAssistantMessage  = "assistant_message"
	TypeToolCallMessage   = "tool_call_message"
	TypeToolResultMessage = "tool_result_message"
	TypeErrorMessage      = "error_message"

	// State — agent lifecycle transitions.
	TypeStateChange = "state_change"

	// Turn — request/response correlation and metrics.
	TypeTurnRequest  = "turn_request"
	TypeTurnResponse = "turn_response"

	// Lifecycle — session/container/agent/connection bookkeeping.
	TypeConnectionEstablished = "connection_established"
	TypeInterrupted           = "interrupted"
	TypeSessionCreated        = "session_created"
	TypeSessionResumed        = "session_resumed"
	TypeSessionDestroyed      = "session_destroyed"
	TypeAgentStarted          = "agent_started"
	TypeAgentDestroyed        = "agent_destroyed"
)

// StopReason values carried on message_stop / message_delta.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
)

// IsTerminal reports whether a stop reason closes the current turn.
// StopReasonToolUse does not close the turn — a tool result is still
// expected before the turn can complete.
func (r StopReason) IsTerminal() bool {
	switch r {
	case StopReasonEndTurn, StopReasonMaxTokens, StopReasonStopSequence:
		return true
	default:
		return false
	}
}

// LifecycleState is the agent's position in the processing state machine.
type LifecycleState string

const (
	StateIdle               LifecycleState = "idle"
	StateThinking           LifecycleState = "thinking"
	StateResponding         LifecycleState = "responding"
	StatePlanningTool       LifecycleState = "planning_tool"
	StateAwaitingToolResult LifecycleState = "awaiting_tool_result"
	StateInterrupted        LifecycleState = "interrupted"
	StateDestroyed          LifecycleState = "destroyed"
)

// payloadFactories maps an event type tag to a constructor for its typed
// Data payload, used when decoding an Event from the wire so that
// Event.Data comes back as the correct concrete type rather than a bare
// map[string]any. Unknown types decode Data as map[string]any instead of
// failing, for forward compatibility.
var payloadFactories = map[string]func() any{
	TypeMessageStart:          func() any { return &MessageStartData{} },
	TypeTextContentBlockStart: func() any { return &TextContentBlockStartData{} },
	TypeTextDelta:             func() any { return &TextDeltaData{} },
	TypeTextContentBlockStop:  func() any { return &TextContentBlockStopData{} },
	TypeToolUseStart:          func() any { return &ToolUseStartData{} },
	TypeInputJSONDelta:        func() any { return &InputJSONDeltaData{} },
	TypeToolUseStop:           func() any { return &ToolUseStopData{} },
	TypeToolResult:            func() any { return &ToolResultData{} },
	TypeMessageDelta:          func() any { return &MessageDeltaData{} },
	TypeMessageStop:           func() any { return &MessageStopData{} },

	TypeUserMessage:       func() any { return &UserMessageData{} },
	TypeAssistantMessage:  func() any { return &AssistantMessageData{} },
	TypeToolCallMessage:   func() any { return &ToolCallMessageData{} },
	TypeToolResultMessage: func() any { return &ToolResultMessageData{} },
	TypeErrorMessage:      func() any { return &ErrorMessageData{} },

	TypeStateChange: func() any { return &StateChangeData{} },

	TypeTurnRequest:  func() any { return &TurnRequestData{} },
	TypeTurnResponse: func() any { return &TurnResponseData{} },

	TypeInterrupted:      func() any { return &InterruptedData{} },
	TypeSessionCreated:   func() any { return &SessionCreatedData{} },
	TypeSessionResumed:   func() any { return &SessionResumedData{} },
	TypeSessionDestroyed: func() any { return &SessionDestroyedData{} },
	TypeAgentStarted:     func() any { return &AgentStartedData{} },
	TypeAgentDestroyed:   func() any { return &AgentDestroyedData{} },
}

// RegisterPayload lets a caller (e.g. a command request/response pair
// outside this package's closed taxonomy) add a decode target for a custom
// event type. Command events typically register here so bus.Request's
// generic requestId correlation can still decode a typed payload.
func RegisterPayload(typ string, factory func() any) {
	payloadFactories[typ] = factory
}
