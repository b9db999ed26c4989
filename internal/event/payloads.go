package event

// This file defines the closed set of typed Data payloads for the event
// taxonomy in taxonomy.go. Each struct corresponds 1:1 to one wire-visible
// event type.

// --- Stream payloads -------------------------------------------------

// MessageStartData begins a new assistant message within a turn.
type MessageStartData struct {
	MessageID string `json:"messageId"`
	Model     string `json:"model,omitempty"`
}

// TextContentBlockStartData marks the start of a text content block.
type TextContentBlockStartData struct {
	Index int `json:"index"`
}

// TextDeltaData carries one chunk of streamed text for a content block.
type TextDeltaData struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// TextContentBlockStopData closes a text content block.
type TextContentBlockStopData struct {
	Index int `json:"index"`
}

// ToolUseStartData begins a tool_use content block.
type ToolUseStartData struct {
	Index      int    `json:"index"`
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

// InputJSONDeltaData carries one chunk of a tool call's incrementally
// streamed JSON input.
type InputJSONDeltaData struct {
	Index       int    `json:"index"`
	PartialJSON string `json:"partialJson"`
}

// ToolUseStopData closes a tool_use content block. Input is the fully
// parsed tool input when provided directly (e.g. by a test or a driver
// that doesn't stream deltas); otherwise it is reconstructed by the
// assembler from accumulated InputJSONDeltaData.
type ToolUseStopData struct {
	Index      int            `json:"index"`
	ToolCallID string         `json:"toolCallId"`
	Input      map[string]any `json:"input,omitempty"`
}

// ToolResultData carries a tool's result back into the stream.
type ToolResultData struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError,omitempty"`
}

// MessageDeltaData carries message-level metadata updates mid-stream.
type MessageDeltaData struct {
	StopReason StopReason `json:"stopReason,omitempty"`
}

// MessageStopData terminates the current assistant message.
type MessageStopData struct {
	StopReason StopReason `json:"stopReason"`
}

// --- Message payloads --------------------------------------------------

// UserMessageData is a complete user message. The assembler passes it
// through unchanged; MessageID is whatever the ingress set.
type UserMessageData struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// AssistantMessageData is a complete assistant message assembled from
// text_delta fragments, concatenated in content-block index order.
type AssistantMessageData struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// ToolCallMessageData is a complete, parsed tool call.
type ToolCallMessageData struct {
	ToolCallID string         `json:"id"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input"`
}

// ToolResultMessageData is a complete tool result.
type ToolResultMessageData struct {
	ToolCallID string `json:"id"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError,omitempty"`
}

// ErrorMessageData surfaces a recoverable engine/transient/protocol error
// to consumers.
type ErrorMessageData struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// --- State payload -------------------------------------------------------

// StateChangeData records one lifecycle transition.
type StateChangeData struct {
	Prev    LifecycleState `json:"prev"`
	Current LifecycleState `json:"current"`
}

// --- Turn payloads ---------------------------------------------------

// TurnRequestData opens a turn.
type TurnRequestData struct {
	TurnID    string `json:"turnId"`
	MessageID string `json:"messageId"`
}

// TurnResponseData closes a turn with metrics.
type TurnResponseData struct {
	TurnID       string `json:"turnId"`
	MessageID    string `json:"messageId"`
	DurationMs   int64  `json:"duration"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// --- Lifecycle payloads ------------------------------------------------

// InterruptedData records an interrupt and the state it occurred in.
type InterruptedData struct {
	AgentID    string         `json:"agentId"`
	FromState  LifecycleState `json:"fromState"`
	PendingTurnID string      `json:"pendingTurnId,omitempty"`
}

// SessionCreatedData announces a new session.
type SessionCreatedData struct {
	SessionID   string `json:"sessionId"`
	ImageID     string `json:"imageId"`
	ContainerID string `json:"containerId"`
}

// SessionResumedData announces a session resuming from stored state.
type SessionResumedData struct {
	SessionID string `json:"sessionId"`
}

// SessionDestroyedData announces session teardown.
type SessionDestroyedData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// AgentStartedData announces an agent coming online within a container.
type AgentStartedData struct {
	AgentID     string `json:"agentId"`
	ContainerID string `json:"containerId"`
	SessionID   string `json:"sessionId"`
}

// AgentDestroyedData announces agent teardown.
type AgentDestroyedData struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}
