package engine

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/turnbus/internal/event"
)

// AssemblerState accumulates in-flight content blocks for one agent's
// current message. Keyed by content-block index, since deltas for
// different blocks can interleave on the wire.
type AssemblerState struct {
	HasMessageStart bool
	MessageID       string
	StopReason      event.StopReason

	textBlocks  map[int]*strings.Builder
	textOrder   []int
	toolBlocks  map[int]*toolAccumulator
	toolOrder   []int
}

type toolAccumulator struct {
	toolCallID  string
	toolName    string
	partialJSON strings.Builder
}

func freshAssemblerState() *AssemblerState {
	return &AssemblerState{
		textBlocks: make(map[int]*strings.Builder),
		toolBlocks: make(map[int]*toolAccumulator),
	}
}

// Assembler turns a stream of raw content-block fragments into complete
// message-category events: assistant_message, tool_call_message,
// tool_result_message, and error_message on unparseable tool input.
// Non-stream events pass through unchanged — Assembler only transforms
// stream-category input.
func Assembler(state any, input event.Event) (any, []event.Event) {
	s, _ := state.(*AssemblerState)
	if s == nil {
		s = freshAssemblerState()
	}

	if input.Category != event.CategoryStream {
		return s, []event.Event{input}
	}

	switch input.Type {
	case event.TypeMessageStart:
		s = freshAssemblerState()
		if d, ok := input.Data.(event.MessageStartData); ok {
			s.MessageID = d.MessageID
		}
		s.HasMessageStart = true
		return s, nil

	case event.TypeTextContentBlockStart:
		d, _ := input.Data.(event.TextContentBlockStartData)
		if _, exists := s.textBlocks[d.Index]; !exists {
			s.textBlocks[d.Index] = &strings.Builder{}
			s.textOrder = append(s.textOrder, d.Index)
		}
		return s, nil

	case event.TypeTextDelta:
		d, _ := input.Data.(event.TextDeltaData)
		b, exists := s.textBlocks[d.Index]
		if !exists {
			b = &strings.Builder{}
			s.textBlocks[d.Index] = b
			s.textOrder = append(s.textOrder, d.Index)
		}
		// Empty text deltas are valid no-ops — still append (writes nothing).
		b.WriteString(d.Text)
		return s, nil

	case event.TypeTextContentBlockStop:
		return s, nil

	case event.TypeToolUseStart:
		d, _ := input.Data.(event.ToolUseStartData)
		if _, exists := s.toolBlocks[d.Index]; !exists {
			s.toolOrder = append(s.toolOrder, d.Index)
		}
		s.toolBlocks[d.Index] = &toolAccumulator{toolCallID: d.ToolCallID, toolName: d.ToolName}
		return s, nil

	case event.TypeInputJSONDelta:
		d, _ := input.Data.(event.InputJSONDeltaData)
		acc, exists := s.toolBlocks[d.Index]
		if !exists {
			acc = &toolAccumulator{}
			s.toolBlocks[d.Index] = acc
			s.toolOrder = append(s.toolOrder, d.Index)
		}
		acc.partialJSON.WriteString(d.PartialJSON)
		return s, nil

	case event.TypeToolUseStop:
		d, _ := input.Data.(event.ToolUseStopData)
		acc, exists := s.toolBlocks[d.Index]
		var toolCallID, toolName string
		var raw string
		if exists {
			toolCallID, toolName = acc.toolCallID, acc.toolName
			raw = acc.partialJSON.String()
			delete(s.toolBlocks, d.Index)
		}
		if toolCallID == "" {
			toolCallID = d.ToolCallID
		}

		input_ := map[string]any{}
		var outputs []event.Event
		if len(d.Input) > 0 {
			// Caller supplied the parsed input directly (no deltas observed).
			input_ = d.Input
		} else if strings.TrimSpace(raw) != "" {
			if err := json.Unmarshal([]byte(raw), &input_); err != nil {
				input_ = map[string]any{}
				outputs = append(outputs, event.New(event.TypeErrorMessage, event.SourceAgent, event.CategoryError, event.IntentNotification, input.Context,
					event.ErrorMessageData{Message: "tool call input did not parse as JSON", Detail: err.Error()}))
			}
		}
		// Empty accumulated JSON (tool_use_stop with no deltas) -> input={}.

		outputs = append(outputs, event.New(event.TypeToolCallMessage, event.SourceAgent, event.CategoryMessage, event.IntentNotification, input.Context,
			event.ToolCallMessageData{ToolCallID: toolCallID, Name: toolName, Input: input_}))
		return s, outputs

	case event.TypeToolResult:
		d, _ := input.Data.(event.ToolResultData)
		return s, []event.Event{
			event.New(event.TypeToolResultMessage, event.SourceAgent, event.CategoryMessage, event.IntentResult, input.Context,
				event.ToolResultMessageData{ToolCallID: d.ToolCallID, Result: d.Result, IsError: d.IsError}),
		}

	case event.TypeMessageDelta:
		d, _ := input.Data.(event.MessageDeltaData)
		if d.StopReason != "" {
			s.StopReason = d.StopReason
		}
		return s, nil

	case event.TypeMessageStop:
		if !s.HasMessageStart {
			// Boundary behavior: message_stop without a prior message_start
			// is silently ignored.
			return s, nil
		}
		content := concatTextBlocks(s)
		messageID := s.MessageID
		if messageID == "" {
			messageID = uuid.NewString()
		}

		next := freshAssemblerState()
		return next, []event.Event{
			event.New(event.TypeAssistantMessage, event.SourceAgent, event.CategoryMessage, event.IntentNotification, input.Context,
				event.AssistantMessageData{MessageID: messageID, Content: content}),
		}

	default:
		return s, []event.Event{input}
	}
}

func concatTextBlocks(s *AssemblerState) string {
	indexes := append([]int(nil), s.textOrder...)
	sort.Ints(indexes)
	var sb strings.Builder
	seen := make(map[int]bool, len(indexes))
	for _, idx := range indexes {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		if b, ok := s.textBlocks[idx]; ok {
			sb.WriteString(b.String())
		}
	}
	return sb.String()
}
