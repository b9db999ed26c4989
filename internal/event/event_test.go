package event

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestRoundTripKnownType(t *testing.T) {
	want := Event{
		Type:      TypeTextDelta,
		Timestamp: EpochMillis(1700000000000),
		Source:    SourceEnvironment,
		Category:  CategoryStream,
		Intent:    IntentNotification,
		Context:   Context{AgentID: "a1", TurnID: "t1"},
		Data:      TextDeltaData{Index: 0, Text: "Hel"},
	}

	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestRoundTripUnknownTypeDecodesGeneric(t *testing.T) {
	raw := []byte(`{
		"type": "future_event",
		"timestamp": 1700000000000,
		"source": "agent",
		"category": "lifecycle",
		"intent": "notification",
		"context": {"agentId": "a1"},
		"data": {"surprise": "field", "count": 3},
		"broadcastable": true
	}`)

	var got Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal unknown type: %v", err)
	}

	data, ok := got.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected generic map for unknown type, got %T", got.Data)
	}
	if data["surprise"] != "field" {
		t.Errorf("surprise = %v, want field", data["surprise"])
	}
}

func TestRoundTripNilData(t *testing.T) {
	want := Event{
		Type:     TypeInterrupted,
		Source:   SourceAgent,
		Category: CategoryLifecycle,
		Intent:   IntentNotification,
	}

	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Data != nil {
		t.Errorf("Data = %v, want nil", got.Data)
	}
}

func TestUnparseableFrameIsCallerResponsibility(t *testing.T) {
	var e Event
	if err := json.Unmarshal([]byte(`{not json`), &e); err == nil {
		t.Error("expected error decoding malformed JSON")
	}
}

func TestStopReasonIsTerminal(t *testing.T) {
	cases := []struct {
		reason StopReason
		want   bool
	}{
		{StopReasonEndTurn, true},
		{StopReasonMaxTokens, true},
		{StopReasonStopSequence, true},
		{StopReasonToolUse, false},
		{StopReason("unknown"), false},
	}
	for _, c := range cases {
		if got := c.reason.IsTerminal(); got != c.want {
			t.Errorf("StopReason(%q).IsTerminal() = %v, want %v", c.reason, got, c.want)
		}
	}
}
