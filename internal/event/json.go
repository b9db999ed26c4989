package event

import (
	"encoding/json"
	"reflect"
)

// wireEvent mirrors Event but holds Data as raw JSON so UnmarshalJSON can
// pick the right concrete payload type before decoding it.
type wireEvent struct {
	Type          string      `json:"type"`
	Timestamp     EpochMillis `json:"timestamp"`
	Source        Source      `json:"source"`
	Category      Category    `json:"category"`
	Intent        Intent      `json:"intent"`
	Context       Context     `json:"context"`
	Data          json.RawMessage `json:"data,omitempty"`
	Broadcastable bool        `json:"broadcastable"`
}

// MarshalJSON encodes an Event, delegating to the default struct encoding
// for every field including Data (whatever concrete type it holds).
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event // avoid recursing into Event.MarshalJSON
	return json.Marshal(alias(e))
}

// UnmarshalJSON decodes an Event, using the type tag to pick a concrete
// payload struct for Data out of the registry in taxonomy.go. Unknown
// types decode Data as map[string]any for forward compatibility; callers
// MUST tolerate unparseable frames elsewhere, not here — a malformed Data
// payload for a *known* type is still a decode error.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	e.Type = w.Type
	e.Timestamp = w.Timestamp
	e.Source = w.Source
	e.Category = w.Category
	e.Intent = w.Intent
	e.Context = w.Context
	e.Broadcastable = w.Broadcastable

	if len(w.Data) == 0 || string(w.Data) == "null" {
		e.Data = nil
		return nil
	}

	if factory, ok := payloadFactories[w.Type]; ok {
		payload := factory()
		if err := json.Unmarshal(w.Data, payload); err != nil {
			return err
		}
		// Store the dereferenced value so a decoded Event.Data matches the
		// value type (not pointer type) that in-process code passes to New
		// when building events.
		e.Data = derefPayload(payload)
		return nil
	}

	var generic map[string]any
	if err := json.Unmarshal(w.Data, &generic); err != nil {
		return err
	}
	e.Data = generic
	return nil
}

// derefPayload unwraps the pointer a payload factory returns so Event.Data
// holds the same value type regardless of whether the Event came from the
// wire or was constructed in-process.
func derefPayload(p any) any {
	v := reflect.ValueOf(p)
	if v.Kind() == reflect.Ptr {
		return v.Elem().Interface()
	}
	return p
}
