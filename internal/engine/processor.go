// Package engine implements the Mealy-machine event processors that turn
// raw stream fragments into complete messages, track agent lifecycle
// state, and correlate turns. Every processor here is a pure
// (state, input) -> (state', outputs) function; side effects (persistence,
// delivery) live in queue and runtime, never here.
package engine

import "github.com/nugget/turnbus/internal/event"

// Processor is one pure Mealy-machine step: given the current state and an
// input event, it returns the next state and zero or more output events.
// A Processor must not block and must not retain input. The processors in
// this package keep their state behind a pointer, update it in place, and
// return that same pointer as the next state, so a state value passed in
// is not left unchanged.
type Processor func(state any, input event.Event) (nextState any, outputs []event.Event)

// Combine runs every named processor against the same input and the same
// shared state map, merging their outputs in a fixed key order so the
// combination is deterministic. This is the "parallel struct-of-states"
// composition: each processor owns one key of the state map and never
// sees another's.
func Combine(order []string, procs map[string]Processor) Processor {
	return func(state any, input event.Event) (any, []event.Event) {
		m, _ := state.(map[string]any)
		if m == nil {
			m = make(map[string]any, len(order))
		}
		next := make(map[string]any, len(m))
		for k, v := range m {
			next[k] = v
		}

		var outputs []event.Event
		for _, key := range order {
			proc, ok := procs[key]
			if !ok {
				continue
			}
			newSub, outs := proc(m[key], input)
			next[key] = newSub
			outputs = append(outputs, outs...)
		}
		return next, outputs
	}
}

// Chain runs input through each processor in sequence, threading each
// processor's output events as the inputs of the next processor in the
// chain (sequential composition: processor 0 sees the original input,
// processor i+1 sees only what processor i produced). State is a slice
// aligned with procs. All outputs from all stages are returned, in stage
// order.
func Chain(procs ...Processor) Processor {
	return func(state any, input event.Event) (any, []event.Event) {
		states, _ := state.([]any)
		if states == nil {
			states = make([]any, len(procs))
		} else if len(states) != len(procs) {
			resized := make([]any, len(procs))
			copy(resized, states)
			states = resized
		}

		nextStates := make([]any, len(procs))
		var allOutputs []event.Event
		pending := []event.Event{input}

		for i, proc := range procs {
			var stageOutputs []event.Event
			s := states[i]
			for _, in := range pending {
				newState, outs := proc(s, in)
				s = newState
				stageOutputs = append(stageOutputs, outs...)
			}
			nextStates[i] = s
			allOutputs = append(allOutputs, stageOutputs...)
			pending = stageOutputs
		}

		return nextStates, allOutputs
	}
}

// DefaultMaxDepth bounds recursive re-injection (Run) so a feedback loop
// between processors can never spin forever.
const DefaultMaxDepth = 100

// Run processes input through proc, then re-injects any output event with
// Category == event.CategoryStream as a further input (stream fragments
// are the only category this pipeline expects to feed back on themselves),
// repeating until no further stream-category outputs are produced or
// maxDepth is reached. Every output produced at every depth is returned,
// in production order. maxDepth <= 0 uses DefaultMaxDepth.
func Run(proc Processor, state any, input event.Event, maxDepth int) (any, []event.Event) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var allOutputs []event.Event
	pending := []event.Event{input}

	for depth := 0; depth < maxDepth && len(pending) > 0; depth++ {
		var reinject []event.Event
		for _, in := range pending {
			newState, outs := proc(state, in)
			state = newState
			allOutputs = append(allOutputs, outs...)
			for _, out := range outs {
				if out.Category == event.CategoryStream {
					reinject = append(reinject, out)
				}
			}
		}
		pending = reinject
	}

	return state, allOutputs
}
