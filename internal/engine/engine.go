package engine

import (
	"sync"

	"github.com/nugget/turnbus/internal/event"
)

// keys into the per-agent state map.
const (
	keyAssembler = "assembler"
	keyState     = "state"
	keyTurn      = "turn"
)

var processorOrder = []string{keyAssembler, keyState, keyTurn}

// downstream combines the state machine and turn tracker so both see the
// same input and their outputs merge in a fixed order. Built fresh per
// call since Combine is just a closure over its arguments.
func downstream() Processor {
	return Combine([]string{keyState, keyTurn}, map[string]Processor{
		keyState: StateMachine,
		keyTurn:  TurnTracker,
	})
}

// Engine serializes processing per agentId (state is never accessed
// concurrently for the same agent) and owns the combined Mealy pipeline's
// state for every agent it has seen.
type Engine struct {
	maxDepth int

	mu     sync.Mutex
	agents map[string]*agentState
}

type agentState struct {
	mu    sync.Mutex
	state any // map[string]any produced by Combine
}

// New constructs an Engine. maxDepth <= 0 uses DefaultMaxDepth.
func New(maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{maxDepth: maxDepth, agents: make(map[string]*agentState)}
}

func (e *Engine) agent(agentID string) *agentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[agentID]
	if !ok {
		a = &agentState{}
		e.agents[agentID] = a
	}
	return a
}

// Process runs one input event through the assembler, then through the
// state machine and turn tracker, serialized per agent. The assembler
// consumes the raw input once; the state machine and turn tracker see
// that same raw input directly (so they react to every stream fragment,
// not just assembled messages) and are then re-run, bounded by maxDepth,
// against anything the assembler just produced — the re-injection that
// lets a message the assembler closes out (assistant_message,
// tool_call_message, tool_result_message, error_message) be observed by
// the rest of the pipeline within this same Process call, rather than
// only on the next input. Every output produced at every stage is
// returned, in production order.
func (e *Engine) Process(input event.Event) []event.Event {
	agentID := input.Context.AgentID
	a := e.agent(agentID)

	a.mu.Lock()
	defer a.mu.Unlock()

	m, _ := a.state.(map[string]any)
	if m == nil {
		m = make(map[string]any, len(processorOrder))
	}
	next := make(map[string]any, len(m))
	for k, v := range m {
		next[k] = v
	}

	assemblerNext, assemblerOutputs := Assembler(next[keyAssembler], input)
	next[keyAssembler] = assemblerNext

	down := downstream()
	dmState := map[string]any{keyState: next[keyState], keyTurn: next[keyTurn]}

	var allOutputs []event.Event

	newDM, outs := Run(down, dmState, input, e.maxDepth)
	dmState = newDM.(map[string]any)
	allOutputs = append(allOutputs, outs...)

	for _, ae := range assemblerOutputs {
		allOutputs = append(allOutputs, ae)
		if ae.Type == input.Type {
			// The assembler passed the input through unchanged; the state
			// machine and turn tracker have already seen it above.
			continue
		}
		newDM, outs := Run(down, dmState, ae, e.maxDepth)
		dmState = newDM.(map[string]any)
		allOutputs = append(allOutputs, outs...)
	}

	next[keyState] = dmState[keyState]
	next[keyTurn] = dmState[keyTurn]
	a.state = next
	return allOutputs
}

// Interrupt clears pending assembler/turn state for agentID and forces its
// lifecycle state to idle, emitting both an interrupted lifecycle event
// and the state_change that accompanies it. Queue entries already
// appended for this agent are untouched — Interrupt only resets in-memory
// engine state, never queue contents.
func (e *Engine) Interrupt(agentID string) []event.Event {
	a := e.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	m, _ := a.state.(map[string]any)
	if m == nil {
		m = make(map[string]any, len(processorOrder))
	}
	next := make(map[string]any, len(m))
	for k, v := range m {
		next[k] = v
	}

	ctx := event.Context{AgentID: agentID}

	stateBefore, _ := m[keyState].(*LifecycleStateData)
	fromState := event.StateIdle
	if stateBefore != nil {
		fromState = stateBefore.Current
	}

	newStateSub, stateChangeEvent := Interrupt(m[keyState], ctx)
	next[keyState] = newStateSub

	newTurnSub, pendingTurnID := InterruptTurn(m[keyTurn])
	next[keyTurn] = newTurnSub

	next[keyAssembler] = freshAssemblerState()

	a.state = next

	interrupted := event.New(event.TypeInterrupted, event.SourceAgent, event.CategoryLifecycle, event.IntentNotification, ctx,
		event.InterruptedData{AgentID: agentID, FromState: fromState, PendingTurnID: pendingTurnID})

	return []event.Event{interrupted, stateChangeEvent}
}

// Reset discards all state for agentID. Used on agent teardown.
func (e *Engine) Reset(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.agents, agentID)
}
