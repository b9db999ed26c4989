package runtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/turnbus/internal/bus"
	"github.com/nugget/turnbus/internal/engine"
	"github.com/nugget/turnbus/internal/event"
	"github.com/nugget/turnbus/internal/queue"
)

// agentBinding records which container/session an agentId belongs to, so
// Runtime can route engine output to the right queue topic and persist
// messages under the right session.
type agentBinding struct {
	containerID string
	sessionID   string
}

// Runtime glues the event bus, the Mealy engine, the topic queue, and
// persistent session storage together: it runs the agent start sequence
// (image -> container -> session -> agent -> bind -> register), routes
// every engine output through ShouldEnqueue onto the right topic, and
// persists messages only once the queue reports their delivery has been
// acknowledged.
type Runtime struct {
	Bus   *bus.Bus
	Engine *engine.Engine
	Queue *queue.Queue
	Store *Store

	mu     sync.RWMutex
	agents map[string]agentBinding
}

// New wires bus, eng, q, and store together, including registering the
// ACK-driven persistence callback on q.
func New(b *bus.Bus, eng *engine.Engine, q *queue.Queue, store *Store) *Runtime {
	rt := &Runtime{
		Bus:    b,
		Engine: eng,
		Queue:  q,
		Store:  store,
		agents: make(map[string]agentBinding),
	}
	q.OnAck(rt.onAck)
	return rt
}

// onAck is the queue's AckCallback: persistence only happens here,
// downstream of a real client acknowledgement.
func (rt *Runtime) onAck(consumerID, topic, cursor string, e event.Event) {
	if !ShouldPersist(e) {
		return
	}
	if err := rt.Store.SaveMessage(e.Context.SessionID, cursor, e); err != nil {
		rt.Bus.Emit(event.New(event.TypeErrorMessage, event.SourceSession, event.CategoryError, event.IntentNotification,
			e.Context, event.ErrorMessageData{Message: "failed to persist acknowledged message", Detail: err.Error()}))
	}
}

// StartAgent runs the full agent start sequence: instantiate a container
// from imageID, open a session on it, then register an agent bound to
// that session, in that order — a session must exist before the agent
// serving it, and a container must exist before any session bound to it.
func (rt *Runtime) StartAgent(imageID string) (agentID, sessionID, containerID string, err error) {
	container, err := rt.Store.CreateContainer(imageID)
	if err != nil {
		return "", "", "", fmt.Errorf("runtime: start agent: %w", err)
	}

	session, err := rt.Store.CreateSession(container.ID)
	if err != nil {
		return "", "", "", fmt.Errorf("runtime: start agent: %w", err)
	}

	agentID = uuid.NewString()
	rt.mu.Lock()
	rt.agents[agentID] = agentBinding{containerID: container.ID, sessionID: session.ID}
	rt.mu.Unlock()

	ctx := event.Context{ContainerID: container.ID, SessionID: session.ID, AgentID: agentID}

	rt.publish(event.New(event.TypeSessionCreated, event.SourceSession, event.CategoryLifecycle, event.IntentNotification, ctx,
		event.SessionCreatedData{SessionID: session.ID, ImageID: imageID, ContainerID: container.ID}))
	rt.publish(event.New(event.TypeAgentStarted, event.SourceContainer, event.CategoryLifecycle, event.IntentNotification, ctx,
		event.AgentStartedData{AgentID: agentID, ContainerID: container.ID, SessionID: session.ID}))

	return agentID, session.ID, container.ID, nil
}

// StopAgent tears down an agent, destroys its session, and forgets the
// binding.
func (rt *Runtime) StopAgent(agentID, reason string) error {
	rt.mu.Lock()
	binding, ok := rt.agents[agentID]
	delete(rt.agents, agentID)
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("runtime: unknown agent %q", agentID)
	}

	rt.Engine.Reset(agentID)

	if err := rt.Store.DestroySession(binding.sessionID); err != nil {
		return fmt.Errorf("runtime: stop agent: %w", err)
	}

	ctx := event.Context{ContainerID: binding.containerID, SessionID: binding.sessionID, AgentID: agentID}
	rt.publish(event.New(event.TypeAgentDestroyed, event.SourceContainer, event.CategoryLifecycle, event.IntentNotification, ctx,
		event.AgentDestroyedData{AgentID: agentID, Reason: reason}))
	rt.publish(event.New(event.TypeSessionDestroyed, event.SourceSession, event.CategoryLifecycle, event.IntentNotification, ctx,
		event.SessionDestroyedData{SessionID: binding.sessionID, Reason: reason}))
	return nil
}

// Ingest feeds one raw input event (typically a stream fragment from a
// driver, or a user_message) through the engine, publishes every output
// on the bus, and appends every output that ShouldEnqueue approves onto
// the session's topic.
func (rt *Runtime) Ingest(input event.Event) []event.Event {
	outputs := rt.Engine.Process(input)
	for _, out := range outputs {
		rt.publish(out)
	}
	return outputs
}

// Interrupt stops in-flight processing for agentID: clears engine state,
// publishes the interrupted/state_change events, but leaves queue
// entries already appended untouched.
func (rt *Runtime) Interrupt(agentID string) []event.Event {
	outputs := rt.Engine.Interrupt(agentID)
	for _, out := range outputs {
		rt.publish(out)
	}
	return outputs
}

func (rt *Runtime) publish(e event.Event) {
	rt.Bus.Emit(e)
	if !ShouldEnqueue(e) {
		return
	}
	topic := TopicForSession(e.Context.SessionID)
	if topic == "" {
		return
	}
	if _, err := rt.Queue.Append(topic, e); err != nil {
		rt.Bus.Emit(event.New(event.TypeErrorMessage, event.SourceSession, event.CategoryError, event.IntentNotification,
			e.Context, event.ErrorMessageData{Message: "failed to append event to queue", Detail: err.Error()}))
	}
}

// TopicForSession names the queue topic a session's events are appended
// to. Events with no session (e.g. pure engine-internal bookkeeping) have
// no topic and are bus-only.
func TopicForSession(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return "session:" + sessionID
}
