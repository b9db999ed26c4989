package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/nugget/turnbus/internal/event"
)

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.Emit(event.New("x", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))
	unsub := b.On("x", func(event.Event) {})
	unsub()
	if got := b.AuditLog(10); got != nil {
		t.Errorf("AuditLog on nil bus = %v, want nil", got)
	}
}

func TestEmitDeliversToMatchingHandler(t *testing.T) {
	b := New()
	var got event.Event
	calls := 0
	b.On("greeting", func(e event.Event) {
		calls++
		got = e
	})
	b.On("other", func(e event.Event) {
		t.Errorf("handler for 'other' should not fire")
	})

	want := event.New("greeting", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{AgentID: "a1"}, "hi")
	b.Emit(want)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if got.Type != want.Type || got.Data != want.Data {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.On("x", func(event.Event) { calls++ })

	b.Emit(event.New("x", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))
	unsub()
	b.Emit(event.New("x", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (unsubscribe should stop further delivery)", calls)
	}
}

func TestOnAnyRunsAfterTypedHandlers(t *testing.T) {
	b := New()
	var order []string
	b.On("x", func(event.Event) { order = append(order, "typed") })
	b.OnAny(func(event.Event) { order = append(order, "any") })

	b.Emit(event.New("x", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))

	if len(order) != 2 || order[0] != "typed" || order[1] != "any" {
		t.Errorf("order = %v, want [typed any]", order)
	}
}

// TestReentrantEmitDrainsBeforeOuterReturns exercises the FIFO ordering
// invariant: an emit issued from inside a handler must be fully
// dispatched (to completion) before the outer Emit call returns, and must
// not be dispatched out of FIFO order relative to events already queued.
func TestReentrantEmitDrainsBeforeOuterReturns(t *testing.T) {
	b := New()
	var order []string

	b.On("first", func(e event.Event) {
		order = append(order, "first-start")
		b.Emit(event.New("second", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))
		order = append(order, "first-end")
	})
	b.On("second", func(event.Event) {
		order = append(order, "second")
	})

	b.Emit(event.New("first", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))

	want := []string{"first-start", "first-end", "second"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestHandlerPanicDoesNotPropagateAndIsReported(t *testing.T) {
	b := New()
	var reportedType string
	var reportedErr error
	b.OnError(func(eventType string, err error) {
		reportedType = eventType
		reportedErr = err
	})

	b.On("boom", func(event.Event) { panic("kaboom") })

	calls := 0
	b.On("after", func(event.Event) { calls++ })

	b.Emit(event.New("boom", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))
	b.Emit(event.New("after", event.SourceAgent, event.CategoryMessage, event.IntentNotification, event.Context{}, nil))

	if reportedType != "boom" || reportedErr == nil {
		t.Errorf("onError not called correctly: type=%q err=%v", reportedType, reportedErr)
	}
	if calls != 1 {
		t.Errorf("bus should continue processing after a handler panic, calls = %d", calls)
	}
}

func TestOnCommandRepliesToMatchingRequest(t *testing.T) {
	b := New()
	b.OnCommand("ping", func(e event.Event) (any, error) {
		return "pong", nil
	})

	resp, err := b.Request("ping", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Data != "pong" {
		t.Errorf("resp.Data = %v, want pong", resp.Data)
	}
}

func TestRequestTimesOutWithNoHandler(t *testing.T) {
	b := New()
	_, err := b.Request("nobody-home", nil, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestOnCommandErrorIsReportedNotReturned(t *testing.T) {
	b := New()
	var reportedErr error
	b.OnError(func(_ string, err error) { reportedErr = err })
	b.OnCommand("explode", func(e event.Event) (any, error) {
		return nil, errors.New("boom")
	})

	_, err := b.Request("explode", nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout since command handler errored instead of replying")
	}
	if reportedErr == nil {
		t.Error("expected OnError to be invoked with the command handler's error")
	}
}

func TestAuditLogRecordsRequests(t *testing.T) {
	b := New()
	b.OnCommand("ping", func(e event.Event) (any, error) { return "pong", nil })

	if _, err := b.Request("ping", nil, time.Second); err != nil {
		t.Fatalf("Request: %v", err)
	}

	log := b.AuditLog(10)
	if len(log) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	last := log[len(log)-1]
	if last.Type != "ping" || last.TimedOut {
		t.Errorf("last entry = %+v, want type=ping timedOut=false", last)
	}
}

func TestAuditLogBoundedAtMax(t *testing.T) {
	b := New()
	b.OnCommand("ping", func(e event.Event) (any, error) { return "pong", nil })

	for i := 0; i < maxAuditLog+10; i++ {
		if _, err := b.Request("ping", nil, time.Second); err != nil {
			t.Fatalf("Request iteration %d: %v", i, err)
		}
	}

	if got := len(b.AuditLog(0)); got != maxAuditLog {
		t.Errorf("audit log length = %d, want %d", got, maxAuditLog)
	}
}
