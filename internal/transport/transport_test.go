package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/turnbus/internal/event"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{PingInterval: time.Hour}, nil)
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.Listen))
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	return srv, wsURL
}

func TestBroadcastReachesConnectedClient(t *testing.T) {
	srv, url := startTestServer(t)

	connected := make(chan string, 1)
	srv.OnConnection(func(connectionID string) { connected <- connectionID })

	client := NewClient(url, "base-1", ClientConfig{}, nil)
	received := make(chan event.Event, 4)
	client.OnMessage(func(e event.Event) { received <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("server never observed a connection")
	}

	// Drain the connection_established event the server sends on attach.
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected connection_established event")
	}

	want := event.New(event.TypeAgentStarted, event.SourceContainer, event.CategoryLifecycle, event.IntentNotification,
		event.Context{AgentID: "a1"}, event.AgentStartedData{AgentID: "a1"})
	srv.Broadcast(want)

	select {
	case got := <-received:
		if got.Type != event.TypeAgentStarted {
			t.Errorf("got type %q, want %q", got.Type, event.TypeAgentStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("client never received broadcast event")
	}
}

func TestReliableSendInvokesOnAckAfterClientAcks(t *testing.T) {
	srv, url := startTestServer(t)

	connID := make(chan string, 1)
	srv.OnConnection(func(c string) { connID <- c })

	client := NewClient(url, "base-2", ClientConfig{}, nil)
	client.OnMessage(func(event.Event) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	cid := <-connID

	acked := make(chan struct{}, 1)
	err := srv.SendReliable(cid, map[string]string{"hello": "world"}, ReliableOptions{
		Timeout: time.Second,
		OnAck:   func() { acked <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnAck after the client's transparent auto-ack")
	}
}

func TestReliableSendToUnknownConnectionFails(t *testing.T) {
	srv, _ := startTestServer(t)
	err := srv.SendReliable("no-such-connection", "x", ReliableOptions{Timeout: time.Millisecond})
	if err == nil {
		t.Fatal("expected error sending to an unknown connection")
	}
}

func TestFrameClassificationPrecedence(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want frameKind
	}{
		{"reliable envelope wins over everything", `{"__reliable":true,"id":"1","payload":{"type":"queue_subscribe"}}`, frameReliableEnvelope},
		{"ack wins over type", `{"__ack":true,"id":"1","type":"queue_subscribe"}`, frameReliableAck},
		{"queue_subscribe", `{"type":"queue_subscribe","topic":"t"}`, frameQueueSubscribe},
		{"plain event", `{"type":"user_message"}`, framePlainEvent},
		{"garbage", `not json`, frameUnknown},
		{"empty object", `{}`, frameUnknown},
	}
	for _, c := range cases {
		if got := classifyFrame([]byte(c.raw)); got != c.want {
			t.Errorf("%s: classifyFrame = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestConnectionsIntrospection(t *testing.T) {
	srv, url := startTestServer(t)
	client := NewClient(url, "base-3", ClientConfig{}, nil)
	client.OnMessage(func(event.Event) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond)

	conns := srv.Connections()
	if len(conns) != 1 {
		t.Fatalf("len(conns) = %d, want 1", len(conns))
	}
}
