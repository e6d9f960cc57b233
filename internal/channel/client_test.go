package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wizzle/wizzled/internal/bus"
	"github.com/wizzle/wizzled/internal/model"
)

// wsServer is a minimal backend double: it accepts websocket upgrades,
// records identify frames and other inbound frames, and can push frames or
// drop the connection to simulate failures.
type wsServer struct {
	t             *testing.T
	srv           *httptest.Server
	mu            sync.Mutex
	conns         []*websocket.Conn
	beforeUpgrade func()
	identified    chan string
	frames        chan map[string]any
	closed        chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		t:          t,
		identified: make(chan string, 8),
		frames:     make(chan map[string]any, 32),
		closed:     make(chan struct{}, 8),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		gate := s.beforeUpgrade
		s.mu.Unlock()
		if gate != nil {
			gate()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			defer func() { s.closed <- struct{}{} }()
			for {
				var m map[string]any
				if err := conn.ReadJSON(&m); err != nil {
					return
				}
				if m["type"] == "identify" {
					userID, _ := m["userId"].(string)
					s.identified <- userID
				} else {
					s.frames <- m
				}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// gateUpgrades makes every upgrade wait on fn before completing, so tests can
// hold several dials in flight at once.
func (s *wsServer) gateUpgrades(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeUpgrade = fn
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) push(frame string) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		s.t.Errorf("server push: %v", err)
	}
}

func (s *wsServer) dropConn() {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	_ = conn.Close()
}

func waitIdentify(t *testing.T, s *wsServer, want string) {
	t.Helper()
	select {
	case got := <-s.identified:
		if got != want {
			t.Fatalf("identified user = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for identify frame")
	}
}

func testChannel(t *testing.T, s *wsServer, b *bus.Bus) *Client {
	t.Helper()
	c := New(s.url(), func() string { return "tok" }, b, nil, WithBackoff(20*time.Millisecond))
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectIdentifiesAndIsIdempotent(t *testing.T) {
	s := newWSServer(t)
	c := testChannel(t, s, bus.New())

	if err := c.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	waitIdentify(t, s, "u1")
	if c.State() != StateListening {
		t.Errorf("state = %s, want LISTENING", c.State())
	}

	// Same user again: no new connection, no new identify.
	if err := c.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if n := s.connCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestOverlappingConnectsCloseSupersededConn(t *testing.T) {
	s := newWSServer(t)

	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	s.gateUpgrades(func() {
		arrived.Done()
		<-release
	})

	c := testChannel(t, s, bus.New())

	var dials sync.WaitGroup
	for i := 0; i < 2; i++ {
		dials.Add(1)
		go func() {
			defer dials.Done()
			if err := c.Connect(context.Background(), "u1"); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	// Both dials are in flight before either connection is installed.
	arrived.Wait()
	close(release)
	dials.Wait()

	// The losing connection must be closed, not left feeding a stale loop.
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for superseded connection to close")
	}
	if got := c.State(); got != StateListening {
		t.Fatalf("state = %v, want %v", got, StateListening)
	}
	waitIdentify(t, s, "u1")
	select {
	case <-s.closed:
		t.Fatal("surviving connection was closed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInboundFramesBecomeBusEvents(t *testing.T) {
	s := newWSServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("channel.", 16)
	defer unsub()

	c := testChannel(t, s, b)
	if err := c.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	waitIdentify(t, s, "u1")

	s.push(`{"type":"message","message":{"id":"m1","conversationId":"c1","senderId":"u2","sentAt":"2025-06-01T12:00:00Z","kind":{"type":"text","value":"hi"},"status":"sent"}}`)
	s.push(`{"type":"read","messageId":"m1"}`)
	s.push(`{"type":"presence","userId":"u2"}`) // unknown, log-only

	var got []bus.Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case evt := <-ch:
			if evt.Kind == bus.KindChannelState {
				continue
			}
			got = append(got, evt)
		case <-deadline:
			t.Fatalf("timeout, received %d events", len(got))
		}
	}

	msg, ok := got[0].Payload.(IncomingMessage)
	if !ok || msg.Message.ID != "m1" {
		t.Errorf("first event = %+v, want IncomingMessage m1", got[0])
	}
	ack, ok := got[1].Payload.(DeliveryAck)
	if !ok || ack.Status != model.StatusRead {
		t.Errorf("second event = %+v, want read DeliveryAck", got[1])
	}
}

func TestReconnectAfterReceiveFailure(t *testing.T) {
	s := newWSServer(t)
	b := bus.New()
	states, unsub := b.Subscribe(bus.KindChannelState, 16)
	defer unsub()

	c := testChannel(t, s, b)
	if err := c.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	waitIdentify(t, s, "u1")

	s.dropConn()

	// The channel must re-identify on a fresh connection.
	waitIdentify(t, s, "u1")
	if n := s.connCount(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}

	// And it went through RECONNECTING on the way.
	sawReconnecting := false
	deadline := time.After(2 * time.Second)
	for !sawReconnecting {
		select {
		case evt := <-states:
			if sc, ok := evt.Payload.(StateChange); ok && sc.To == StateReconnecting {
				sawReconnecting = true
			}
		case <-deadline:
			t.Fatal("never observed RECONNECTING state")
		}
	}

	// The new connection still delivers events.
	ch, unsub2 := b.Subscribe(bus.KindChannelAck, 4)
	defer unsub2()
	s.push(`{"type":"delivered","messageId":"m9"}`)
	select {
	case evt := <-ch:
		if ack, ok := evt.Payload.(DeliveryAck); !ok || ack.MessageID != "m9" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for post-reconnect event")
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	s := newWSServer(t)
	c := testChannel(t, s, bus.New())

	if err := c.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	waitIdentify(t, s, "u1")

	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}

	// No automatic redial: well past the 20ms test backoff.
	select {
	case u := <-s.identified:
		t.Errorf("unexpected reconnect identify for %q", u)
	case <-time.After(200 * time.Millisecond):
	}

	// Idempotent.
	c.Disconnect()
}

func TestOutboundFrames(t *testing.T) {
	s := newWSServer(t)
	c := testChannel(t, s, bus.New())

	if err := c.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	waitIdentify(t, s, "u1")

	c.SendMessage(&model.Message{ID: "m1", ConversationID: "c1", SenderID: "u1",
		SentAt: time.Now().UTC(), Kind: model.TextKind("hi"), Status: model.StatusSent})
	c.SendDeliveryStatus("m1", "u2", model.StatusRead)
	c.SendDeleteMessage("m1")
	// Not an ack status: dropped, nothing reaches the server.
	c.SendDeliveryStatus("m1", "u2", model.StatusPending)

	wantTypes := []string{"message", "read", "delete_message"}
	for _, want := range wantTypes {
		select {
		case frame := <-s.frames:
			if frame["type"] != want {
				t.Errorf("frame type = %v, want %s", frame["type"], want)
			}
			if want == "read" && frame["to"] != "u2" {
				t.Errorf("read ack to = %v, want u2", frame["to"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s frame", want)
		}
	}

	select {
	case frame := <-s.frames:
		t.Errorf("unexpected extra frame: %v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	c := New("ws://localhost:1", func() string { return "" }, bus.New(), nil)
	// Must log and drop, not panic.
	c.SendDeleteMessage("m1")
	c.SendDeliveryStatus("m1", "u2", model.StatusDelivered)
}
