// Copyright 2024-2026 Aiku AI

package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeBroker is an in-process websocket endpoint that records every frame a
// client sends and can push frames or drop connections.
type fakeBroker struct {
	srv    *httptest.Server
	frames chan brokerFrame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{frames: make(chan brokerFrame, 64)}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		for {
			var frame brokerFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			b.frames <- frame
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBroker) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBroker) next(t *testing.T) brokerFrame {
	t.Helper()
	select {
	case frame := <-b.frames:
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a broker frame")
		return brokerFrame{}
	}
}

func (b *fakeBroker) push(t *testing.T, frame brokerFrame) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		t.Fatal("no broker connection to push on")
	}
	if err := b.conns[len(b.conns)-1].WriteJSON(frame); err != nil {
		t.Fatal(err)
	}
}

func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		conn.Close()
	}
	b.conns = nil
}

func newTestRealtime(t *testing.T, brokerURL string, resolver brokerResolver) *RealtimeClient {
	t.Helper()
	cfg := &Config{
		AppID:             "test-app",
		BaseURL:           "http://localhost",
		BrokerURL:         brokerURL,
		ReconnectDebounce: 10,
		Log:               zerolog.Nop(),
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatal(err)
	}
	rt := newRealtimeClient(cfg, resolver)
	t.Cleanup(rt.Disconnect)
	return rt
}

func TestRealtime_RefcountedRegistry(t *testing.T) {
	t.Parallel()
	rt := newTestRealtime(t, "ws://localhost:0", nil)

	rt.Subscribe("tok/c")
	rt.Subscribe("tok/c")
	rt.Subscribe("tok/n")
	if got := rt.subscriptionSnapshot(); len(got) != 2 {
		t.Fatalf("snapshot = %v, want 2 distinct topics", got)
	}

	rt.Unsubscribe("tok/c")
	if got := rt.subscriptionSnapshot(); len(got) != 2 {
		t.Errorf("snapshot = %v, one reference left must keep the topic", got)
	}
	rt.Unsubscribe("tok/c")
	if got := rt.subscriptionSnapshot(); len(got) != 1 || got[0] != "tok/n" {
		t.Errorf("snapshot = %v, want only tok/n", got)
	}
	// Unsubscribing an unknown topic is a no-op.
	rt.Unsubscribe("never-subscribed")
}

func TestRealtime_HandshakeAndDispatch(t *testing.T) {
	t.Parallel()
	broker := newFakeBroker(t)
	rt := newTestRealtime(t, broker.wsURL(), nil)

	received := make(chan [2]string, 4)
	rt.onFrame = func(topic, payload string) {
		received <- [2]string{topic, payload}
	}
	rt.Subscribe("tok/c")

	if err := rt.Connect(context.Background(), "app_me_abc123", "me@example.com"); err != nil {
		t.Fatal(err)
	}

	hello := broker.next(t)
	if hello.Op != "connect" || hello.ClientID != "app_me_abc123" {
		t.Errorf("handshake = %+v", hello)
	}
	if hello.WillTopic != "u/me@example.com/s" || hello.WillPayload != "0" || !hello.WillRetain {
		t.Errorf("last will = %+v, want retained offline presence", hello)
	}
	sub := broker.next(t)
	if sub.Op != "subscribe" || sub.Topic != "tok/c" {
		t.Errorf("replayed subscription = %+v", sub)
	}
	if got := rt.State(); got != StateConnected {
		t.Errorf("State() = %q, want %q", got, StateConnected)
	}

	broker.push(t, brokerFrame{Topic: "tok/c", Payload: "payload-1"})
	select {
	case got := <-received:
		if got[0] != "tok/c" || got[1] != "payload-1" {
			t.Errorf("dispatched frame = %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pushed frame never reached onFrame")
	}
}

func TestRealtime_PublishFrames(t *testing.T) {
	t.Parallel()
	broker := newFakeBroker(t)
	rt := newTestRealtime(t, broker.wsURL(), nil)
	if err := rt.Connect(context.Background(), "client-1", "me@example.com"); err != nil {
		t.Fatal(err)
	}
	broker.next(t) // handshake

	if err := rt.PublishTyping(42, "me@example.com", true); err != nil {
		t.Fatal(err)
	}
	frame := broker.next(t)
	if frame.Op != "publish" || frame.Topic != "r/42/42/me@example.com/t" || frame.Payload != "1" {
		t.Errorf("typing frame = %+v", frame)
	}

	if err := rt.PublishReceipt(42, "me@example.com", AckRead, 881, "u-881"); err != nil {
		t.Fatal(err)
	}
	frame = broker.next(t)
	if frame.Topic != "r/42/42/me@example.com/r" || frame.Payload != "881:u-881" {
		t.Errorf("read receipt frame = %+v", frame)
	}

	if err := rt.PublishPresence("me@example.com", true); err != nil {
		t.Fatal(err)
	}
	frame = broker.next(t)
	if frame.Topic != "u/me@example.com/s" || !frame.Retain {
		t.Errorf("presence frame = %+v, want retained", frame)
	}
	if !strings.HasPrefix(frame.Payload, "1:") {
		t.Errorf("presence payload = %q, want 1:<millis>", frame.Payload)
	}
}

func TestRealtime_ReconnectReplaysRegistry(t *testing.T) {
	t.Parallel()
	broker := newFakeBroker(t)
	rt := newTestRealtime(t, broker.wsURL(), nil)
	rt.Subscribe("tok/c")

	reconnects := make(chan struct{}, 4)
	rt.OnReconnecting(func() { reconnects <- struct{}{} })

	if err := rt.Connect(context.Background(), "client-1", "me@example.com"); err != nil {
		t.Fatal(err)
	}
	broker.next(t) // handshake
	broker.next(t) // initial subscribe

	// Topics registered mid-session must survive the outage too.
	rt.Subscribe("tok/n")
	broker.next(t)

	broker.dropConnections()
	select {
	case <-reconnects:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect was never scheduled")
	}

	hello := broker.next(t)
	if hello.Op != "connect" || hello.ClientID != "client-1" {
		t.Fatalf("frame after reconnect = %+v, want a fresh handshake", hello)
	}
	replayed := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame := broker.next(t)
		if frame.Op != "subscribe" {
			t.Fatalf("frame = %+v, want a subscription replay", frame)
		}
		replayed[frame.Topic] = true
	}
	if !replayed["tok/c"] || !replayed["tok/n"] {
		t.Errorf("replayed = %v, want both registry topics", replayed)
	}
}

func TestRealtime_ReconnectRelocatesViaResolver(t *testing.T) {
	t.Parallel()
	first := newFakeBroker(t)
	second := newFakeBroker(t)
	resolver := func(ctx context.Context) (string, error) {
		return second.wsURL(), nil
	}
	rt := newTestRealtime(t, first.wsURL(), resolver)
	if err := rt.Connect(context.Background(), "client-1", "me@example.com"); err != nil {
		t.Fatal(err)
	}
	first.next(t) // handshake

	first.dropConnections()
	hello := second.next(t)
	if hello.Op != "connect" {
		t.Fatalf("frame on relocated broker = %+v, want a handshake", hello)
	}
}

func TestRealtime_DisconnectDoesNotReconnect(t *testing.T) {
	t.Parallel()
	broker := newFakeBroker(t)
	rt := newTestRealtime(t, broker.wsURL(), nil)

	closed := make(chan struct{}, 1)
	rt.OnClosed(func() { closed <- struct{}{} })

	if err := rt.Connect(context.Background(), "client-1", "me@example.com"); err != nil {
		t.Fatal(err)
	}
	broker.next(t) // handshake

	rt.Disconnect()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("closed observer never fired")
	}
	// No fresh handshake should arrive: intentional closes stay closed.
	select {
	case frame := <-broker.frames:
		if frame.Op == "connect" {
			t.Errorf("unexpected reconnect after Disconnect: %+v", frame)
		}
	case <-time.After(200 * time.Millisecond):
	}
	if got := rt.State(); got != StateDisconnected {
		t.Errorf("State() = %q, want %q", got, StateDisconnected)
	}
}
