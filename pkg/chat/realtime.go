// Copyright 2024-2026 Aiku AI

package chat

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ConnectionState is the observable lifecycle of the push channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// brokerFrame is the JSON wire frame spoken with the broker, both
// directions. Client frames carry an op; broker pushes carry only topic and
// payload.
type brokerFrame struct {
	Op      string `json:"op,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Payload string `json:"payload,omitempty"`
	Retain  bool   `json:"retain,omitempty"`

	// connect handshake
	ClientID    string `json:"client_id,omitempty"`
	WillTopic   string `json:"will_topic,omitempty"`
	WillPayload string `json:"will_payload,omitempty"`
	WillRetain  bool   `json:"will_retain,omitempty"`
}

// brokerResolver looks up a fresh broker address before a reconnect. The
// apiClient implements it via the load-balancer endpoint; tests inject a
// fake.
type brokerResolver func(ctx context.Context) (string, error)

// RealtimeClient owns the persistent broker connection: topic
// subscriptions, publishes, the last-will registration, and the
// debounce-then-relocate reconnection protocol. Inbound frames are handed
// to the onFrame callback; the Client wires that to the topic matcher.
type RealtimeClient struct {
	log      zerolog.Logger
	url      string
	resolver brokerResolver
	debounce time.Duration

	clientID    string
	willTopic   string
	willPayload string

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stateMu sync.Mutex
	state   ConnectionState
	// intentional marks a caller-requested disconnect so the pump exit
	// doesn't trigger a reconnect.
	intentional bool

	subsMu sync.Mutex
	subs   map[string]int

	reconnectMu sync.Mutex
	reconnectT  *time.Timer
	reconInFly  bool

	// onFrame receives every inbound topic frame. onConnected fires after
	// each successful (re)connect, once every registry topic is replayed.
	onFrame     func(topic, payload string)
	onConnected func()

	connected    observers[struct{}]
	reconnecting observers[struct{}]
	closed       observers[struct{}]
	errs         observers[error]

	pumpDone chan struct{}
}

func newRealtimeClient(cfg *Config, resolver brokerResolver) *RealtimeClient {
	return &RealtimeClient{
		log:      cfg.Log.With().Str("component", "realtime").Logger(),
		url:      cfg.BrokerURL,
		resolver: resolver,
		debounce: cfg.reconnectDebounce,
		state:    StateDisconnected,
		subs:     make(map[string]int),
	}
}

// State returns the current connection state.
func (r *RealtimeClient) State() ConnectionState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *RealtimeClient) setState(s ConnectionState) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// OnConnected registers a connection-established observer.
func (r *RealtimeClient) OnConnected(fn func()) func() {
	return r.connected.subscribe(func(struct{}) { fn() })
}

// OnReconnecting registers an observer fired when a reconnect is scheduled.
func (r *RealtimeClient) OnReconnecting(fn func()) func() {
	return r.reconnecting.subscribe(func(struct{}) { fn() })
}

// OnClosed registers an observer for intentional disconnects.
func (r *RealtimeClient) OnClosed(fn func()) func() {
	return r.closed.subscribe(func(struct{}) { fn() })
}

// OnError registers an observer for transport errors. Errors here are
// informational; recovery is automatic.
func (r *RealtimeClient) OnError(fn func(error)) func() {
	return r.errs.subscribe(fn)
}

// Connect dials the broker and registers the client identity with a
// retained last-will presence frame, so other clients see this user go
// offline promptly even on an abrupt disconnect.
func (r *RealtimeClient) Connect(ctx context.Context, clientID, userEmail string) error {
	r.clientID = clientID
	r.willTopic = "u/" + userEmail + "/s"
	r.willPayload = "0"
	r.stateMu.Lock()
	r.intentional = false
	r.stateMu.Unlock()
	return r.dial(ctx)
}

func (r *RealtimeClient) dial(ctx context.Context) error {
	r.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("broker dial %s: %w", r.url, err)
	}
	if err := r.handshake(conn); err != nil {
		conn.Close()
		r.setState(StateDisconnected)
		return err
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	// Replay the registry as it stands right now, not a snapshot taken at
	// subscribe time: topics added during the outage must come back too.
	for _, topic := range r.subscriptionSnapshot() {
		if err := r.sendFrame(brokerFrame{Op: "subscribe", Topic: topic}); err != nil {
			r.log.Warn().Err(err).Str("topic", topic).Msg("Failed to replay subscription")
		}
	}

	r.setState(StateConnected)
	r.pumpDone = make(chan struct{})
	go r.readPump(conn, r.pumpDone)
	go r.pingLoop(conn, r.pumpDone)

	r.log.Info().Str("broker_url", r.url).Msg("Broker connected")
	r.connected.emit(struct{}{})
	if r.onConnected != nil {
		// The gap since disconnect can't be assumed covered by the push
		// channel; the orchestrator forces a pull pass.
		r.onConnected()
	}
	return nil
}

func (r *RealtimeClient) handshake(conn *websocket.Conn) error {
	frame := brokerFrame{
		Op:          "connect",
		ClientID:    r.clientID,
		WillTopic:   r.willTopic,
		WillPayload: r.willPayload,
		WillRetain:  true,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("broker handshake: %w", err)
	}
	return nil
}

func (r *RealtimeClient) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var frame brokerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			r.stateMu.Lock()
			intentional := r.intentional
			r.stateMu.Unlock()
			if intentional {
				r.setState(StateDisconnected)
				r.closed.emit(struct{}{})
				return
			}
			r.log.Warn().Err(err).Msg("Broker connection lost")
			r.errs.emit(err)
			r.scheduleReconnect()
			return
		}
		if frame.Topic == "" {
			continue
		}
		if r.onFrame != nil {
			r.onFrame(frame.Topic, frame.Payload)
		}
	}
}

func (r *RealtimeClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// scheduleReconnect debounces bursts of closes into a single attempt: one
// cancellable timer plus an in-flight guard, never recursive timeouts.
func (r *RealtimeClient) scheduleReconnect() {
	r.setState(StateReconnecting)
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()
	if r.reconInFly {
		return
	}
	if r.reconnectT != nil {
		r.reconnectT.Stop()
	}
	r.reconnecting.emit(struct{}{})
	r.reconnectT = time.AfterFunc(r.debounce, r.reconnect)
}

func (r *RealtimeClient) reconnect() {
	r.reconnectMu.Lock()
	if r.reconInFly {
		r.reconnectMu.Unlock()
		return
	}
	r.reconInFly = true
	r.reconnectMu.Unlock()

	r.stateMu.Lock()
	intentional := r.intentional
	r.stateMu.Unlock()
	if intentional {
		r.clearReconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if r.resolver != nil {
		url, err := r.resolver(ctx)
		if err != nil {
			// Lookup failure is never fatal: keep the address that worked
			// last time.
			r.log.Warn().Err(err).Str("broker_url", r.url).Msg("Broker lookup failed, keeping previous address")
		} else if url != "" {
			r.url = url
		}
	}

	if err := r.dial(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Reconnect failed, rescheduling")
		r.errs.emit(err)
		r.clearReconnect()
		r.scheduleReconnect()
		return
	}
	r.clearReconnect()
}

func (r *RealtimeClient) clearReconnect() {
	r.reconnectMu.Lock()
	r.reconInFly = false
	r.reconnectMu.Unlock()
}

// Disconnect closes the connection without triggering a reconnect.
func (r *RealtimeClient) Disconnect() {
	r.stateMu.Lock()
	r.intentional = true
	r.stateMu.Unlock()
	r.reconnectMu.Lock()
	if r.reconnectT != nil {
		r.reconnectT.Stop()
	}
	r.reconnectMu.Unlock()
	r.connMu.Lock()
	conn := r.conn
	r.conn = nil
	r.connMu.Unlock()
	if conn != nil {
		r.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		r.writeMu.Unlock()
		conn.Close()
	}
}

func (r *RealtimeClient) sendFrame(frame brokerFrame) error {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker not connected")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

// Subscribe adds a topic to the registry and subscribes on the broker. The
// registry is reference-counted: repeat subscriptions are cheap and a topic
// only leaves the broker once every subscriber is gone. Registered topics
// survive reconnects and broker relocation.
func (r *RealtimeClient) Subscribe(topic string) {
	r.subsMu.Lock()
	r.subs[topic]++
	fresh := r.subs[topic] == 1
	r.subsMu.Unlock()
	if !fresh {
		return
	}
	if err := r.sendFrame(brokerFrame{Op: "subscribe", Topic: topic}); err != nil {
		// Not fatal: the topic is in the registry and will be replayed on
		// the next connect.
		r.log.Debug().Err(err).Str("topic", topic).Msg("Subscribe deferred until connect")
	}
}

// Unsubscribe drops one reference to a topic, unsubscribing on the broker
// when the last reference goes away.
func (r *RealtimeClient) Unsubscribe(topic string) {
	r.subsMu.Lock()
	n, ok := r.subs[topic]
	if !ok {
		r.subsMu.Unlock()
		return
	}
	if n > 1 {
		r.subs[topic] = n - 1
		r.subsMu.Unlock()
		return
	}
	delete(r.subs, topic)
	r.subsMu.Unlock()
	if err := r.sendFrame(brokerFrame{Op: "unsubscribe", Topic: topic}); err != nil {
		r.log.Debug().Err(err).Str("topic", topic).Msg("Unsubscribe skipped, not connected")
	}
}

func (r *RealtimeClient) subscriptionSnapshot() []string {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	topics := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		topics = append(topics, topic)
	}
	return topics
}

func roomSegment(roomID int64) string {
	id := strconv.FormatInt(roomID, 10)
	return "r/" + id + "/" + id
}

// SubscribeRoom subscribes the typing and receipt topics for a room.
func (r *RealtimeClient) SubscribeRoom(roomID int64) {
	base := roomSegment(roomID)
	r.Subscribe(base + "/+/t")
	r.Subscribe(base + "/+/d")
	r.Subscribe(base + "/+/r")
}

// UnsubscribeRoom drops the room's typing and receipt topics.
func (r *RealtimeClient) UnsubscribeRoom(roomID int64) {
	base := roomSegment(roomID)
	r.Unsubscribe(base + "/+/t")
	r.Unsubscribe(base + "/+/d")
	r.Unsubscribe(base + "/+/r")
}

// SubscribeUserPresence watches a user's online status.
func (r *RealtimeClient) SubscribeUserPresence(userEmail string) {
	r.Subscribe("u/" + userEmail + "/s")
}

// UnsubscribeUserPresence stops watching a user's online status.
func (r *RealtimeClient) UnsubscribeUserPresence(userEmail string) {
	r.Unsubscribe("u/" + userEmail + "/s")
}

// SubscribeChannel subscribes a broadcast channel's message topic.
func (r *RealtimeClient) SubscribeChannel(appID, channelUniqueID string) {
	r.Subscribe(appID + "/" + channelUniqueID + "/c")
}

// UnsubscribeChannel drops a broadcast channel's message topic.
func (r *RealtimeClient) UnsubscribeChannel(appID, channelUniqueID string) {
	r.Unsubscribe(appID + "/" + channelUniqueID + "/c")
}

// SubscribeCustomEvent subscribes a room's application-event topic.
func (r *RealtimeClient) SubscribeCustomEvent(roomID int64) {
	r.Subscribe(roomSegment(roomID) + "/e")
}

// UnsubscribeCustomEvent drops a room's application-event topic.
func (r *RealtimeClient) UnsubscribeCustomEvent(roomID int64) {
	r.Unsubscribe(roomSegment(roomID) + "/e")
}

// PublishPresence announces the user online or offline. Retained so late
// subscribers see the latest state.
func (r *RealtimeClient) PublishPresence(userEmail string, online bool) error {
	payload := "0"
	if online {
		payload = "1:" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	return r.sendFrame(brokerFrame{
		Op:      "publish",
		Topic:   "u/" + userEmail + "/s",
		Payload: payload,
		Retain:  true,
	})
}

// PublishTyping announces the user typing (or stopping) in a room.
func (r *RealtimeClient) PublishTyping(roomID int64, userEmail string, typing bool) error {
	payload := "0"
	if typing {
		payload = "1"
	}
	return r.sendFrame(brokerFrame{
		Op:      "publish",
		Topic:   roomSegment(roomID) + "/" + userEmail + "/t",
		Payload: payload,
	})
}

// PublishReceipt publishes a delivery or read receipt for a message.
func (r *RealtimeClient) PublishReceipt(roomID int64, userEmail string, kind AckKind, messageID int64, uniqueID string) error {
	suffix := "/d"
	if kind == AckRead {
		suffix = "/r"
	}
	return r.sendFrame(brokerFrame{
		Op:      "publish",
		Topic:   roomSegment(roomID) + "/" + userEmail + suffix,
		Payload: strconv.FormatInt(messageID, 10) + ":" + uniqueID,
	})
}

// PublishCustomEvent publishes an application-defined event to a room.
func (r *RealtimeClient) PublishCustomEvent(roomID int64, sender string, data []byte) error {
	payload := fmt.Sprintf(`{"sender":%q,"data":%s}`, sender, data)
	return r.sendFrame(brokerFrame{
		Op:      "publish",
		Topic:   roomSegment(roomID) + "/e",
		Payload: payload,
	})
}
