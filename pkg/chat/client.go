// Copyright 2024-2026 Aiku AI

package chat

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/aiku/chatcore/pkg/chat/topic"
)

// Client is the synchronization engine: it multiplexes the push channel and
// the pull scheduler into one stream of room mutations, reconciles message
// status against participant watermarks, and exposes the caller-facing
// surface (send, receipts, observers, hooks).
//
// All room and watermark state is owned here and mutated only under mu;
// the transport goroutines deliver events through callbacks that take it.
// Correctness under the two channels racing rests on idempotent merge
// (dedup by unique id, sorted reinsertion, monotonic watermarks), not on
// the callers coordinating.
type Client struct {
	cfg      *Config
	log      zerolog.Logger
	api      *apiClient
	realtime *RealtimeClient
	sched    *Scheduler
	hooks    *Hooks
	throttle *AckThrottle

	mu            sync.Mutex
	account       *Account
	rooms         map[int64]*Room
	activeRoomID  int64
	lastBatchLead string
	syncDisabled  bool

	customMu       sync.Mutex
	customHandlers map[int64]CustomEventHandler

	newMessage      observers[*Message]
	delivered       observers[StatusEvent]
	read            observers[StatusEvent]
	messagesDeleted observers[MessagesDeletedEvent]
	roomCleared     observers[int64]
	typing          observers[TypingEvent]
	presence        observers[PresenceEvent]
}

// New builds a Client from a post-processed Config. No network traffic
// happens until login and Connect.
func New(cfg *Config) (*Client, error) {
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:            cfg,
		log:            cfg.Log.With().Str("component", "client").Logger(),
		api:            newAPIClient(cfg),
		hooks:          &Hooks{},
		throttle:       NewAckThrottle(cfg.ackMode, cfg.ackWindow),
		rooms:          make(map[int64]*Room),
		customHandlers: make(map[int64]CustomEventHandler),
	}
	var resolver brokerResolver
	if cfg.EnableLB && cfg.BrokerLBURL != "" {
		resolver = func(ctx context.Context) (string, error) {
			return c.api.BrokerLookup(ctx, cfg.BrokerLBURL)
		}
	}
	c.realtime = newRealtimeClient(cfg, resolver)
	c.realtime.onFrame = c.handleFrame
	c.realtime.onConnected = func() { c.sched.Force() }
	c.sched = newScheduler(cfg,
		func() bool { return c.realtime.State() == StateConnected },
		c.syncEnabled,
		c.syncMessages,
		c.syncEvents,
	)
	return c, nil
}

// Realtime exposes the push channel adapter for connection-state observers
// and presence subscriptions.
func (c *Client) Realtime() *RealtimeClient {
	return c.realtime
}

// Account returns the authenticated account, nil before login.
func (c *Client) Account() *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// LoginWithToken authenticates with a backend-issued identity token.
func (c *Client) LoginWithToken(ctx context.Context, identityToken string) (*Account, error) {
	acct, err := c.api.LoginWithToken(ctx, identityToken)
	if err != nil {
		return nil, err
	}
	c.adoptAccount(acct)
	return acct, nil
}

// LoginWithUserKey authenticates with the app-managed userkey flow.
func (c *Client) LoginWithUserKey(ctx context.Context, email, userKey, username, avatarURL string) (*Account, error) {
	acct, err := c.api.LoginWithUserKey(ctx, email, userKey, username, avatarURL)
	if err != nil {
		return nil, err
	}
	c.adoptAccount(acct)
	return acct, nil
}

func (c *Client) adoptAccount(acct *Account) {
	c.api.setAuth(acct.Token, acct.Email)
	c.mu.Lock()
	c.account = acct
	c.mu.Unlock()
	c.log.Info().Str("user", acct.Email).Int64("user_id", acct.ID).Msg("Authenticated")
}

// Connect brings up the push channel, subscribes the personal topics, and
// starts the pull scheduler. Requires a prior login.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	acct := c.account
	c.mu.Unlock()
	if acct == nil {
		return fmt.Errorf("not logged in")
	}
	// Personal topics go through the registry so they are replayed after
	// any reconnect or broker relocation.
	c.realtime.Subscribe(acct.Token + "/c")
	c.realtime.Subscribe(acct.Token + "/n")
	clientID := c.cfg.AppID + "_" + acct.Email + "_" + random.String(8)
	if err := c.realtime.Connect(ctx, clientID, acct.Email); err != nil {
		return err
	}
	if err := c.realtime.PublishPresence(acct.Email, true); err != nil {
		c.log.Warn().Err(err).Msg("Failed to publish initial presence")
	}
	c.sched.Start()
	return nil
}

// Disconnect announces the user offline, closes the push channel, and stops
// the pull scheduler.
func (c *Client) Disconnect() {
	c.mu.Lock()
	acct := c.account
	c.mu.Unlock()
	if acct != nil {
		if err := c.realtime.PublishPresence(acct.Email, false); err != nil {
			c.log.Debug().Err(err).Msg("Offline presence not published, relying on last-will")
		}
		// Balance the references Connect took, so repeated disconnect and
		// connect cycles don't pin the personal topics in the registry.
		c.realtime.Unsubscribe(acct.Token + "/c")
		c.realtime.Unsubscribe(acct.Token + "/n")
	}
	c.realtime.Disconnect()
	c.sched.Stop()
}

// StopSync force-disables the pull loops. Takes effect on the next tick; an
// in-flight fetch completes and merges normally.
func (c *Client) StopSync() {
	c.mu.Lock()
	c.syncDisabled = true
	c.mu.Unlock()
}

// ResumeSync re-enables the pull loops.
func (c *Client) ResumeSync() {
	c.mu.Lock()
	c.syncDisabled = false
	c.mu.Unlock()
}

// ForceSyncInterval pins the scheduler to the short interval even while the
// push channel is healthy.
func (c *Client) ForceSyncInterval(forced bool) {
	c.sched.SetForced(forced)
}

func (c *Client) syncEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account != nil && !c.syncDisabled
}

// --- pull channel tasks -------------------------------------------------

func (c *Client) syncMessages(ctx context.Context) {
	// The watermark is copied while mu is held; the account's fields are
	// written under the same lock by the merge paths.
	c.mu.Lock()
	loggedIn := c.account != nil
	var since int64
	if loggedIn {
		since = c.account.LastMessageID
	}
	c.mu.Unlock()
	if !loggedIn {
		return
	}
	msgs, cursor, err := c.api.Sync(ctx, since, c.cfg.SyncBatchSize)
	if err != nil {
		// Cursor untouched; the next tick retries the same range.
		c.log.Warn().Err(err).Msg("Message sync failed")
		return
	}
	if len(msgs) > 0 {
		sortByTimestamp(msgs)
		if err := c.handleMessageBatch(msgs); err != nil {
			c.log.Error().Err(err).Msg("Inbound interceptor rejected sync batch")
			return
		}
	}
	c.advanceMessageWatermark(cursor)
}

func (c *Client) syncEvents(ctx context.Context) {
	c.mu.Lock()
	loggedIn := c.account != nil
	var since int64
	if loggedIn {
		since = c.account.LastSyncEventID
	}
	c.mu.Unlock()
	if !loggedIn {
		return
	}
	records, err := c.api.SyncEvent(ctx, since)
	if err != nil {
		c.log.Warn().Err(err).Msg("Event sync failed")
		return
	}
	var maxID int64
	for _, rec := range records {
		if rec.ID > maxID {
			maxID = rec.ID
		}
		ev, ok := decodeSyncEvent(rec)
		if !ok {
			c.log.Debug().Int64("event_id", rec.ID).Str("action_topic", rec.ActionTopic).
				Msg("Skipping unconsumable sync event")
			continue
		}
		c.applySyncEvent(ev)
	}
	// The cursor tracks the highest id seen, independent of whether every
	// event type was consumable.
	c.advanceEventWatermark(maxID)
}

func (c *Client) applySyncEvent(ev SyncEvent) {
	switch ev.Kind {
	case SyncEventDelivered:
		c.applyReceipt(ev.RoomID, ev.ActorEmail, ev.Receipt, false)
	case SyncEventRead:
		c.applyReceipt(ev.RoomID, ev.ActorEmail, ev.Receipt, true)
	case SyncEventMessageDeleted:
		c.applyDeletions(ev.DeletedMessages)
	case SyncEventRoomCleared:
		c.applyClears(ev.ClearedRoomIDs)
	}
}

func (c *Client) advanceMessageWatermark(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account != nil && id > c.account.LastMessageID {
		c.account.LastMessageID = id
	}
}

func (c *Client) advanceEventWatermark(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account != nil && id > c.account.LastSyncEventID {
		c.account.LastSyncEventID = id
	}
}

// Synchronize runs one explicit message-sync pass. lastMessageID zero means
// "from the current watermark". Returns the fetched batch.
func (c *Client) Synchronize(ctx context.Context, lastMessageID int64) ([]*Message, error) {
	if lastMessageID == 0 {
		c.mu.Lock()
		if c.account != nil {
			lastMessageID = c.account.LastMessageID
		}
		c.mu.Unlock()
	}
	msgs, cursor, err := c.api.Sync(ctx, lastMessageID, c.cfg.SyncBatchSize)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		sortByTimestamp(msgs)
		if err := c.handleMessageBatch(msgs); err != nil {
			return nil, err
		}
	}
	c.advanceMessageWatermark(cursor)
	return msgs, nil
}

// SynchronizeEvent runs one explicit event-sync pass from the given event
// id (zero means current watermark).
func (c *Client) SynchronizeEvent(ctx context.Context, lastEventID int64) error {
	if lastEventID == 0 {
		c.mu.Lock()
		if c.account != nil {
			lastEventID = c.account.LastSyncEventID
		}
		c.mu.Unlock()
	}
	records, err := c.api.SyncEvent(ctx, lastEventID)
	if err != nil {
		return err
	}
	var maxID int64
	for _, rec := range records {
		if rec.ID > maxID {
			maxID = rec.ID
		}
		if ev, ok := decodeSyncEvent(rec); ok {
			c.applySyncEvent(ev)
		}
	}
	c.advanceEventWatermark(maxID)
	return nil
}

// --- push channel dispatch ----------------------------------------------

func (c *Client) handleFrame(topicStr, payload string) {
	route, ok := topic.Match(topicStr)
	if !ok {
		// Not an error: unknown topics are logged and dropped.
		c.log.Debug().Str("topic", topicStr).Msg("Dropping unmatched topic")
		return
	}
	switch route.Kind {
	case topic.RouteMessage, topic.RouteChannelMessage:
		msg, err := decodeComment([]byte(payload))
		if err != nil {
			c.log.Warn().Err(err).Str("topic", topicStr).Msg("Failed to decode message frame")
			return
		}
		if route.Kind == topic.RouteChannelMessage {
			msg.RoomType = RoomChannel
		}
		if err := c.handleMessageBatch([]*Message{msg}); err != nil {
			c.log.Error().Err(err).Str("topic", topicStr).Msg("Inbound interceptor rejected message")
		}
	case topic.RouteNotification:
		n, err := topic.ParseNotification([]byte(payload))
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode notification frame")
			return
		}
		c.applyDeletions(n.DeletedMessages)
		c.applyClears(n.ClearedRoomIDs)
	case topic.RouteTyping:
		isTyping, err := topic.ParseTyping(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode typing frame")
			return
		}
		c.handleTyping(route.RoomID, route.UserID, isTyping)
	case topic.RouteDeliveryReceipt, topic.RouteReadReceipt:
		rcpt, err := topic.ParseReceipt(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode receipt frame")
			return
		}
		c.applyReceipt(route.RoomID, route.UserID, rcpt, route.Kind == topic.RouteReadReceipt)
	case topic.RoutePresence:
		p, err := topic.ParsePresence(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode presence frame")
			return
		}
		ev := PresenceEvent{Email: route.UserID, Online: p.Online}
		if p.Online {
			ev.Since = p.Since.UnixMilli()
		}
		c.presence.emit(ev)
	case topic.RouteCustomEvent:
		ev, err := topic.ParseCustomEvent([]byte(payload))
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode custom event frame")
			return
		}
		c.customMu.Lock()
		handler := c.customHandlers[route.RoomID]
		c.customMu.Unlock()
		if handler != nil {
			handler(route.RoomID, ev.Sender, ev.Data)
		}
	}
}

func (c *Client) handleTyping(roomID int64, email string, isTyping bool) {
	c.mu.Lock()
	active := c.activeRoomID
	self := ""
	if c.account != nil {
		self = c.account.Email
	}
	c.mu.Unlock()
	// Live typing indication is an active-room-only side effect.
	if roomID != active || email == self {
		return
	}
	c.typing.emit(TypingEvent{RoomID: roomID, Email: email, Typing: isTyping})
}

type ackIntent struct {
	kind      AckKind
	roomID    int64
	messageID int64
	uniqueID  string
}

// handleMessageBatch is the single merge point for inbound messages from
// both channels. Push and pull may legitimately deliver the same batch;
// comparing lead unique ids suppresses the exact re-delivery, and the
// per-message upsert absorbs anything subtler.
func (c *Client) handleMessageBatch(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out, err := c.hooks.Trigger(HookBeforeReceived, msgs)
	if err != nil {
		return err
	}
	msgs, ok := out.([]*Message)
	if !ok {
		return fmt.Errorf("before-received interceptor returned %T, want []*chat.Message", out)
	}
	if len(msgs) == 0 {
		return nil
	}

	c.mu.Lock()
	lead := msgs[0].UniqueID
	if lead != "" && lead == c.lastBatchLead {
		c.mu.Unlock()
		return nil
	}
	c.lastBatchLead = lead

	self := ""
	if c.account != nil {
		self = c.account.Email
	}
	active := c.activeRoomID
	var fresh []*Message
	var acks []ackIntent
	for _, m := range msgs {
		isNew := true
		if room := c.rooms[m.RoomID]; room != nil {
			isNew = room.UpsertMessage(m)
			if isNew && m.Email != self && m.RoomID != active {
				room.UnreadCount++
			}
		}
		if c.account != nil && m.ID > c.account.LastMessageID {
			c.account.LastMessageID = m.ID
		}
		if isNew {
			fresh = append(fresh, m)
		}
		if m.Email == self || m.ID <= 0 || c.roomIsChannelLocked(m) {
			continue
		}
		acks = append(acks, ackIntent{kind: AckReceived, roomID: m.RoomID, messageID: m.ID, uniqueID: m.UniqueID})
		if m.RoomID == active {
			acks = append(acks, ackIntent{kind: AckRead, roomID: m.RoomID, messageID: m.ID, uniqueID: m.UniqueID})
		}
	}
	c.mu.Unlock()

	for _, m := range fresh {
		c.newMessage.emit(m)
	}
	for _, ack := range acks {
		if c.throttle.Allow(ack.kind) {
			go c.sendAck(ack)
		}
	}
	return nil
}

// roomIsChannelLocked reports whether the message belongs to a broadcast
// channel, for which acknowledgements are never sent. Callers hold mu.
func (c *Client) roomIsChannelLocked(m *Message) bool {
	if m.RoomType == RoomChannel {
		return true
	}
	room := c.rooms[m.RoomID]
	return room != nil && room.Type == RoomChannel
}

func (c *Client) sendAck(ack ackIntent) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var lastRead, lastReceived int64
	if ack.kind == AckRead {
		lastRead = ack.messageID
	} else {
		lastReceived = ack.messageID
	}
	if err := c.api.UpdateStatus(ctx, ack.roomID, lastRead, lastReceived); err != nil {
		c.log.Warn().Err(err).Int64("room_id", ack.roomID).Msg("Failed to report receipt")
		return
	}
	c.mu.Lock()
	self := ""
	if c.account != nil {
		self = c.account.Email
	}
	c.mu.Unlock()
	// Best effort: peers on the push channel see the receipt without
	// waiting for their next event-sync tick.
	if err := c.realtime.PublishReceipt(ack.roomID, self, ack.kind, ack.messageID, ack.uniqueID); err != nil {
		c.log.Debug().Err(err).Msg("Receipt not published on push channel")
	}
}

func (c *Client) applyReceipt(roomID int64, actor string, rcpt topic.Receipt, isRead bool) {
	c.mu.Lock()
	self := ""
	if c.account != nil {
		self = c.account.Email
	}
	var changed []*Message
	if room := c.rooms[roomID]; room != nil {
		if isRead {
			changed = markRead(room, actor, self, rcpt)
		} else {
			changed = markDelivered(room, actor, self, rcpt)
		}
	}
	c.mu.Unlock()
	// One notification per actual promotion, never for no-op passes. A
	// read receipt can complete only the delivered aggregate, so routing
	// follows the status each message reached, not the receipt kind.
	for _, m := range changed {
		ev := StatusEvent{RoomID: roomID, Message: m, Status: m.Status}
		if m.Status == StatusRead {
			c.read.emit(ev)
		} else {
			c.delivered.emit(ev)
		}
	}
}

func (c *Client) applyDeletions(dels []topic.DeletedMessages) {
	for _, del := range dels {
		c.mu.Lock()
		if room := c.rooms[del.RoomID]; room != nil {
			room.RemoveMessages(del.UniqueIDs)
		}
		c.mu.Unlock()
		c.messagesDeleted.emit(MessagesDeletedEvent{RoomID: del.RoomID, UniqueIDs: del.UniqueIDs})
	}
}

func (c *Client) applyClears(roomIDs []int64) {
	for _, id := range roomIDs {
		c.mu.Lock()
		if room := c.rooms[id]; room != nil {
			room.ClearMessages()
		}
		c.mu.Unlock()
		c.roomCleared.emit(id)
	}
}

// --- caller-facing surface ----------------------------------------------

// SendRequest describes an outbound message.
type SendRequest struct {
	RoomID   int64
	Text     string
	Type     string // defaults to "text"
	Payload  map[string]any
	Extras   map[string]any
	UniqueID string // idempotency key, generated when empty
}

// SendMessage posts a message: optimistic insert as Sending, then the
// server round trip swaps in the assigned id and promotes to Sent, or
// marks Failed. A Failed message is only retried via ResendMessage.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	c.mu.Lock()
	acct := c.account
	c.mu.Unlock()
	if acct == nil {
		return nil, fmt.Errorf("not logged in")
	}
	if req.Type == "" {
		req.Type = "text"
	}
	uniqueID := req.UniqueID
	if uniqueID == "" {
		uniqueID = "go_" + random.String(20)
	}
	msg := &Message{
		ID:        -time.Now().UnixMilli(), // placeholder until the server assigns one
		UniqueID:  uniqueID,
		RoomID:    req.RoomID,
		UserID:    acct.ID,
		Email:     acct.Email,
		Username:  acct.Username,
		Type:      req.Type,
		Text:      req.Text,
		Payload:   req.Payload,
		Extras:    req.Extras,
		Timestamp: nowMilli(),
		Status:    StatusSending,
	}
	out, err := c.hooks.Trigger(HookBeforeSend, msg)
	if err != nil {
		return nil, err
	}
	msg, ok := out.(*Message)
	if !ok {
		return nil, fmt.Errorf("before-send interceptor returned %T, want *chat.Message", out)
	}

	c.mu.Lock()
	if room := c.rooms[msg.RoomID]; room != nil {
		room.UpsertMessage(msg)
	}
	c.mu.Unlock()

	return c.postMessage(ctx, msg)
}

// ResendMessage re-enters Sending for a previously Failed message and
// retries the post with the same unique id.
func (c *Client) ResendMessage(ctx context.Context, roomID int64, uniqueID string) (*Message, error) {
	c.mu.Lock()
	room := c.rooms[roomID]
	var msg *Message
	if room != nil {
		msg = room.FindMessage(0, uniqueID)
	}
	if msg == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("no message %q in room %d", uniqueID, roomID)
	}
	if msg.Status != StatusFailed {
		c.mu.Unlock()
		return nil, fmt.Errorf("message %q is %s, only failed messages can be resent", uniqueID, msg.Status)
	}
	msg.Status = StatusSending
	c.mu.Unlock()
	return c.postMessage(ctx, msg)
}

func (c *Client) postMessage(ctx context.Context, msg *Message) (*Message, error) {
	sent, err := c.api.PostComment(ctx, msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		msg.Status = StatusFailed
		return msg, fmt.Errorf("post failed: %w", err)
	}
	msg.ID = sent.ID
	msg.PrevID = sent.PrevID
	if !sent.Timestamp.IsZero() {
		msg.Timestamp = sent.Timestamp
	}
	if !msg.Status.atLeast(StatusSent) {
		msg.Status = StatusSent
	}
	if c.account != nil && sent.ID > c.account.LastMessageID {
		c.account.LastMessageID = sent.ID
	}
	if room := c.rooms[msg.RoomID]; room != nil {
		room.sortMessages()
	}
	return msg, nil
}

// MarkAsDelivered reports the local user's delivery watermark for a room.
// Subject to the acknowledgement throttle; never emitted for broadcast
// channels.
func (c *Client) MarkAsDelivered(ctx context.Context, roomID, messageID int64) error {
	return c.markAs(ctx, AckReceived, roomID, messageID)
}

// MarkAsRead reports the local user's read watermark for a room. Subject to
// the acknowledgement throttle; never emitted for broadcast channels.
func (c *Client) MarkAsRead(ctx context.Context, roomID, messageID int64) error {
	return c.markAs(ctx, AckRead, roomID, messageID)
}

func (c *Client) markAs(ctx context.Context, kind AckKind, roomID, messageID int64) error {
	c.mu.Lock()
	self := ""
	if c.account != nil {
		self = c.account.Email
	}
	room := c.rooms[roomID]
	c.mu.Unlock()
	if room != nil && room.Type == RoomChannel {
		return nil
	}
	if !c.throttle.Allow(kind) {
		return nil
	}
	var lastRead, lastReceived int64
	if kind == AckRead {
		lastRead = messageID
	} else {
		lastReceived = messageID
	}
	if err := c.api.UpdateStatus(ctx, roomID, lastRead, lastReceived); err != nil {
		return err
	}
	if err := c.realtime.PublishReceipt(roomID, self, kind, messageID, ""); err != nil {
		c.log.Debug().Err(err).Msg("Receipt not published on push channel")
	}
	return nil
}

// GetMessages pages a room's history backwards and merges it into the local
// room if loaded.
func (c *Client) GetMessages(ctx context.Context, roomID, lastMessageID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = c.cfg.SyncBatchSize
	}
	msgs, err := c.api.LoadComments(ctx, roomID, lastMessageID, limit)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if room := c.rooms[roomID]; room != nil {
		for _, m := range msgs {
			room.UpsertMessage(m)
		}
	}
	c.mu.Unlock()
	return msgs, nil
}

// ChatRoom loads a room with participants and history, registers it
// locally, subscribes its live topics, and makes it the active room.
func (c *Client) ChatRoom(ctx context.Context, roomID int64) (*Room, error) {
	room, err := c.api.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	c.enterRoom(room)
	return room, nil
}

// ChatUser opens (or creates) the 1-on-1 room with the target user and
// makes it active.
func (c *Client) ChatUser(ctx context.Context, targetEmail string) (*Room, error) {
	room, err := c.api.GetOrCreateRoomWithTarget(ctx, targetEmail)
	if err != nil {
		return nil, err
	}
	c.enterRoom(room)
	return room, nil
}

func (c *Client) enterRoom(room *Room) {
	c.mu.Lock()
	var prevRoom *Room
	if prev := c.activeRoomID; prev != 0 && prev != room.ID {
		prevRoom = c.rooms[prev]
	}
	if existing := c.rooms[room.ID]; existing != nil {
		// Keep locally known messages the fetch didn't return.
		for _, m := range existing.Messages {
			room.UpsertMessage(m)
		}
	}
	c.rooms[room.ID] = room
	c.activeRoomID = room.ID
	room.UnreadCount = 0
	c.mu.Unlock()
	// The previous room's live topics depend on its kind: channels hold a
	// broadcast topic, everything else the typing/receipt set.
	if prevRoom != nil {
		if prevRoom.Type == RoomChannel {
			c.realtime.UnsubscribeChannel(c.cfg.AppID, prevRoom.UniqueID)
		} else {
			c.realtime.UnsubscribeRoom(prevRoom.ID)
		}
	}
	if room.Type == RoomChannel {
		c.realtime.SubscribeChannel(c.cfg.AppID, room.UniqueID)
	} else {
		c.realtime.SubscribeRoom(room.ID)
	}
}

// ExitRoom clears the active room and drops its live topics.
func (c *Client) ExitRoom() {
	c.mu.Lock()
	id := c.activeRoomID
	var room *Room
	if id != 0 {
		room = c.rooms[id]
	}
	c.activeRoomID = 0
	c.mu.Unlock()
	if room == nil {
		return
	}
	if room.Type == RoomChannel {
		c.realtime.UnsubscribeChannel(c.cfg.AppID, room.UniqueID)
	} else {
		c.realtime.UnsubscribeRoom(id)
	}
}

// Room returns the locally loaded room, or nil.
func (c *Client) Room(roomID int64) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

// CreateGroupRoom creates a group room on the backend and registers it
// locally.
func (c *Client) CreateGroupRoom(ctx context.Context, name string, participantEmails []string, avatarURL string) (*Room, error) {
	room, err := c.api.CreateRoom(ctx, name, participantEmails, avatarURL)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rooms[room.ID] = room
	c.mu.Unlock()
	return room, nil
}

// UpdateRoom updates a room's name, avatar, or options.
func (c *Client) UpdateRoom(ctx context.Context, roomID int64, name, avatarURL string, options map[string]any) (*Room, error) {
	room, err := c.api.UpdateRoom(ctx, roomID, name, avatarURL, options)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if existing := c.rooms[roomID]; existing != nil {
		existing.Name = room.Name
		existing.AvatarURL = room.AvatarURL
		existing.Options = room.Options
		room = existing
	} else {
		c.rooms[room.ID] = room
	}
	c.mu.Unlock()
	return room, nil
}

// GetParticipants fetches and refreshes a room's member list.
func (c *Client) GetParticipants(ctx context.Context, roomUniqueID string) ([]*Participant, error) {
	participants, err := c.api.GetParticipants(ctx, roomUniqueID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	for _, room := range c.rooms {
		if room.UniqueID == roomUniqueID {
			room.Participants = participants
			break
		}
	}
	c.mu.Unlock()
	return participants, nil
}

// UploadFile uploads a file and returns its public URL, for use in
// file_attachment payloads.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (string, error) {
	return c.api.UploadFile(ctx, filename, content)
}

// PublishTyping announces the local user typing in a room.
func (c *Client) PublishTyping(roomID int64, isTyping bool) error {
	c.mu.Lock()
	acct := c.account
	c.mu.Unlock()
	if acct == nil {
		return fmt.Errorf("not logged in")
	}
	return c.realtime.PublishTyping(roomID, acct.Email, isTyping)
}

// PublishCustomEvent publishes an application-defined event to a room.
func (c *Client) PublishCustomEvent(roomID int64, data []byte) error {
	c.mu.Lock()
	acct := c.account
	c.mu.Unlock()
	if acct == nil {
		return fmt.Errorf("not logged in")
	}
	return c.realtime.PublishCustomEvent(roomID, acct.Email, data)
}

// SubscribeCustomEvent routes a room's application events to handler.
// One handler per room; subscribing again replaces it.
func (c *Client) SubscribeCustomEvent(roomID int64, handler CustomEventHandler) {
	c.customMu.Lock()
	c.customHandlers[roomID] = handler
	c.customMu.Unlock()
	c.realtime.SubscribeCustomEvent(roomID)
}

// UnsubscribeCustomEvent stops routing a room's application events.
func (c *Client) UnsubscribeCustomEvent(roomID int64) {
	c.customMu.Lock()
	delete(c.customHandlers, roomID)
	c.customMu.Unlock()
	c.realtime.UnsubscribeCustomEvent(roomID)
}

// Intercept registers a hook at the end of the stage's chain and returns a
// deregistration handle.
func (c *Client) Intercept(stage HookStage, fn HookFunc) func() {
	return c.hooks.Intercept(stage, fn)
}

// OnNewMessage registers an observer for messages merged into local state.
func (c *Client) OnNewMessage(fn func(*Message)) func() { return c.newMessage.subscribe(fn) }

// OnMessageDelivered registers an observer for delivered promotions.
func (c *Client) OnMessageDelivered(fn func(StatusEvent)) func() { return c.delivered.subscribe(fn) }

// OnMessageRead registers an observer for read promotions.
func (c *Client) OnMessageRead(fn func(StatusEvent)) func() { return c.read.subscribe(fn) }

// OnMessagesDeleted registers an observer for backend message deletions.
func (c *Client) OnMessagesDeleted(fn func(MessagesDeletedEvent)) func() {
	return c.messagesDeleted.subscribe(fn)
}

// OnRoomCleared registers an observer for room clears.
func (c *Client) OnRoomCleared(fn func(int64)) func() { return c.roomCleared.subscribe(fn) }

// OnTyping registers an observer for typing in the active room.
func (c *Client) OnTyping(fn func(TypingEvent)) func() { return c.typing.subscribe(fn) }

// OnPresence registers an observer for watched users' presence.
func (c *Client) OnPresence(fn func(PresenceEvent)) func() { return c.presence.subscribe(fn) }

func sortByTimestamp(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp.Time) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp.Time)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
