// Copyright 2024-2026 Aiku AI

package chat

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.mau.fi/util/jsontime"
)

// Status is the delivery state of a message. Exactly one holds at a time.
type Status int

const (
	StatusFailed Status = iota - 1
	StatusSending
	StatusSent
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// atLeast reports whether s is already at or past other in the promotion
// order. Receipt reconciliation never moves a message backwards.
func (s Status) atLeast(other Status) bool {
	return s >= other
}

// Account is the locally authenticated user plus the engine's two sync
// watermarks. The watermarks only ever advance; they are mutated exclusively
// by the Client.
type Account struct {
	ID        int64          `json:"id"`
	Email     string         `json:"email"`
	Username  string         `json:"username"`
	AvatarURL string         `json:"avatar_url"`
	Token     string         `json:"token"`
	Extras    map[string]any `json:"extras"`

	LastMessageID   int64 `json:"last_comment_id"`
	LastSyncEventID int64 `json:"last_sync_event_id"`
}

// Participant is a room member with the per-user receipt watermarks used to
// compute aggregate delivery and read state.
type Participant struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`

	LastReadMessageID     int64 `json:"last_comment_read_id"`
	LastReceivedMessageID int64 `json:"last_comment_received_id"`
}

// RoomType distinguishes direct chats, groups, and broadcast channels.
type RoomType string

const (
	RoomSingle  RoomType = "single"
	RoomGroup   RoomType = "group"
	RoomChannel RoomType = "channel"
)

// Room is a chat room and its locally known messages, kept sorted by
// timestamp after every mutation.
type Room struct {
	ID           int64          `json:"id"`
	UniqueID     string         `json:"unique_id"`
	Name         string         `json:"name"`
	AvatarURL    string         `json:"avatar_url"`
	Type         RoomType       `json:"chat_type"`
	Participants []*Participant `json:"participants"`
	Messages     []*Message     `json:"-"`
	UnreadCount  int            `json:"unread_count"`
	Options      map[string]any `json:"options"`
}

// Message is a single chat message. ID is server-assigned; before the post
// is acknowledged a negative placeholder is used and UniqueID is the only
// stable identity.
type Message struct {
	ID       int64  `json:"id"`
	UniqueID string `json:"unique_id"`
	PrevID   int64  `json:"comment_before_id"`
	RoomID   int64  `json:"room_id"`
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`

	Type    string         `json:"type"`
	Text    string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
	Extras  map[string]any `json:"extras,omitempty"`

	Timestamp jsontime.UnixMilli `json:"timestamp"`
	Status    Status             `json:"status"`

	// RoomType is carried on the wire so channel-broadcast messages can be
	// recognized before their room is loaded locally.
	RoomType RoomType `json:"chat_type,omitempty"`
}

func nowMilli() jsontime.UnixMilli {
	return jsontime.UM(time.Now())
}

// FindParticipant returns the room member with the given email, or nil.
func (r *Room) FindParticipant(email string) *Participant {
	for _, p := range r.Participants {
		if p.Email == email {
			return p
		}
	}
	return nil
}

// FindMessage looks a message up by server id or, failing that, by unique
// id. Either key is accepted because a message keeps its UniqueID identity
// until the server id arrives.
func (r *Room) FindMessage(id int64, uniqueID string) *Message {
	for _, m := range r.Messages {
		if id > 0 && m.ID == id {
			return m
		}
		if uniqueID != "" && m.UniqueID == uniqueID {
			return m
		}
	}
	return nil
}

// UpsertMessage inserts msg into the room's list or merges it into the
// existing entry with the same UniqueID (or server id). Status never
// regresses during a merge, and the list is re-sorted afterwards. Returns
// true if the message was new to the room.
func (r *Room) UpsertMessage(msg *Message) bool {
	existing := r.FindMessage(msg.ID, msg.UniqueID)
	if existing != nil {
		if msg.ID > 0 {
			existing.ID = msg.ID
			existing.PrevID = msg.PrevID
		}
		existing.Text = msg.Text
		existing.Payload = msg.Payload
		existing.Extras = msg.Extras
		if !msg.Timestamp.IsZero() {
			existing.Timestamp = msg.Timestamp
		}
		if !existing.Status.atLeast(msg.Status) {
			existing.Status = msg.Status
		}
		r.sortMessages()
		return false
	}
	r.Messages = append(r.Messages, msg)
	r.sortMessages()
	return true
}

// RemoveMessages deletes the messages with the given unique ids. Returns
// the unique ids actually removed.
func (r *Room) RemoveMessages(uniqueIDs []string) []string {
	drop := make(map[string]bool, len(uniqueIDs))
	for _, id := range uniqueIDs {
		drop[id] = true
	}
	var removed []string
	kept := r.Messages[:0]
	for _, m := range r.Messages {
		if drop[m.UniqueID] {
			removed = append(removed, m.UniqueID)
			continue
		}
		kept = append(kept, m)
	}
	r.Messages = kept
	return removed
}

// ClearMessages empties the room's message list.
func (r *Room) ClearMessages() {
	r.Messages = nil
	r.UnreadCount = 0
}

func (r *Room) sortMessages() {
	sort.SliceStable(r.Messages, func(i, j int) bool {
		a, b := r.Messages[i], r.Messages[j]
		if !a.Timestamp.Equal(b.Timestamp.Time) {
			return a.Timestamp.Before(b.Timestamp.Time)
		}
		return a.ID < b.ID
	})
}

// wireComment is the backend's JSON envelope for a message, shared by the
// push topics and the pull sync endpoints.
type wireComment struct {
	ID                int64          `json:"id"`
	CommentBeforeID   int64          `json:"comment_before_id"`
	Message           string         `json:"message"`
	Username          string         `json:"username"`
	Email             string         `json:"email"`
	UserID            int64          `json:"user_id"`
	RoomID            int64          `json:"room_id"`
	RoomName          string         `json:"room_name"`
	ChatType          string         `json:"chat_type"`
	UniqueTempID      string         `json:"unique_temp_id"`
	UniqueID          string         `json:"unique_id"`
	Type              string         `json:"type"`
	Payload           map[string]any `json:"payload"`
	Extras            map[string]any `json:"extras"`
	UnixNanoTimestamp int64          `json:"unix_nano_timestamp"`
	Status            string         `json:"status"`
}

func (w *wireComment) toMessage() *Message {
	uniqueID := w.UniqueID
	if uniqueID == "" {
		uniqueID = w.UniqueTempID
	}
	status := StatusSent
	switch w.Status {
	case "delivered":
		status = StatusDelivered
	case "read":
		status = StatusRead
	}
	msgType := w.Type
	if msgType == "" {
		msgType = "text"
	}
	return &Message{
		ID:        w.ID,
		UniqueID:  uniqueID,
		PrevID:    w.CommentBeforeID,
		RoomID:    w.RoomID,
		UserID:    w.UserID,
		Email:     w.Email,
		Username:  w.Username,
		Type:      msgType,
		Text:      w.Message,
		Payload:   w.Payload,
		Extras:    w.Extras,
		Timestamp: jsontime.UM(time.Unix(0, w.UnixNanoTimestamp)),
		Status:    status,
		RoomType:  RoomType(w.ChatType),
	}
}

// decodeComment decodes a single wire message envelope, as delivered on the
// message and channel-broadcast topics.
func decodeComment(data []byte) (*Message, error) {
	var wire wireComment
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}
	if wire.ID == 0 && wire.UniqueID == "" && wire.UniqueTempID == "" {
		return nil, fmt.Errorf("message envelope has no id")
	}
	return wire.toMessage(), nil
}
