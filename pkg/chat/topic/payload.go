// Copyright 2024-2026 Aiku AI

package topic

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Receipt is a delivery or read acknowledgement payload. Receipts are
// cumulative: they acknowledge every message up to MessageID, not just the
// one named by UniqueID.
type Receipt struct {
	MessageID int64
	UniqueID  string
}

// ParseReceipt decodes a "<messageId>:<uniqueId>" receipt payload.
func ParseReceipt(payload string) (Receipt, error) {
	id, unique, found := strings.Cut(payload, ":")
	if !found {
		return Receipt{}, fmt.Errorf("receipt payload %q missing separator", payload)
	}
	messageID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt payload %q: bad message id: %w", payload, err)
	}
	return Receipt{MessageID: messageID, UniqueID: unique}, nil
}

// ParseTyping decodes a typing payload: "1" typing, "0" stopped.
func ParseTyping(payload string) (bool, error) {
	switch payload {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("typing payload %q is not 0 or 1", payload)
	}
}

// Presence is a user online/offline payload.
type Presence struct {
	Online bool
	Since  time.Time
}

// ParsePresence decodes a presence payload: "0" offline, "1:<epochMillis>"
// online since the given time.
func ParsePresence(payload string) (Presence, error) {
	if payload == "0" {
		return Presence{}, nil
	}
	state, since, found := strings.Cut(payload, ":")
	if !found || state != "1" {
		return Presence{}, fmt.Errorf("presence payload %q is not 0 or 1:<millis>", payload)
	}
	millis, err := strconv.ParseInt(since, 10, 64)
	if err != nil {
		return Presence{}, fmt.Errorf("presence payload %q: bad timestamp: %w", payload, err)
	}
	return Presence{Online: true, Since: time.UnixMilli(millis)}, nil
}

// DeletedMessages names messages removed from a single room.
type DeletedMessages struct {
	RoomID    int64
	UniqueIDs []string
}

// Notification is a decoded system-notification payload: hard message
// deletions and room clears pushed by the backend.
type Notification struct {
	DeletedMessages []DeletedMessages
	ClearedRoomIDs  []int64
}

type wireNotification struct {
	Payload struct {
		Type string `json:"type"`
		Data struct {
			DeletedMessages []struct {
				RoomID           string   `json:"room_id"`
				MessageUniqueIDs []string `json:"message_unique_ids"`
			} `json:"deleted_messages"`
			DeletedRooms []struct {
				ID int64 `json:"id"`
			} `json:"deleted_rooms"`
		} `json:"data"`
	} `json:"payload"`
}

// ParseNotification decodes a system-notification JSON payload.
func ParseNotification(data []byte) (Notification, error) {
	var wire wireNotification
	if err := json.Unmarshal(data, &wire); err != nil {
		return Notification{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	var n Notification
	for _, dm := range wire.Payload.Data.DeletedMessages {
		roomID, err := strconv.ParseInt(dm.RoomID, 10, 64)
		if err != nil {
			return Notification{}, fmt.Errorf("notification has bad room id %q: %w", dm.RoomID, err)
		}
		n.DeletedMessages = append(n.DeletedMessages, DeletedMessages{
			RoomID:    roomID,
			UniqueIDs: dm.MessageUniqueIDs,
		})
	}
	for _, dr := range wire.Payload.Data.DeletedRooms {
		n.ClearedRoomIDs = append(n.ClearedRoomIDs, dr.ID)
	}
	return n, nil
}

// CustomEvent is a decoded application-defined room event.
type CustomEvent struct {
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data"`
}

// ParseCustomEvent decodes a custom application event payload.
func ParseCustomEvent(data []byte) (CustomEvent, error) {
	var ev CustomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return CustomEvent{}, fmt.Errorf("failed to decode custom event: %w", err)
	}
	return ev, nil
}
