// Copyright 2024-2026 Aiku AI

package topic

import (
	"reflect"
	"testing"
	"time"
)

func TestParseReceipt(t *testing.T) {
	t.Parallel()
	got, err := ParseReceipt("981:go_1234abcd")
	if err != nil {
		t.Fatal(err)
	}
	want := Receipt{MessageID: 981, UniqueID: "go_1234abcd"}
	if got != want {
		t.Errorf("ParseReceipt() = %+v, want %+v", got, want)
	}
	if _, err := ParseReceipt("981"); err == nil {
		t.Error("ParseReceipt() without separator should fail")
	}
	if _, err := ParseReceipt("abc:uid"); err == nil {
		t.Error("ParseReceipt() with non-numeric id should fail")
	}
}

func TestParseTyping(t *testing.T) {
	t.Parallel()
	if got, err := ParseTyping("1"); err != nil || !got {
		t.Errorf("ParseTyping(\"1\") = %v, %v, want true, nil", got, err)
	}
	if got, err := ParseTyping("0"); err != nil || got {
		t.Errorf("ParseTyping(\"0\") = %v, %v, want false, nil", got, err)
	}
	if _, err := ParseTyping("yes"); err == nil {
		t.Error("ParseTyping(\"yes\") should fail")
	}
}

func TestParsePresence(t *testing.T) {
	t.Parallel()
	got, err := ParsePresence("1:1700000000000")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Online {
		t.Error("ParsePresence(\"1:...\") should be online")
	}
	if want := time.UnixMilli(1700000000000); !got.Since.Equal(want) {
		t.Errorf("Since = %v, want %v", got.Since, want)
	}

	got, err = ParsePresence("0")
	if err != nil {
		t.Fatal(err)
	}
	if got.Online {
		t.Error("ParsePresence(\"0\") should be offline")
	}

	for _, payload := range []string{"", "2:123", "1:notmillis", "1"} {
		if _, err := ParsePresence(payload); err == nil {
			t.Errorf("ParsePresence(%q) should fail", payload)
		}
	}
}

func TestParseNotification(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"action_topic": "delete_message",
		"payload": {
			"type": "delete_message",
			"data": {
				"deleted_messages": [
					{"room_id": "77", "message_unique_ids": ["a-1", "a-2"]},
					{"room_id": "78", "message_unique_ids": ["b-1"]}
				],
				"deleted_rooms": [{"id": 90}]
			}
		}
	}`)
	got, err := ParseNotification(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := Notification{
		DeletedMessages: []DeletedMessages{
			{RoomID: 77, UniqueIDs: []string{"a-1", "a-2"}},
			{RoomID: 78, UniqueIDs: []string{"b-1"}},
		},
		ClearedRoomIDs: []int64{90},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseNotification() = %+v, want %+v", got, want)
	}

	if _, err := ParseNotification([]byte(`{"payload": {"data": {"deleted_messages": [{"room_id": "nope"}]}}}`)); err == nil {
		t.Error("ParseNotification() with non-numeric room id should fail")
	}
	if _, err := ParseNotification([]byte(`not json`)); err == nil {
		t.Error("ParseNotification() with bad JSON should fail")
	}
}

func TestParseCustomEvent(t *testing.T) {
	t.Parallel()
	got, err := ParseCustomEvent([]byte(`{"sender": "alice@example.com", "data": {"score": 3}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Sender != "alice@example.com" {
		t.Errorf("Sender = %q, want %q", got.Sender, "alice@example.com")
	}
	if string(got.Data) != `{"score": 3}` {
		t.Errorf("Data = %s, want {\"score\": 3}", got.Data)
	}
}
