// Copyright 2024-2026 Aiku AI

package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestAPIClient(t *testing.T, handler http.Handler) *apiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &Config{
		AppID:   "test-app",
		BaseURL: srv.URL,
		Log:     zerolog.Nop(),
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatal(err)
	}
	return newAPIClient(cfg)
}

func TestAPIClient_Headers(t *testing.T) {
	t.Parallel()
	var gotHeaders http.Header
	api := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	api.setAuth("secret-token", "me@example.com")

	if err := api.do(context.Background(), http.MethodGet, "/ping", nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		header, want string
	}{
		{"QISCUS-SDK-APP-ID", "test-app"},
		{"QISCUS-SDK-VERSION", sdkVersion},
		{"QISCUS-SDK-TOKEN", "secret-token"},
		{"QISCUS-SDK-USER-EMAIL", "me@example.com"},
	}
	for _, tt := range tests {
		if got := gotHeaders.Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestAPIClient_ErrorStatus(t *testing.T) {
	t.Parallel()
	api := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
	}))
	err := api.do(context.Background(), http.MethodGet, "/ping", nil, nil, nil)
	if err == nil {
		t.Fatal("do() on a 401 should fail")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q should carry the status code", err)
	}
}

func TestAPIClient_LoginWithUserKey(t *testing.T) {
	t.Parallel()
	api := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/sdk/login_or_register" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		if body["email"] != "me@example.com" || body["password"] != "key" {
			t.Errorf("body = %v", body)
		}
		w.Write([]byte(`{"results": {"user": {
			"id": 7, "email": "me@example.com", "username": "Me",
			"token": "tok", "last_comment_id": 880, "last_sync_event_id": 12
		}}}`))
	}))
	account, err := api.LoginWithUserKey(context.Background(), "me@example.com", "key", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if account.ID != 7 || account.Token != "tok" {
		t.Errorf("account = %+v", account)
	}
	if account.LastMessageID != 880 || account.LastSyncEventID != 12 {
		t.Errorf("watermarks = %d/%d, want 880/12", account.LastMessageID, account.LastSyncEventID)
	}
}

func TestAPIClient_LoginWithToken_Expired(t *testing.T) {
	t.Parallel()
	api := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expired token must fail before the request is sent")
	}))
	// Unsigned JWT with exp in the past (2001-09-09).
	b64 := base64.RawURLEncoding.EncodeToString
	token := b64([]byte(`{"alg":"none","typ":"JWT"}`)) + "." +
		b64([]byte(`{"exp":1000000000}`)) + "."
	if _, err := api.LoginWithToken(context.Background(), token); err == nil {
		t.Fatal("LoginWithToken() with an expired token should fail")
	}
	if _, err := api.LoginWithToken(context.Background(), "not-a-jwt"); err == nil {
		t.Fatal("LoginWithToken() with a malformed token should fail")
	}
}

func TestAPIClient_Sync(t *testing.T) {
	t.Parallel()
	api := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("last_received_comment_id"); got != "880" {
			t.Errorf("last_received_comment_id = %q, want 880", got)
		}
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %q, want 20", got)
		}
		w.Write([]byte(`{"results": {
			"comments": [
				{"id": 881, "unique_temp_id": "u-881", "room_id": 42, "message": "first", "unix_nano_timestamp": 1700000001000000000},
				{"id": 882, "unique_temp_id": "u-882", "room_id": 42, "message": "second", "unix_nano_timestamp": 1700000002000000000}
			],
			"meta": {"last_received_comment_id": 885}
		}}`))
	}))
	msgs, cursor, err := api.Sync(context.Background(), 880, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != 881 || msgs[1].Text != "second" {
		t.Errorf("msgs = %+v", msgs)
	}
	// The cursor is the response watermark, not the newest comment id.
	if cursor != 885 {
		t.Errorf("cursor = %d, want 885", cursor)
	}
}

func TestAPIClient_UpdateStatus(t *testing.T) {
	t.Parallel()
	var gotBody map[string]any
	api := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{}`))
	}))
	if err := api.UpdateStatus(context.Background(), 42, 881, 0); err != nil {
		t.Fatal(err)
	}
	if gotBody["room_id"] != "42" {
		t.Errorf("room_id = %v", gotBody["room_id"])
	}
	if gotBody["last_comment_read_id"] != float64(881) {
		t.Errorf("last_comment_read_id = %v, want 881", gotBody["last_comment_read_id"])
	}
	if _, present := gotBody["last_comment_received_id"]; present {
		t.Error("zero received watermark must be omitted")
	}
}

func TestAPIClient_GetRoomByID(t *testing.T) {
	t.Parallel()
	api := newTestAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": {
			"room": {
				"id": 42, "unique_id": "room-42", "name": "Team", "chat_type": "group",
				"participants": [
					{"email": "me@example.com", "last_comment_read_id": 880, "last_comment_received_id": 880},
					{"email": "bob@example.com", "last_comment_read_id": 870, "last_comment_received_id": 879},
					"not-an-object"
				]
			},
			"comments": [
				{"id": 880, "unique_temp_id": "u-880", "room_id": 42, "message": "hi", "unix_nano_timestamp": 1700000000000000000}
			]
		}}`))
	}))
	room, err := api.GetRoomByID(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if room.ID != 42 || room.Type != RoomGroup {
		t.Errorf("room = %+v", room)
	}
	// The undecodable participant entry is skipped, not fatal.
	if len(room.Participants) != 2 {
		t.Fatalf("len(Participants) = %d, want 2", len(room.Participants))
	}
	if bob := room.FindParticipant("bob@example.com"); bob == nil || bob.LastReceivedMessageID != 879 {
		t.Errorf("bob = %+v", bob)
	}
	if len(room.Messages) != 1 || room.Messages[0].ID != 880 {
		t.Errorf("messages = %+v", room.Messages)
	}
}

func TestAPIClient_BrokerLookup(t *testing.T) {
	t.Parallel()
	lb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("QISCUS-SDK-APP-ID"); got != "test-app" {
			t.Errorf("QISCUS-SDK-APP-ID = %q", got)
		}
		w.Write([]byte(`{"data": {"url": "wss://broker-3.example.com/ws"}}`))
	}))
	t.Cleanup(lb.Close)
	api := newTestAPIClient(t, http.NotFoundHandler())

	url, err := api.BrokerLookup(context.Background(), lb.URL)
	if err != nil {
		t.Fatal(err)
	}
	if url != "wss://broker-3.example.com/ws" {
		t.Errorf("BrokerLookup() = %q", url)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"url": ""}}`))
	}))
	t.Cleanup(empty.Close)
	if _, err := api.BrokerLookup(context.Background(), empty.URL); err == nil {
		t.Error("BrokerLookup() with an empty url should fail")
	}
}
