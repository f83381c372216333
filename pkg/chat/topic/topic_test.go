// Copyright 2024-2026 Aiku AI

package topic

import (
	"testing"
)

func TestMatch_Classification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		topic string
		want  Route
	}{
		{
			name:  "direct message",
			topic: "abc123token/c",
			want:  Route{Kind: RouteMessage, Token: "abc123token"},
		},
		{
			name:  "system notification",
			topic: "abc123token/n",
			want:  Route{Kind: RouteNotification, Token: "abc123token"},
		},
		{
			name:  "typing",
			topic: "r/42/42/alice@example.com/t",
			want:  Route{Kind: RouteTyping, RoomID: 42, UserID: "alice@example.com"},
		},
		{
			name:  "delivery receipt",
			topic: "r/42/42/bob@example.com/d",
			want:  Route{Kind: RouteDeliveryReceipt, RoomID: 42, UserID: "bob@example.com"},
		},
		{
			name:  "read receipt",
			topic: "r/42/42/bob@example.com/r",
			want:  Route{Kind: RouteReadReceipt, RoomID: 42, UserID: "bob@example.com"},
		},
		{
			name:  "presence",
			topic: "u/carol@example.com/s",
			want:  Route{Kind: RoutePresence, UserID: "carol@example.com"},
		},
		{
			name:  "channel broadcast",
			topic: "myapp/room-unique-id/c",
			want:  Route{Kind: RouteChannelMessage, AppID: "myapp", ChannelID: "room-unique-id"},
		},
		{
			name:  "custom event",
			topic: "r/42/42/e",
			want:  Route{Kind: RouteCustomEvent, RoomID: 42},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Match(tt.topic)
			if !ok {
				t.Fatalf("Match(%q) did not match", tt.topic)
			}
			if got != tt.want {
				t.Errorf("Match(%q) = %+v, want %+v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestMatch_Unmatched(t *testing.T) {
	t.Parallel()
	for _, topic := range []string{
		"",
		"r/42/t",
		"r/notanumber/notanumber/user/t",
		"u/someone/x",
		"a/b/c/d/e/f",
		"token/c/extra",
	} {
		if route, ok := Match(topic); ok {
			t.Errorf("Match(%q) = %+v, want no match", topic, route)
		}
	}
}

func TestMatch_RoomPatternsShadowChannelCatchAll(t *testing.T) {
	t.Parallel()
	// A wildcard typing subscription's concrete topics start with r/ and
	// must never classify as a channel broadcast even though "r/x/c" has
	// the channel shape.
	got, ok := Match("r/7/7/someone@example.com/t")
	if !ok || got.Kind != RouteTyping {
		t.Fatalf("got %+v ok=%v, want typing route", got, ok)
	}
	// Two-segment r/ topics do fall through to the channel pattern; the
	// table order makes that explicit.
	got, ok = Match("r/anything/c")
	if !ok || got.Kind != RouteChannelMessage {
		t.Fatalf("got %+v ok=%v, want channel route", got, ok)
	}
}

func TestRouteKind_String(t *testing.T) {
	t.Parallel()
	if got := RouteDeliveryReceipt.String(); got != "delivery_receipt" {
		t.Errorf("String() = %q, want %q", got, "delivery_receipt")
	}
	if got := RouteKind(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want %q", got, "unknown")
	}
}
