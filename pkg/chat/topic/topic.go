// Copyright 2024-2026 Aiku AI

// Package topic classifies broker topic strings into typed routes and decodes
// their payloads. It is pure: nothing here touches the network or the room
// state, so the full protocol table is testable in isolation.
package topic

import (
	"regexp"
	"strconv"
)

// RouteKind identifies the protocol event class a topic belongs to.
type RouteKind int

const (
	RouteMessage RouteKind = iota
	RouteNotification
	RouteTyping
	RouteDeliveryReceipt
	RouteReadReceipt
	RoutePresence
	RouteChannelMessage
	RouteCustomEvent
)

func (k RouteKind) String() string {
	switch k {
	case RouteMessage:
		return "message"
	case RouteNotification:
		return "notification"
	case RouteTyping:
		return "typing"
	case RouteDeliveryReceipt:
		return "delivery_receipt"
	case RouteReadReceipt:
		return "read_receipt"
	case RoutePresence:
		return "presence"
	case RouteChannelMessage:
		return "channel_message"
	case RouteCustomEvent:
		return "custom_event"
	default:
		return "unknown"
	}
}

// Route is the result of matching a topic: the event class plus whatever
// path segments the pattern captured.
type Route struct {
	Kind RouteKind

	Token     string // personal token, message/notification topics
	AppID     string // channel-broadcast topics
	RoomID    int64  // room-scoped topics
	UserID    string // typing/receipt actor, presence subject
	ChannelID string // channel unique id, channel-broadcast topics
}

type pattern struct {
	re    *regexp.Regexp
	build func(m []string) Route
}

// The table is evaluated top-down, first match wins. Room-scoped and
// presence patterns come before the token and channel catch-alls so a
// literal "r" or "u" app id can never shadow them.
var patterns = []pattern{
	{regexp.MustCompile(`^r/(\d+)/(\d+)/([^/]+)/t$`), func(m []string) Route {
		return Route{Kind: RouteTyping, RoomID: atoi(m[1]), UserID: m[3]}
	}},
	{regexp.MustCompile(`^r/(\d+)/(\d+)/([^/]+)/d$`), func(m []string) Route {
		return Route{Kind: RouteDeliveryReceipt, RoomID: atoi(m[1]), UserID: m[3]}
	}},
	{regexp.MustCompile(`^r/(\d+)/(\d+)/([^/]+)/r$`), func(m []string) Route {
		return Route{Kind: RouteReadReceipt, RoomID: atoi(m[1]), UserID: m[3]}
	}},
	{regexp.MustCompile(`^r/(\d+)/(\d+)/e$`), func(m []string) Route {
		return Route{Kind: RouteCustomEvent, RoomID: atoi(m[1])}
	}},
	{regexp.MustCompile(`^u/([^/]+)/s$`), func(m []string) Route {
		return Route{Kind: RoutePresence, UserID: m[1]}
	}},
	{regexp.MustCompile(`^([^/]+)/c$`), func(m []string) Route {
		return Route{Kind: RouteMessage, Token: m[1]}
	}},
	{regexp.MustCompile(`^([^/]+)/n$`), func(m []string) Route {
		return Route{Kind: RouteNotification, Token: m[1]}
	}},
	{regexp.MustCompile(`^([^/]+)/([^/]+)/c$`), func(m []string) Route {
		return Route{Kind: RouteChannelMessage, AppID: m[1], ChannelID: m[2]}
	}},
}

// Match classifies a topic string. ok is false for topics outside the
// protocol table; the caller is expected to log and drop those.
func Match(topic string) (Route, bool) {
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(topic); m != nil {
			return p.build(m), true
		}
	}
	return Route{}, false
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
