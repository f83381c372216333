// Copyright 2024-2026 Aiku AI

package chat

import (
	"time"

	"golang.org/x/time/rate"
)

// AckMode controls how outbound delivery/read acknowledgements are emitted.
type AckMode string

const (
	// AckDisabled never emits acknowledgements.
	AckDisabled AckMode = "disabled"
	// AckThrottled rate-limits acknowledgements with a leading-edge window:
	// the first call in a window fires, later calls in the same window are
	// dropped, and the window must fully elapse before the next one fires.
	AckThrottled AckMode = "throttled"
	// AckEnabled emits every acknowledgement immediately.
	AckEnabled AckMode = "enabled"
)

// AckKind distinguishes the two acknowledgement signals. Throttling applies
// to each kind independently.
type AckKind int

const (
	AckReceived AckKind = iota
	AckRead
)

// AckThrottle gates outbound acknowledgements. A burst-1 limiter per kind
// gives the leading-edge semantics: one token, refilled once per window.
type AckThrottle struct {
	mode     AckMode
	limiters map[AckKind]*rate.Limiter
}

// NewAckThrottle builds a throttle for the given mode and window. The window
// is only meaningful in AckThrottled mode.
func NewAckThrottle(mode AckMode, window time.Duration) *AckThrottle {
	t := &AckThrottle{mode: mode}
	if mode == AckThrottled {
		t.limiters = map[AckKind]*rate.Limiter{
			AckReceived: rate.NewLimiter(rate.Every(window), 1),
			AckRead:     rate.NewLimiter(rate.Every(window), 1),
		}
	}
	return t
}

// Allow reports whether an acknowledgement of the given kind may be sent
// now. Dropped calls are not queued.
func (t *AckThrottle) Allow(kind AckKind) bool {
	switch t.mode {
	case AckDisabled:
		return false
	case AckEnabled:
		return true
	default:
		return t.limiters[kind].Allow()
	}
}
