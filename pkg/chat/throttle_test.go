// Copyright 2024-2026 Aiku AI

package chat

import (
	"testing"
	"time"
)

func TestAckThrottle_Disabled(t *testing.T) {
	t.Parallel()
	throttle := NewAckThrottle(AckDisabled, time.Second)
	for i := 0; i < 3; i++ {
		if throttle.Allow(AckRead) {
			t.Fatal("disabled throttle allowed an ack")
		}
	}
}

func TestAckThrottle_Enabled(t *testing.T) {
	t.Parallel()
	throttle := NewAckThrottle(AckEnabled, time.Second)
	for i := 0; i < 3; i++ {
		if !throttle.Allow(AckRead) {
			t.Fatal("enabled throttle dropped an ack")
		}
	}
}

func TestAckThrottle_LeadingEdge(t *testing.T) {
	t.Parallel()
	const window = 50 * time.Millisecond
	throttle := NewAckThrottle(AckThrottled, window)

	if !throttle.Allow(AckRead) {
		t.Fatal("first ack in a window must pass")
	}
	if throttle.Allow(AckRead) {
		t.Fatal("second ack inside the window must be dropped")
	}
	time.Sleep(window + 20*time.Millisecond)
	if !throttle.Allow(AckRead) {
		t.Fatal("ack after the window elapsed must pass")
	}
}

func TestAckThrottle_KindsAreIndependent(t *testing.T) {
	t.Parallel()
	throttle := NewAckThrottle(AckThrottled, time.Minute)
	if !throttle.Allow(AckRead) {
		t.Fatal("first read ack must pass")
	}
	if !throttle.Allow(AckReceived) {
		t.Fatal("spending the read token must not consume the received token")
	}
	if throttle.Allow(AckReceived) {
		t.Fatal("second received ack inside the window must be dropped")
	}
}
