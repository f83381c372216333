// Copyright 2024-2026 Aiku AI

package chat

import (
	"fmt"
	"sync"
)

// HookStage names a point in the message path where caller-installed
// interceptors run.
type HookStage string

const (
	// HookBeforeSend runs on the outbound path. The payload is the
	// *Message about to be posted.
	HookBeforeSend HookStage = "before-send"
	// HookBeforeReceived runs on the inbound path, for both the push and
	// pull channels. The payload is the []*Message batch being merged.
	HookBeforeReceived HookStage = "before-received"
)

// HookFunc transforms a pipeline payload. Returning an error aborts the
// chain; the error propagates to whoever triggered the send or receive.
type HookFunc func(payload any) (any, error)

type hookEntry struct {
	key int
	fn  HookFunc
}

// Hooks is an ordered interceptor pipeline with two stages. With no
// registrations Trigger is the identity.
type Hooks struct {
	mu     sync.Mutex
	seq    int
	chains map[HookStage][]hookEntry
}

// Intercept registers fn at the end of the stage's chain and returns a
// deregistration handle.
func (h *Hooks) Intercept(stage HookStage, fn HookFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chains == nil {
		h.chains = make(map[HookStage][]hookEntry)
	}
	key := h.seq
	h.seq++
	h.chains[stage] = append(h.chains[stage], hookEntry{key: key, fn: fn})
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		chain := h.chains[stage]
		for i, entry := range chain {
			if entry.key == key {
				h.chains[stage] = append(chain[:i], chain[i+1:]...)
				return
			}
		}
	}
}

// Trigger threads payload through the stage's chain in registration order,
// each interceptor consuming the previous one's output.
func (h *Hooks) Trigger(stage HookStage, payload any) (any, error) {
	h.mu.Lock()
	chain := make([]hookEntry, len(h.chains[stage]))
	copy(chain, h.chains[stage])
	h.mu.Unlock()
	var err error
	for _, entry := range chain {
		payload, err = entry.fn(payload)
		if err != nil {
			return nil, fmt.Errorf("%s interceptor: %w", stage, err)
		}
	}
	return payload, nil
}
