// Copyright 2024-2026 Aiku AI

package chat

import "sync"

// observers is a typed handler list. Subscribe returns a disposer, matching
// the observable contract everywhere in the engine. Emission is synchronous
// and happens outside the Client's state lock.
type observers[T any] struct {
	mu   sync.Mutex
	seq  int
	fns  map[int]func(T)
	keys []int
}

func (o *observers[T]) subscribe(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	key := o.seq
	o.seq++
	o.fns[key] = fn
	o.keys = append(o.keys, key)
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, key)
		for i, k := range o.keys {
			if k == key {
				o.keys = append(o.keys[:i], o.keys[i+1:]...)
				break
			}
		}
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	fns := make([]func(T), 0, len(o.keys))
	for _, k := range o.keys {
		if fn, ok := o.fns[k]; ok {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// TypingEvent reports another participant starting or stopping typing in a
// room.
type TypingEvent struct {
	RoomID int64
	Email  string
	Typing bool
}

// PresenceEvent reports a watched user going online or offline.
type PresenceEvent struct {
	Email  string
	Online bool
	Since  int64 // epoch millis, zero when offline
}

// StatusEvent reports a message promotion to delivered or read.
type StatusEvent struct {
	RoomID  int64
	Message *Message
	Status  Status
}

// MessagesDeletedEvent reports messages removed from a room by the backend.
type MessagesDeletedEvent struct {
	RoomID    int64
	UniqueIDs []string
}

// CustomEventHandler receives application-defined room events.
type CustomEventHandler func(roomID int64, sender string, data []byte)
