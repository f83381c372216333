// Copyright 2024-2026 Aiku AI

package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatcore/pkg/chat/topic"
)

// IntervalPolicy decides the pull cadence from the push channel's state.
// The short interval covers the gap while push is down (or a caller forced
// sync on); the long one avoids redundant traffic once push is confirmed up.
type IntervalPolicy struct {
	Disconnected time.Duration
	Connected    time.Duration
}

// Current returns the interval for the next tick. Evaluated fresh every
// tick, never cached.
func (p IntervalPolicy) Current(pushConnected, forced bool) time.Duration {
	if !pushConnected || forced {
		return p.Disconnected
	}
	return p.Connected
}

// Scheduler runs the two pull loops: message sync and event sync. Each loop
// independently re-reads the interval and the enablement flag on every
// tick, runs its task, and goes back to sleep. Stop takes effect on the
// next tick; an in-flight task completes and its result is merged normally.
type Scheduler struct {
	log    zerolog.Logger
	policy IntervalPolicy

	pushConnected func() bool
	enabled       func() bool
	syncMessages  func(ctx context.Context)
	syncEvents    func(ctx context.Context)

	mu      sync.Mutex
	forced  bool
	running bool
	stop    chan struct{}

	kickMessages chan struct{}
	kickEvents   chan struct{}
}

func newScheduler(cfg *Config, pushConnected, enabled func() bool, syncMessages, syncEvents func(ctx context.Context)) *Scheduler {
	return &Scheduler{
		log: cfg.Log.With().Str("component", "sync").Logger(),
		policy: IntervalPolicy{
			Disconnected: cfg.syncInterval,
			Connected:    cfg.syncIntervalConnected,
		},
		pushConnected: pushConnected,
		enabled:       enabled,
		syncMessages:  syncMessages,
		syncEvents:    syncEvents,
		kickMessages:  make(chan struct{}, 1),
		kickEvents:    make(chan struct{}, 1),
	}
}

// Start launches both loops. A running scheduler is left alone; calling
// Start after Stop brings the loops back, so a disconnect/reconnect cycle
// restores the pull channel.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()
	go s.loop("message", s.kickMessages, s.syncMessages, stop)
	go s.loop("event", s.kickEvents, s.syncEvents, stop)
}

// Stop shuts both loops down. Idempotent; Start restarts them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
}

// Force triggers both loops immediately, used after every push connect
// because the gap since disconnect can't be assumed covered.
func (s *Scheduler) Force() {
	select {
	case s.kickMessages <- struct{}{}:
	default:
	}
	select {
	case s.kickEvents <- struct{}{}:
	default:
	}
}

// SetForced pins the scheduler to the short interval regardless of push
// state.
func (s *Scheduler) SetForced(forced bool) {
	s.mu.Lock()
	s.forced = forced
	s.mu.Unlock()
}

func (s *Scheduler) isForced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// Interval reports the cadence the next tick will use.
func (s *Scheduler) Interval() time.Duration {
	return s.policy.Current(s.pushConnected(), s.isForced())
}

func (s *Scheduler) loop(name string, kick chan struct{}, task func(ctx context.Context), stop chan struct{}) {
	for {
		timer := time.NewTimer(s.Interval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-kick:
			timer.Stop()
		case <-timer.C:
		}
		// Authentication and force-disable can change between ticks, so
		// enablement is checked fresh here rather than when the loop
		// started.
		if !s.enabled() {
			continue
		}
		s.log.Trace().Str("loop", name).Msg("Sync tick")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		task(ctx)
		cancel()
	}
}

// SyncEventKind tags a decoded event-sync record.
type SyncEventKind int

const (
	SyncEventRead SyncEventKind = iota
	SyncEventDelivered
	SyncEventMessageDeleted
	SyncEventRoomCleared
)

// SyncEvent is one decoded record from the event-sync endpoint, normalized
// to the same shapes the push topics produce.
type SyncEvent struct {
	ID         int64
	Kind       SyncEventKind
	ActorEmail string

	RoomID  int64
	Receipt topic.Receipt

	DeletedMessages []topic.DeletedMessages
	ClearedRoomIDs  []int64
}

type receiptEventData struct {
	CommentID       int64  `json:"comment_id"`
	CommentUniqueID string `json:"comment_unique_id"`
	RoomID          int64  `json:"room_id"`
}

type deletedEventData struct {
	DeletedMessages []struct {
		RoomID           string   `json:"room_id"`
		MessageUniqueIDs []string `json:"message_unique_ids"`
	} `json:"deleted_messages"`
}

type clearedEventData struct {
	DeletedRooms []struct {
		ID int64 `json:"id"`
	} `json:"deleted_rooms"`
}

// decodeSyncEvent maps a wire record to a SyncEvent by its action topic.
// ok is false for unknown or undecodable records; the cursor still advances
// past them.
func decodeSyncEvent(rec wireSyncEvent) (SyncEvent, bool) {
	ev := SyncEvent{ID: rec.ID, ActorEmail: rec.Payload.Actor.Email}
	switch rec.ActionTopic {
	case "read", "delivered":
		var data receiptEventData
		if err := json.Unmarshal(rec.Payload.Data, &data); err != nil {
			return SyncEvent{}, false
		}
		ev.Kind = SyncEventRead
		if rec.ActionTopic == "delivered" {
			ev.Kind = SyncEventDelivered
		}
		ev.RoomID = data.RoomID
		ev.Receipt = topic.Receipt{MessageID: data.CommentID, UniqueID: data.CommentUniqueID}
		return ev, true
	case "deleted_message":
		var data deletedEventData
		if err := json.Unmarshal(rec.Payload.Data, &data); err != nil {
			return SyncEvent{}, false
		}
		ev.Kind = SyncEventMessageDeleted
		for _, dm := range data.DeletedMessages {
			roomID, err := strconv.ParseInt(dm.RoomID, 10, 64)
			if err != nil {
				continue
			}
			ev.DeletedMessages = append(ev.DeletedMessages, topic.DeletedMessages{
				RoomID:    roomID,
				UniqueIDs: dm.MessageUniqueIDs,
			})
		}
		return ev, true
	case "clear_room":
		var data clearedEventData
		if err := json.Unmarshal(rec.Payload.Data, &data); err != nil {
			return SyncEvent{}, false
		}
		ev.Kind = SyncEventRoomCleared
		for _, dr := range data.DeletedRooms {
			ev.ClearedRoomIDs = append(ev.ClearedRoomIDs, dr.ID)
		}
		return ev, true
	default:
		return SyncEvent{}, false
	}
}
