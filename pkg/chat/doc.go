// Copyright 2024-2026 Aiku AI

// Package chat implements a client-side synchronization engine that keeps a
// local view of chat rooms and messages consistent with a remote backend
// over two independent transports: a push channel (topic-addressed pub/sub
// over a persistent websocket) and a pull channel (periodic REST polling).
//
// The engine is at-least-once: both channels may deliver the same update,
// and correctness rests on idempotent merge (dedup by client-generated
// unique id, sorted reinsertion, monotonic watermarks) rather than on
// coordinating the transports. Per-room ordering by timestamp is
// guaranteed; global order across rooms is not.
//
// # Core Types
//
// [Client] is the orchestrator: it owns all room and watermark state,
// merges events from both channels, reconciles delivery/read status, and
// exposes the caller-facing surface.
//
// [RealtimeClient] owns the broker connection: subscriptions (replayed
// after every reconnect or broker relocation), presence/typing/receipt
// publishes, and the debounced reconnection protocol.
//
// [Scheduler] runs the two pull loops (message sync, event sync), each with
// its own monotonic cursor, adapting its cadence to the push channel's
// health on every tick.
//
// [Hooks] is the interceptor pipeline: caller-installed transforms run at
// the same point on both delivery paths, so filtering or normalization
// behaves identically whether a message arrived by push or pull.
//
// # Sub-packages
//
//   - topic classifies broker topic strings and decodes their payloads.
package chat
