// Package bus is the gateway's notification bus.
//
// # Overview
//
// Producers (queue transitions, message ingress, realtime room handlers)
// publish typed events; consumers (the realtime gateway fan-out, the
// transcript job) subscribe to the topics they care about:
//
//	ch, subID := b.Subscribe(ctx, bus.TopicMessageCreated, bus.TopicMessageUpdated)
//	defer b.Unsubscribe(subID)
//
// Publish is non-blocking. Each subscription is a buffered channel and events
// are dropped (and counted) for subscribers that fall behind.
//
// # Implementations
//
//   - LocalBus: in-memory fan-out within one process.
//   - RedisBridge: wraps a LocalBus and relays every event over Redis pub/sub
//     so that room members connected to other instances receive it. Events
//     carry the origin instance id; a bridge ignores its own echoes.
//
// Event payloads are JSON so they cross the bridge unchanged.
package bus
