// Package realtime serves the WebSocket channel used by clients and agents.
//
// A connection authenticates with a bearer token (Authorization header or
// ?token=) and then exchanges JSON envelopes {event, id, data}. Every
// request is answered by one ack with the same id; pushes (message,
// typing, userJoined, queueUpdate, ...) carry no id.
//
// Handlers never write to sockets. Durable changes go through the message
// ingress or the queue manager, which publish on the bus after persisting;
// ephemeral room events (typing, presence, receipts) are published on the
// bus too, so every instance behind the Redis bridge delivers them. The
// gateway's single bus subscriber fans events out to the local members of
// each room, and staff connections outside any room receive their
// company's queue and assignment events.
package realtime
