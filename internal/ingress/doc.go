// Package ingress is the only path by which chat messages are created or
// changed.
//
// SaveMessage validates the request before touching storage, persists the
// message, assigns a waiting conversation to the first agent who replies, and
// only then publishes message.created. Edits, soft deletes and reactions
// bump the payload version and publish message.updated; delivery status
// updates are persisted without a bus event.
package ingress
