// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// A single Store interface covers everything the gateway persists:
//
//   - Conversations: lifecycle status, queue position, assignment and client identity
//   - Messages: display text plus a structured Content payload
//   - Transcripts: one JSON snapshot per closed conversation
//   - Audit log: who assigned, transferred, closed, reopened, edited or deleted what
//
// Consumers (queue, ingress, realtime, transcript) declare the narrower subset
// of methods they use. SQLiteStore and MockStore both satisfy the full interface.
//
// # Concurrency
//
// Conversation updates are compare-and-swap on status: UpdateConversationIf
// only writes when the stored status still matches the caller's expectation and
// returns ErrStaleStatus otherwise. This is what makes auto-assignment on the
// first agent message exactly-once.
//
// SetQueuePositions renumbers a company's waiting queue in one transaction.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and foreign keys enabled:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool is limited to one connection. Timestamps are stored as fixed-width
// UTC text so they sort chronologically.
//
// CHECK constraints enforce the conversation invariants: a queue position
// exists exactly while waiting, closed_at exists exactly while closed, and an
// assigned conversation always names an agent.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrStaleStatus: conversation status changed concurrently
//   - ErrInvalidContent: message payload failed validation
//   - ErrTranscriptExists: the conversation already has a transcript
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") or a
// t.TempDir() path for integration tests with real SQLite.
package store
