// Package queue owns per-company conversation queues and the conversation
// state machine.
//
// # Queue
//
// Waiting conversations of one company hold dense positions 1..N ordered by
// start time. Enqueue appends at max+1; Reorganize renumbers after a
// conversation leaves the waiting set. Both run under a per-company mutex and
// positions are written in one store transaction.
//
// # Transitions
//
//	waiting  --assign-->   assigned
//	waiting  --close-->    closed
//	open     --close-->    closed
//	assigned --close-->    closed
//	assigned --transfer--> assigned
//	closed   --reopen-->   waiting
//
// Anything else fails with ErrInvalidTransition (as *TransitionError) and
// leaves the conversation unchanged. Writes are compare-and-swap on the
// previous status, so a transition racing another instance is rejected
// rather than lost. Successful transitions are audited through AuditSink and
// published on the bus.
package queue
