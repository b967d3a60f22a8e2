// Package conversation implements the client and agent commands that act on
// whole conversations.
//
// Start puts a new conversation at the tail of its company's queue and saves
// the optional first message through ingress. QueueStatus is what a waiting
// client polls. UpdateQueue maps a requested status onto the queue state
// machine:
//
//	assigned (from waiting)  -> Assign
//	assigned (from assigned) -> Transfer
//	closed                   -> Close
//	waiting                  -> Reopen
//
// Positions and transitions are owned by package queue; this package only
// coordinates.
package conversation
