// ABOUTME: Conversation status transition table and the invalid-transition error
// ABOUTME: Anything not listed in the table is rejected and leaves the conversation unchanged

package queue

import (
	"errors"
	"fmt"

	"github.com/2389/parley-gateway/internal/store"
)

// ErrInvalidTransition is returned when a status change is not permitted from
// the conversation's current state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Event is a conversation lifecycle event.
type Event string

const (
	EventAssign   Event = "assign"
	EventClose    Event = "close"
	EventReopen   Event = "reopen"
	EventTransfer Event = "transfer"
)

var transitions = map[store.ConversationStatus]map[Event]store.ConversationStatus{
	store.StatusWaiting: {
		EventAssign: store.StatusAssigned,
		EventClose:  store.StatusClosed,
	},
	store.StatusOpen: {
		EventClose: store.StatusClosed,
	},
	store.StatusAssigned: {
		EventClose:    store.StatusClosed,
		EventTransfer: store.StatusAssigned,
	},
	store.StatusClosed: {
		EventReopen: store.StatusWaiting,
	},
}

// nextStatus returns the target status for ev from from.
func nextStatus(from store.ConversationStatus, ev Event) (store.ConversationStatus, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// TransitionError reports a rejected transition.
type TransitionError struct {
	ConversationID string
	From           store.ConversationStatus
	Event          Event
	Reason         string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s conversation %s in status %s", e.Event, e.ConversationID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
