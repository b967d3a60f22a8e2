// ABOUTME: Ephemeral typing state per room, keyed by connection
// ABOUTME: Cleared on send, leave and disconnect

package realtime

import "sync"

// TypingTracker records which connections are typing in which room.
type TypingTracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]string // room -> connID -> userID
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{rooms: make(map[string]map[string]string)}
}

// Start marks the connection as typing. Returns false if it already was.
func (t *TypingTracker) Start(room, connID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[room]
	if !ok {
		set = make(map[string]string)
		t.rooms[room] = set
	}
	if _, typing := set[connID]; typing {
		return false
	}
	set[connID] = userID
	return true
}

// Stop clears the connection's typing state in room. Returns false if it was
// not typing.
func (t *TypingTracker) Stop(room, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[room]
	if !ok {
		return false
	}
	if _, typing := set[connID]; !typing {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(t.rooms, room)
	}
	return true
}

// Typing returns the users currently typing in room.
func (t *TypingTracker) Typing(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.rooms[room]))
	for _, userID := range t.rooms[room] {
		out = append(out, userID)
	}
	return out
}

// Len returns the number of typing entries across all rooms.
func (t *TypingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, set := range t.rooms {
		n += len(set)
	}
	return n
}
