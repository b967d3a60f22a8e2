// ABOUTME: Realtime session registry: connections, users and room membership for one instance
// ABOUTME: Pure in-memory state, created per gateway and injected; no I/O under its lock

package realtime

import (
	"sort"
	"sync"

	"github.com/2389/parley-gateway/internal/auth"
)

// Member is one live connection as seen by a room.
type Member struct {
	ConnID    string    `json:"connectionId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"userName,omitempty"`
	Role      auth.Role `json:"role"`
	CompanyID string    `json:"-"`
}

type session struct {
	member Member
	room   string
}

// Registry tracks which connections belong to which user and which room each
// connection has joined. A connection is in at most one room; a user with no
// connections is offline.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*session             // connID -> session
	users map[string]map[string]struct{} // userID -> connIDs
	rooms map[string]map[string]struct{} // conversationID -> connIDs
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*session),
		users: make(map[string]map[string]struct{}),
		rooms: make(map[string]map[string]struct{}),
	}
}

// AddConnection registers a live connection.
func (r *Registry) AddConnection(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[m.ConnID] = &session{member: m}
	set, ok := r.users[m.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.users[m.UserID] = set
	}
	set[m.ConnID] = struct{}{}
}

// RemoveConnection forgets a connection and returns its user and the room it
// was in. Unknown connections return empty strings.
func (r *Registry) RemoveConnection(connID string) (userID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.conns[connID]
	if !ok {
		return "", ""
	}
	delete(r.conns, connID)
	r.leaveLocked(connID, s.room)

	userID = s.member.UserID
	if set := r.users[userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, userID)
		}
	}
	return userID, s.room
}

// SetRoom moves the connection into conversationID and returns the room it
// left, if any. Unknown connections are ignored.
func (r *Registry) SetRoom(connID, conversationID string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.conns[connID]
	if !ok {
		return ""
	}
	previous = s.room
	if previous == conversationID {
		return previous
	}
	r.leaveLocked(connID, previous)

	s.room = conversationID
	set, ok := r.rooms[conversationID]
	if !ok {
		set = make(map[string]struct{})
		r.rooms[conversationID] = set
	}
	set[connID] = struct{}{}
	return previous
}

// ClearRoom takes the connection out of its room and returns that room.
func (r *Registry) ClearRoom(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.conns[connID]
	if !ok || s.room == "" {
		return ""
	}
	room := s.room
	r.leaveLocked(connID, room)
	s.room = ""
	return room
}

// leaveLocked must be called with mu held.
func (r *Registry) leaveLocked(connID, room string) {
	if room == "" {
		return
	}
	if set := r.rooms[room]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, room)
		}
	}
}

// RoomOf returns the connection's current room, or "".
func (r *Registry) RoomOf(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.conns[connID]; ok {
		return s.room
	}
	return ""
}

// Member returns the connection's member record.
func (r *Registry) Member(connID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.conns[connID]
	if !ok {
		return Member{}, false
	}
	return s.member, true
}

// RoomMembers lists the connections in a room ordered by connection id.
func (r *Registry) RoomMembers(conversationID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.rooms[conversationID]
	out := make([]Member, 0, len(set))
	for connID := range set {
		out = append(out, r.conns[connID].member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// LobbyStaff lists staff connections of a company that are not in any room.
// They receive queue-level updates for the whole company.
func (r *Registry) LobbyStaff(companyID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Member
	for _, s := range r.conns {
		m := s.member
		if s.room == "" && m.CompanyID == companyID && m.Role != auth.RoleClient {
			out = append(out, m)
		}
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionsOf returns the user's connection ids.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users[userID]))
	for connID := range r.users[userID] {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of connections and non-empty rooms.
func (r *Registry) Counts() (connections, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.rooms)
}
