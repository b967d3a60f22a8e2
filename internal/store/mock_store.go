// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same CAS and ordering semantics

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation     // keyed by conversation ID
	messages      map[string][]*Message        // keyed by conversation ID, insertion order
	messageIndex  map[string]*Message          // keyed by message ID
	transcripts   map[string]*TranscriptRecord // keyed by conversation ID
	audit         []AuditEntry

	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIndex:  make(map[string]*Message),
		transcripts:   make(map[string]*TranscriptRecord),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.StartedAt
	}
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// EnqueueConversation stores conv as waiting at the tail of its company's queue.
func (m *MockStore) EnqueueConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	pos := m.maxQueuePositionLocked(conv.CompanyID) + 1
	conv.Status = StatusWaiting
	conv.QueuePosition = &pos
	conv.ClosedAt = nil
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.StartedAt
	}
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// UpdateConversationIf replaces the conversation only if its status still equals expected.
func (m *MockStore) UpdateConversationIf(ctx context.Context, conv *Conversation, expected ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != expected {
		return ErrStaleStatus
	}

	conv.UpdatedAt = time.Now().UTC()
	updated := conv.Clone()
	// Immutable columns stay as stored.
	updated.CompanyID = existing.CompanyID
	updated.StartedAt = existing.StartedAt
	updated.ClientUserID = existing.ClientUserID
	m.conversations[conv.ID] = updated
	return nil
}

// ListConversations returns conversations matching the filter ordered by start time.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if filter.CompanyID != "" && c.CompanyID != filter.CompanyID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, c.Status) {
			continue
		}
		out = append(out, c.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MaxQueuePosition returns the highest position among waiting or open conversations.
func (m *MockStore) MaxQueuePosition(ctx context.Context, companyID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxQueuePositionLocked(companyID), nil
}

func (m *MockStore) maxQueuePositionLocked(companyID string) int {
	maxPos := 0
	for _, c := range m.conversations {
		if c.CompanyID != companyID || c.QueuePosition == nil {
			continue
		}
		if c.Status != StatusWaiting && c.Status != StatusOpen {
			continue
		}
		maxPos = max(maxPos, *c.QueuePosition)
	}
	return maxPos
}

// SetQueuePositions writes positions for the company's waiting conversations.
func (m *MockStore) SetQueuePositions(ctx context.Context, companyID string, positions map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for id, pos := range positions {
		c, ok := m.conversations[id]
		if !ok || c.CompanyID != companyID || c.Status != StatusWaiting {
			continue
		}
		p := pos
		c.QueuePosition = &p
		c.UpdatedAt = now
	}
	return nil
}

// CreateMessage stores a new message.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("inserting message for conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	if _, exists := m.messageIndex[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	stored := cloneMessage(msg)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	m.messageIndex[msg.ID] = stored
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messageIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

// UpdateMessage replaces the text and payload of an existing message if its
// revision still matches.
func (m *MockStore) UpdateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.messageIndex[msg.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Revision != msg.Revision {
		return ErrStaleMessage
	}
	msg.UpdatedAt = time.Now().UTC()
	msg.Revision++
	fresh := cloneMessage(msg)
	stored.Content = fresh.Content
	stored.Payload = fresh.Payload
	stored.UpdatedAt = fresh.UpdatedAt
	stored.Revision = fresh.Revision
	return nil
}

// ListMessages returns messages oldest first, honoring limit, offset and the deleted filter.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Message
	for _, msg := range m.sortedMessages(conversationID) {
		if !q.IncludeDeleted && msg.IsDeleted() {
			continue
		}
		all = append(all, msg)
	}

	start := min(max(q.Offset, 0), len(all))
	all = all[start:]
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}

	out := make([]*Message, 0, len(all))
	for _, msg := range all {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// RecentMessages returns the latest limit messages, oldest first.
func (m *MockStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		return []*Message{}, nil
	}
	all := m.sortedMessages(conversationID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*Message, 0, len(all))
	for _, msg := range all {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// sortedMessages must be called with m.mu held.
func (m *MockStore) sortedMessages(conversationID string) []*Message {
	msgs := slices.Clone(m.messages[conversationID])
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

// SaveTranscript stores a transcript snapshot.
func (m *MockStore) SaveTranscript(ctx context.Context, rec *TranscriptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[rec.ConversationID]; !ok {
		return ErrNotFound
	}
	if _, exists := m.transcripts[rec.ConversationID]; exists {
		return ErrTranscriptExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r := *rec
	r.Payload = slices.Clone(rec.Payload)
	m.transcripts[rec.ConversationID] = &r
	return nil
}

// GetTranscript returns the stored transcript for a conversation.
func (m *MockStore) GetTranscript(ctx context.Context, conversationID string) (*TranscriptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.transcripts[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	out.Payload = slices.Clone(r.Payload)
	return &out, nil
}

// AppendAuditLog appends an entry to the in-memory audit log.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if !e.Action.Valid() {
		return fmt.Errorf("unknown audit action %q", e.Action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns audit entries matching the filter, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.CompanyID != nil && e.CompanyID != *f.CompanyID {
			continue
		}
		if f.ActorID != nil && e.ActorID != *f.ActorID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetType != nil && e.TargetType != *f.TargetType {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if limit := normalizeAuditLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func cloneMessage(msg *Message) *Message {
	out := *msg
	if msg.SenderID != nil {
		s := *msg.SenderID
		out.SenderID = &s
	}
	out.Payload = msg.Payload.Clone()
	return &out
}

var _ Store = (*MockStore)(nil)
