// ABOUTME: Store interface and data types for parley-gateway persistence
// ABOUTME: Defines Conversation, Message, TranscriptRecord and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned by UpdateConversationIf when the stored status no
// longer matches the expected one (another writer got there first).
var ErrStaleStatus = errors.New("conversation status changed concurrently")

// ErrStaleMessage is returned by UpdateMessage when the message was rewritten
// since it was read. Callers reload and reapply their change.
var ErrStaleMessage = errors.New("message changed concurrently")

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusWaiting  ConversationStatus = "waiting"
	StatusOpen     ConversationStatus = "open"
	StatusAssigned ConversationStatus = "assigned"
	StatusClosed   ConversationStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusOpen, StatusAssigned, StatusClosed:
		return true
	}
	return false
}

// Conversation is one client-support interaction owned by a company.
type Conversation struct {
	ID                string
	CompanyID         string
	Status            ConversationStatus
	QueuePosition     *int // set only while waiting
	StartedAt         time.Time
	ClosedAt          *time.Time // set only while closed
	AssignedAgentID   *string
	AssignedAgentName string
	ClientUserID      *string // nil for anonymous clients
	ClientName        string
	ClientEmail       string
	Metadata          map[string]any
	UpdatedAt         time.Time
}

// Clone returns a deep-enough copy for callers that mutate before a CAS update.
func (c *Conversation) Clone() *Conversation {
	out := *c
	if c.QueuePosition != nil {
		p := *c.QueuePosition
		out.QueuePosition = &p
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	if c.AssignedAgentID != nil {
		a := *c.AssignedAgentID
		out.AssignedAgentID = &a
	}
	if c.ClientUserID != nil {
		u := *c.ClientUserID
		out.ClientUserID = &u
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ConversationFilter selects conversations for ListConversations.
// Results are ordered by started_at, then id.
type ConversationFilter struct {
	CompanyID string
	Statuses  []ConversationStatus // empty means any status
	Limit     int                  // 0 means no limit
}

// Message is a single chat message. Content holds the display text; Payload
// holds the structured content that is mutated in place for status updates,
// edits, reactions and soft deletion.
type Message struct {
	ID             string
	ConversationID string
	SenderID       *string // nil for system messages
	SenderKind     SenderKind
	Content        string
	Payload        Content
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Revision       int // bumped by every successful UpdateMessage
}

// IsDeleted reports whether the message carries a deletion marker.
func (m *Message) IsDeleted() bool {
	return m.Payload.Deleted != nil
}

// MessageQuery controls ListMessages pagination. Messages are returned oldest first.
type MessageQuery struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// TranscriptRecord is a stored transcript snapshot for a closed conversation.
type TranscriptRecord struct {
	ConversationID string
	CompanyID      string
	Payload        []byte // JSON document
	CreatedAt      time.Time
}

// Store defines the persistence contract used by the queue, ingress, realtime
// and transcript layers. Each consumer declares the narrower subset it needs.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	EnqueueConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversationIf(ctx context.Context, conv *Conversation, expected ConversationStatus) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)
	MaxQueuePosition(ctx context.Context, companyID string) (int, error)
	SetQueuePositions(ctx context.Context, companyID string, positions map[string]int) error

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, msg *Message) error // compare-and-swap on Revision
	ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Transcripts
	SaveTranscript(ctx context.Context, rec *TranscriptRecord) error
	GetTranscript(ctx context.Context, conversationID string) (*TranscriptRecord, error)

	// Audit
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
