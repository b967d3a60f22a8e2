// ABOUTME: Builds JSON transcripts of a conversation from stored messages
// ABOUTME: Participants, messages in order and basic response-time metrics

package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/parley-gateway/internal/store"
)

// FormatVersion is stamped into every transcript document.
const FormatVersion = "1.0"

// Store is the persistence the transcript package needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, q store.MessageQuery) ([]*store.Message, error)
	SaveTranscript(ctx context.Context, rec *store.TranscriptRecord) error
	GetTranscript(ctx context.Context, conversationID string) (*store.TranscriptRecord, error)
}

// Options selects which messages a transcript includes.
type Options struct {
	IncludeSystem  bool
	IncludeDeleted bool
}

// DefaultOptions is what the close job stores.
var DefaultOptions = Options{IncludeSystem: true}

// Transcript is the stored and served document.
type Transcript struct {
	ConversationID string                   `json:"conversationId"`
	CompanyID      string                   `json:"companyId"`
	Status         store.ConversationStatus `json:"status"`
	StartedAt      time.Time                `json:"startedAt"`
	ClosedAt       *time.Time               `json:"closedAt,omitempty"`
	Participants   []Participant            `json:"participants"`
	Messages       []Message                `json:"messages"`
	Metrics        Metrics                  `json:"metrics"`
	Metadata       Metadata                 `json:"metadata"`
}

type Participant struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Email    string           `json:"email,omitempty"`
	Kind     store.SenderKind `json:"type"`
	JoinedAt time.Time        `json:"joinedAt"`
	LeftAt   *time.Time       `json:"leftAt,omitempty"`
	Messages int              `json:"messages"`
}

type Sender struct {
	ID   string           `json:"id"`
	Name string           `json:"name"`
	Kind store.SenderKind `json:"type"`
}

type Message struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Sender     Sender            `json:"sender"`
	Content    string            `json:"content"`
	Type       store.MessageType `json:"type"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Attachment *store.Attachment `json:"attachment,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
}

// Metrics are in whole seconds. FirstResponse is the gap between the first
// client message and the first agent message after it.
type Metrics struct {
	TotalMessages    int            `json:"totalMessages"`
	Duration         int64          `json:"duration"`
	FirstResponse    *int64         `json:"firstResponseTime,omitempty"`
	Resolution       *int64         `json:"resolutionTime,omitempty"`
	MessagesByType   map[string]int `json:"messagesByType"`
	MessagesBySender map[string]int `json:"messagesBySender"`
}

type Metadata struct {
	Version     string    `json:"version"`
	Format      string    `json:"format"`
	GeneratedAt time.Time `json:"generatedAt"`
	GeneratedBy string    `json:"generatedBy"`
}

// Builder renders transcripts from the store.
type Builder struct {
	store Store
	now   func() time.Time
}

func NewBuilder(s Store) *Builder {
	return &Builder{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Build renders a transcript of the conversation's current state.
func (b *Builder) Build(ctx context.Context, conversationID string, opts Options) (*Transcript, error) {
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := b.store.ListMessages(ctx, conversationID, store.MessageQuery{IncludeDeleted: opts.IncludeDeleted})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	now := b.now()
	t := &Transcript{
		ConversationID: conv.ID,
		CompanyID:      conv.CompanyID,
		Status:         conv.Status,
		StartedAt:      conv.StartedAt,
		ClosedAt:       conv.ClosedAt,
		Messages:       make([]Message, 0, len(msgs)),
		Metrics: Metrics{
			MessagesByType:   make(map[string]int),
			MessagesBySender: make(map[string]int),
		},
		Metadata: Metadata{
			Version:     FormatVersion,
			Format:      "json",
			GeneratedAt: now,
			GeneratedBy: "system",
		},
	}

	var firstClient, firstReply *time.Time
	perSender := make(map[string]int)
	for _, m := range msgs {
		if m.SenderKind == store.SenderSystem && !opts.IncludeSystem {
			continue
		}
		senderID := "system"
		if m.SenderID != nil {
			senderID = *m.SenderID
		}
		t.Messages = append(t.Messages, Message{
			ID:         m.ID,
			Timestamp:  m.CreatedAt,
			Sender:     Sender{ID: senderID, Name: senderName(conv, m), Kind: m.SenderKind},
			Content:    m.Content,
			Type:       m.Payload.Type,
			Metadata:   m.Payload.Metadata,
			Attachment: m.Payload.Attachment,
			Deleted:    m.IsDeleted(),
		})
		t.Metrics.MessagesByType[string(m.Payload.Type)]++
		t.Metrics.MessagesBySender[senderID]++
		perSender[senderID]++

		at := m.CreatedAt
		switch {
		case m.SenderKind == store.SenderClient && firstClient == nil:
			firstClient = &at
		case m.SenderKind == store.SenderAgent && firstClient != nil && firstReply == nil:
			firstReply = &at
		}
	}
	t.Metrics.TotalMessages = len(t.Messages)

	end := now
	if conv.ClosedAt != nil {
		end = *conv.ClosedAt
		resolution := seconds(conv.StartedAt, end)
		t.Metrics.Resolution = &resolution
	}
	t.Metrics.Duration = seconds(conv.StartedAt, end)
	if firstReply != nil {
		first := seconds(*firstClient, *firstReply)
		t.Metrics.FirstResponse = &first
	}

	if conv.ClientUserID != nil {
		t.Participants = append(t.Participants, Participant{
			ID:       *conv.ClientUserID,
			Name:     conv.ClientName,
			Email:    conv.ClientEmail,
			Kind:     store.SenderClient,
			JoinedAt: conv.StartedAt,
			LeftAt:   conv.ClosedAt,
			Messages: perSender[*conv.ClientUserID],
		})
	}
	if conv.AssignedAgentID != nil {
		t.Participants = append(t.Participants, Participant{
			ID:       *conv.AssignedAgentID,
			Name:     conv.AssignedAgentName,
			Kind:     store.SenderAgent,
			JoinedAt: conv.StartedAt,
			LeftAt:   conv.ClosedAt,
			Messages: perSender[*conv.AssignedAgentID],
		})
	}
	return t, nil
}

// Load returns the stored snapshot, or builds one on the fly when none has
// been saved yet.
func (b *Builder) Load(ctx context.Context, conversationID string) (json.RawMessage, error) {
	rec, err := b.store.GetTranscript(ctx, conversationID)
	if err == nil {
		return rec.Payload, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	t, err := b.Build(ctx, conversationID, DefaultOptions)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// Save stores a snapshot of the conversation. It reports false when the
// conversation already had one.
func (b *Builder) Save(ctx context.Context, conversationID string) (bool, error) {
	t, err := b.Build(ctx, conversationID, DefaultOptions)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("encoding transcript: %w", err)
	}
	err = b.store.SaveTranscript(ctx, &store.TranscriptRecord{
		ConversationID: t.ConversationID,
		CompanyID:      t.CompanyID,
		Payload:        payload,
		CreatedAt:      t.Metadata.GeneratedAt,
	})
	if errors.Is(err, store.ErrTranscriptExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("saving transcript: %w", err)
	}
	return true, nil
}

func senderName(conv *store.Conversation, m *store.Message) string {
	switch m.SenderKind {
	case store.SenderClient:
		return conv.ClientName
	case store.SenderAgent:
		if m.SenderID != nil && conv.AssignedAgentID != nil && *m.SenderID == *conv.AssignedAgentID {
			return conv.AssignedAgentName
		}
		return ""
	}
	return "System"
}

func seconds(from, to time.Time) int64 {
	if to.Before(from) {
		return 0
	}
	return int64(to.Sub(from) / time.Second)
}
