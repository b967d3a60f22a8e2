// ABOUTME: Typed notification events shared by the queue, ingress, realtime and transcript layers
// ABOUTME: Events carry a JSON payload so they can cross process boundaries unchanged

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/store"
)

// Topic names a class of events.
type Topic string

const (
	TopicMessageCreated          Topic = "message.created"
	TopicMessageUpdated          Topic = "message.updated"
	TopicConversationAssigned    Topic = "conversation.assigned"
	TopicConversationClosed      Topic = "conversation.closed"
	TopicConversationReopened    Topic = "conversation.reopened"
	TopicConversationTransferred Topic = "conversation.transferred"
	TopicQueueUpdated            Topic = "queue.updated"
	// TopicRoom carries ephemeral room notifications (typing, presence, read
	// receipts). Event.Name holds the client-facing event name.
	TopicRoom Topic = "room.event"
)

// AllTopics lists every topic published on the bus.
var AllTopics = []Topic{
	TopicMessageCreated,
	TopicMessageUpdated,
	TopicConversationAssigned,
	TopicConversationClosed,
	TopicConversationReopened,
	TopicConversationTransferred,
	TopicQueueUpdated,
	TopicRoom,
}

// Event is one notification on the bus.
type Event struct {
	ID             string          `json:"id"`
	Topic          Topic           `json:"topic"`
	Name           string          `json:"name,omitempty"`
	ConversationID string          `json:"conversationId"`
	CompanyID      string          `json:"companyId,omitempty"`
	ExcludeConn    string          `json:"excludeConn,omitempty"` // connection that should not receive the event
	Origin         string          `json:"origin,omitempty"`      // instance that first published it
	Data           json.RawMessage `json:"data"`
	At             time.Time       `json:"at"`
}

// NewEvent builds an event with data encoded as its JSON payload.
func NewEvent(topic Topic, conversationID, companyID string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	return &Event{
		ID:             uuid.New().String(),
		Topic:          topic,
		ConversationID: conversationID,
		CompanyID:      companyID,
		Data:           raw,
		At:             time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Topic, err)
	}
	return nil
}

// Bus is the notification bus contract. Publish never blocks on slow subscribers.
type Bus interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(ctx context.Context, topics ...Topic) (<-chan *Event, string)
	Unsubscribe(subID string)
}

// Sender identifies who sent a message.
type Sender struct {
	ID   string           `json:"id,omitempty"`
	Kind store.SenderKind `json:"kind"`
}

// MessageView is the client-facing rendering of a stored message.
type MessageView struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         Sender        `json:"sender"`
	Content        string        `json:"content"`
	Payload        store.Content `json:"payload"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// ViewOf renders msg for clients.
func ViewOf(msg *store.Message) MessageView {
	v := MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         Sender{Kind: msg.SenderKind},
		Content:        msg.Content,
		Payload:        msg.Payload,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if msg.SenderID != nil {
		v.Sender.ID = *msg.SenderID
	}
	return v
}

// ConversationChange describes a conversation status transition.
type ConversationChange struct {
	ConversationID  string                   `json:"conversationId"`
	Status          store.ConversationStatus `json:"status"`
	PreviousStatus  store.ConversationStatus `json:"previousStatus"`
	AgentID         string                   `json:"agentId,omitempty"`
	AgentName       string                   `json:"agentName,omitempty"`
	PreviousAgentID string                   `json:"previousAgentId,omitempty"`
	QueuePosition   *int                     `json:"queuePosition,omitempty"`
	ClosedAt        *time.Time               `json:"closedAt,omitempty"`
	ActorID         string                   `json:"actorId,omitempty"`
}

// QueueChange is published when a waiting conversation's position changes.
type QueueChange struct {
	ConversationID string `json:"conversationId"`
	Position       int    `json:"position"`
	EstimatedWait  int    `json:"estimatedWait"`
}
