// ABOUTME: Conversation Service: start a conversation, report queue status, apply queue commands
// ABOUTME: Thin coordinator over the queue manager and message ingress; owns no state

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/ingress"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/store"
)

// Queue is the subset of queue.Manager the service drives.
type Queue interface {
	Enqueue(ctx context.Context, conv *store.Conversation) (int, error)
	EstimateWait(position int) int
	Assign(ctx context.Context, conversationID string, agent queue.Actor) (*store.Conversation, error)
	Close(ctx context.Context, conversationID string, actor queue.Actor) (*store.Conversation, error)
	Reopen(ctx context.Context, conversationID string, actor queue.Actor) (*store.Conversation, error)
	Transfer(ctx context.Context, conversationID string, to, actor queue.Actor) (*store.Conversation, error)
}

// MessageSaver persists the initial message of a new conversation.
type MessageSaver interface {
	SaveMessage(ctx context.Context, req ingress.SaveRequest) (*store.Message, error)
}

// Store is what the service reads directly.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Service coordinates conversation lifecycle commands.
type Service struct {
	store    Store
	queue    Queue
	messages MessageSaver
	logger   *slog.Logger
}

// New creates a conversation service.
func New(s Store, q Queue, messages MessageSaver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		queue:    q,
		messages: messages,
		logger:   logger.With("component", "conversation"),
	}
}

// StartRequest opens a new conversation for a client.
type StartRequest struct {
	CompanyID      string
	ClientUserID   string // empty for anonymous clients
	ClientName     string
	ClientEmail    string
	InitialMessage string
	Metadata       map[string]any
}

// StartResult describes the freshly queued conversation.
type StartResult struct {
	ConversationID string                   `json:"conversationId"`
	Position       int                      `json:"queuePosition"`
	Status         store.ConversationStatus `json:"status"`
	EstimatedWait  int                      `json:"estimatedWaitTime"`
}

// Start creates a waiting conversation at the tail of the company queue and
// saves the optional initial message as a client message.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if strings.TrimSpace(req.CompanyID) == "" {
		return nil, fmt.Errorf("%w: company id is required", ingress.ErrValidation)
	}

	conv := &store.Conversation{
		CompanyID:   req.CompanyID,
		ClientName:  strings.TrimSpace(req.ClientName),
		ClientEmail: strings.TrimSpace(req.ClientEmail),
		Metadata:    req.Metadata,
	}
	if req.ClientUserID != "" {
		uid := req.ClientUserID
		conv.ClientUserID = &uid
	}

	pos, err := s.queue.Enqueue(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}

	if strings.TrimSpace(req.InitialMessage) != "" {
		_, err := s.messages.SaveMessage(ctx, ingress.SaveRequest{
			ConversationID: conv.ID,
			SenderID:       req.ClientUserID,
			SenderName:     conv.ClientName,
			SenderKind:     store.SenderClient,
			Content:        req.InitialMessage,
		})
		if err != nil {
			// The conversation is already queued; report the failure but keep it.
			s.logger.Error("saving initial message",
				"conversation_id", conv.ID,
				"error", err)
			return nil, fmt.Errorf("saving initial message: %w", err)
		}
	}

	s.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"company_id", conv.CompanyID,
		"position", pos)

	return &StartResult{
		ConversationID: conv.ID,
		Position:       pos,
		Status:         conv.Status,
		EstimatedWait:  s.queue.EstimateWait(pos),
	}, nil
}

// QueueStatus is a client-facing snapshot of a conversation's place in line.
type QueueStatus struct {
	ConversationID string                   `json:"conversationId"`
	Status         store.ConversationStatus `json:"status"`
	Position       *int                     `json:"queuePosition"`
	AgentName      string                   `json:"agentName,omitempty"`
	LastMessage    *bus.MessageView         `json:"lastMessage"`
	EstimatedWait  *int                     `json:"estimatedWaitTime"`
}

// QueueStatus reports status, position and the latest message. The wait
// estimate is only present while the conversation is waiting.
func (s *Service) QueueStatus(ctx context.Context, conversationID string) (*QueueStatus, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	status := &QueueStatus{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Position:       conv.QueuePosition,
		AgentName:      conv.AssignedAgentName,
	}
	if conv.Status == store.StatusWaiting {
		pos := 0
		if conv.QueuePosition != nil {
			pos = *conv.QueuePosition
		}
		wait := s.queue.EstimateWait(pos)
		status.EstimatedWait = &wait
	}

	last, err := s.store.RecentMessages(ctx, conv.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("reading last message: %w", err)
	}
	if len(last) > 0 {
		view := bus.ViewOf(last[0])
		status.LastMessage = &view
	}
	return status, nil
}

// UpdateQueueRequest asks for a status change. AgentUserID names the agent
// for assigned; AgentName is the display name stored with the assignment.
type UpdateQueueRequest struct {
	Status      store.ConversationStatus `json:"status"`
	AgentUserID string                   `json:"agentUserId"`
	AgentName   string                   `json:"agentName"`
}

// UpdateQueue dispatches a requested status to the matching transition:
// assigned assigns a waiting conversation or transfers an assigned one,
// closed closes and waiting reopens. Anything else is an invalid transition.
func (s *Service) UpdateQueue(ctx context.Context, conversationID string, actor queue.Actor, req UpdateQueueRequest) (*store.Conversation, error) {
	if !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ingress.ErrValidation, req.Status)
	}

	current, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case store.StatusAssigned:
		if req.AgentUserID == "" {
			return nil, fmt.Errorf("%w: agentUserId is required to assign", ingress.ErrValidation)
		}
		agent := queue.Actor{ID: req.AgentUserID, Name: req.AgentName}
		if agent.Name == "" && agent.ID == actor.ID {
			agent.Name = actor.Name
		}
		if current.Status == store.StatusAssigned {
			return s.queue.Transfer(ctx, conversationID, agent, actor)
		}
		return s.queue.Assign(ctx, conversationID, agent)
	case store.StatusClosed:
		return s.queue.Close(ctx, conversationID, actor)
	case store.StatusWaiting:
		return s.queue.Reopen(ctx, conversationID, actor)
	}

	return nil, &queue.TransitionError{
		ConversationID: conversationID,
		From:           current.Status,
		Event:          queue.Event("set_" + string(req.Status)),
		Reason:         "status cannot be set directly",
	}
}
