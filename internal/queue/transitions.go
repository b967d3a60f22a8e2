// ABOUTME: Conversation state machine operations: assign, close, reopen and transfer
// ABOUTME: Each runs under the company lock, persists with compare-and-swap, then audits and notifies

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/store"
)

// SystemActor is used for transitions no user initiated.
const SystemActor = "system"

// Actor identifies who performs a transition.
type Actor struct {
	ID   string
	Name string
}

func (a Actor) id() string {
	if a.ID == "" {
		return SystemActor
	}
	return a.ID
}

// Assign hands a waiting conversation to agent and renumbers the queue.
func (m *Manager) Assign(ctx context.Context, conversationID string, agent Actor) (*store.Conversation, error) {
	if agent.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	return m.transition(ctx, conversationID, EventAssign, agent, func(conv *store.Conversation) error {
		agentID := agent.ID
		conv.AssignedAgentID = &agentID
		conv.AssignedAgentName = agent.Name
		conv.QueuePosition = nil
		return nil
	})
}

// Close ends a conversation from any non-closed status.
func (m *Manager) Close(ctx context.Context, conversationID string, actor Actor) (*store.Conversation, error) {
	return m.transition(ctx, conversationID, EventClose, actor, func(conv *store.Conversation) error {
		now := time.Now().UTC()
		conv.ClosedAt = &now
		conv.QueuePosition = nil
		return nil
	})
}

// Reopen puts a closed conversation back at the tail of its company's queue.
// The previous agent assignment is cleared.
func (m *Manager) Reopen(ctx context.Context, conversationID string, actor Actor) (*store.Conversation, error) {
	return m.transition(ctx, conversationID, EventReopen, actor, func(conv *store.Conversation) error {
		pos, err := m.NextPosition(ctx, conv.CompanyID)
		if err != nil {
			return err
		}
		conv.QueuePosition = &pos
		conv.ClosedAt = nil
		conv.AssignedAgentID = nil
		conv.AssignedAgentName = ""
		return nil
	})
}

// Transfer moves an assigned conversation to another agent.
func (m *Manager) Transfer(ctx context.Context, conversationID string, to Actor, actor Actor) (*store.Conversation, error) {
	if to.ID == "" {
		return nil, fmt.Errorf("target agent id is required")
	}
	return m.transition(ctx, conversationID, EventTransfer, actor, func(conv *store.Conversation) error {
		if conv.AssignedAgentID != nil && *conv.AssignedAgentID == to.ID {
			return &TransitionError{
				ConversationID: conv.ID,
				From:           conv.Status,
				Event:          EventTransfer,
				Reason:         "already assigned to that agent",
			}
		}
		agentID := to.ID
		conv.AssignedAgentID = &agentID
		conv.AssignedAgentName = to.Name
		return nil
	})
}

// transition runs one state machine step. mutate edits a copy of the
// conversation; nothing is written if it fails.
func (m *Manager) transition(
	ctx context.Context,
	conversationID string,
	ev Event,
	actor Actor,
	mutate func(conv *store.Conversation) error,
) (conv *store.Conversation, err error) {
	defer func() { metrics.RecordTransition(string(ev), err) }()

	// Company is immutable, so an unlocked read is enough to pick the lock.
	current, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, current.CompanyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err = m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	to, ok := nextStatus(current.Status, ev)
	if !ok {
		return nil, &TransitionError{ConversationID: conversationID, From: current.Status, Event: ev}
	}

	next := current.Clone()
	next.Status = to
	if err := mutate(next); err != nil {
		return nil, err
	}

	if err := m.store.UpdateConversationIf(ctx, next, current.Status); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, &TransitionError{
				ConversationID: conversationID,
				From:           current.Status,
				Event:          ev,
				Reason:         "status changed concurrently",
			}
		}
		return nil, fmt.Errorf("persisting %s: %w", ev, err)
	}

	if current.Status == store.StatusWaiting && to != store.StatusWaiting {
		if err := m.reorganizeLocked(ctx, current.CompanyID); err != nil {
			// The transition is committed; a later reorganize repairs positions.
			m.logger.Error("reorganize after transition failed",
				"conversation_id", conversationID,
				"company_id", current.CompanyID,
				"error", err)
		}
	}

	m.logger.Info("conversation transition",
		"conversation_id", conversationID,
		"event", ev,
		"from", current.Status,
		"to", to,
		"actor", actor.id())

	m.record(ctx, ev, actor, current, next)
	m.notify(ctx, ev, actor, current, next)
	return next, nil
}

var auditActions = map[Event]store.AuditAction{
	EventAssign:   store.AuditAssignConversation,
	EventClose:    store.AuditCloseConversation,
	EventReopen:   store.AuditReopenConversation,
	EventTransfer: store.AuditTransferConversation,
}

func (m *Manager) record(ctx context.Context, ev Event, actor Actor, before, after *store.Conversation) {
	if m.audit == nil {
		return
	}
	detail := map[string]any{
		"from":       string(before.Status),
		"to":         string(after.Status),
		"company_id": after.CompanyID,
	}
	if before.AssignedAgentID != nil {
		detail["previous_agent_id"] = *before.AssignedAgentID
	}
	if after.AssignedAgentID != nil {
		detail["agent_id"] = *after.AssignedAgentID
	}
	m.audit.Record(ctx, store.AuditEntry{
		ActorID:    actor.id(),
		CompanyID:  after.CompanyID,
		Action:     auditActions[ev],
		TargetType: "conversation",
		TargetID:   after.ID,
		Detail:     detail,
	})
}

var eventTopics = map[Event]bus.Topic{
	EventAssign:   bus.TopicConversationAssigned,
	EventClose:    bus.TopicConversationClosed,
	EventReopen:   bus.TopicConversationReopened,
	EventTransfer: bus.TopicConversationTransferred,
}

func (m *Manager) notify(ctx context.Context, ev Event, actor Actor, before, after *store.Conversation) {
	change := bus.ConversationChange{
		ConversationID: after.ID,
		Status:         after.Status,
		PreviousStatus: before.Status,
		AgentName:      after.AssignedAgentName,
		QueuePosition:  after.QueuePosition,
		ClosedAt:       after.ClosedAt,
		ActorID:        actor.id(),
	}
	if after.AssignedAgentID != nil {
		change.AgentID = *after.AssignedAgentID
	}
	if before.AssignedAgentID != nil {
		change.PreviousAgentID = *before.AssignedAgentID
	}
	m.publish(ctx, eventTopics[ev], after.ID, after.CompanyID, change)
}
