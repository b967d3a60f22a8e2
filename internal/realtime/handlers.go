// ABOUTME: Request handlers for the realtime channel, one per client event
// ABOUTME: Every request is answered by exactly one ack carrying the request id

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/ingress"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/store"
)

type handlerFunc func(ctx context.Context, c *client, data json.RawMessage) (any, *opError)

func (g *Gateway) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		OpJoin:             g.handleJoin,
		OpLeave:            g.handleLeave,
		OpSendMessage:      g.handleSendMessage,
		OpStartTyping:      g.handleStartTyping,
		OpStopTyping:       g.handleStopTyping,
		OpMarkAsRead:       g.handleMarkAsRead,
		OpMarkAsDelivered:  g.handleMarkAsDelivered,
		OpEditMessage:      g.handleEditMessage,
		OpDeleteMessage:    g.handleDeleteMessage,
		OpAddReaction:      g.handleAddReaction,
		OpRemoveReaction:   g.handleRemoveReaction,
		OpGetQueuePosition: g.handleGetQueuePosition,
	}
}

// dispatch runs one request to completion on the connection's read loop,
// so requests from one connection are handled in the order they arrived.
func (g *Gateway) dispatch(c *client, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		g.replyAck(c, "", nil, newOpError(CodeInvalidMessage, "malformed frame"))
		metrics.RecordOperation("malformed", CodeInvalidMessage)
		return
	}

	h, ok := g.handlerTable[env.Event]
	if !ok {
		g.replyAck(c, env.ID, nil, newOpError(CodeInvalidMessage, "unknown event "+env.Event))
		metrics.RecordOperation("unknown", CodeInvalidMessage)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	result, opErr := h(ctx, c, env.Data)
	if opErr == nil && ctx.Err() != nil {
		opErr = newOpError(CodeTimeout, "operation timed out")
	}

	outcome := "ok"
	if opErr != nil {
		outcome = opErr.code
	}
	metrics.RecordOperation(env.Event, outcome)
	g.replyAck(c, env.ID, result, opErr)
}

func (g *Gateway) replyAck(c *client, id string, result any, opErr *opError) {
	frame, err := ackFrame(id, result, opErr)
	if err != nil {
		g.logger.Error("encoding ack", "connection_id", c.id, "error", err)
		frame, _ = ackFrame(id, nil, newOpError(CodeInternal, "internal error"))
	}
	if !c.reply(frame) {
		g.logger.Debug("ack not delivered", "connection_id", c.id, "request_id", id)
	}
}

// toOpError maps service errors onto wire codes. A bare store.ErrNotFound
// means the conversation is gone; message lookups wrap it in
// ingress.ErrMessageNotFound. Unexpected errors are logged and reported as
// INTERNAL_ERROR.
func (g *Gateway) toOpError(op string, c *client, err error) *opError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return newOpError(CodeTimeout, "operation timed out")
	case errors.Is(err, ingress.ErrValidation):
		return newOpError(CodeInvalidMessage, err.Error())
	case errors.Is(err, ingress.ErrForbidden):
		return newOpError(CodeForbidden, err.Error())
	case errors.Is(err, ingress.ErrMessageNotFound):
		return newOpError(CodeMessageNotFound, "message not found")
	case errors.Is(err, store.ErrNotFound):
		return newOpError(CodeConversationNotFound, "conversation not found")
	case errors.Is(err, queue.ErrInvalidTransition):
		return newOpError(CodeInvalidTransition, err.Error())
	}
	g.logger.Error("realtime operation failed",
		"event", op,
		"connection_id", c.id,
		"user_id", c.identity.UserID,
		"error", err)
	return newOpError(CodeInternal, "internal error")
}

func decode(data json.RawMessage, v any) *opError {
	if len(data) == 0 {
		return newOpError(CodeInvalidMessage, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newOpError(CodeInvalidMessage, "malformed data")
	}
	return nil
}

// canAccess decides whether identity may join conv. Clients reach their own
// conversation, or an anonymous one of their company; staff reach their
// company's conversations.
func canAccess(id *auth.Identity, conv *store.Conversation) bool {
	if id.IsStaff() {
		return id.CompanyID == conv.CompanyID
	}
	if conv.ClientUserID != nil {
		return *conv.ClientUserID == id.UserID
	}
	return id.CompanyID == "" || id.CompanyID == conv.CompanyID
}

func (g *Gateway) handleJoin(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	var req joinRequest
	if e := decode(data, &req); e != nil {
		return nil, e
	}
	if req.ConversationID == "" {
		return nil, newOpError(CodeInvalidMessage, "conversationId is required")
	}

	conv, err := g.store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newOpError(CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, g.toOpError(OpJoin, c, err)
	}
	if !canAccess(c.identity, conv) {
		return nil, newOpError(CodeForbidden, "not a participant of this conversation")
	}

	history, err := g.store.RecentMessages(ctx, conv.ID, g.historyLimit)
	if err != nil {
		return nil, g.toOpError(OpJoin, c, err)
	}
	views := make([]bus.MessageView, 0, len(history))
	for _, m := range history {
		if m.IsDeleted() {
			continue
		}
		views = append(views, bus.ViewOf(m))
	}

	if previous := g.registry.SetRoom(c.id, conv.ID); previous != "" && previous != conv.ID {
		g.leaveRoom(ctx, c, previous)
	}
	g.publishRoom(ctx, conv.ID, EventUserJoined, c.id, presenceEvent{
		UserID:   c.identity.UserID,
		UserName: c.identity.Name,
		Role:     string(c.identity.Role),
	})

	return map[string]any{
		"conversationId": conv.ID,
		"status":         conv.Status,
		"messages":       views,
		"participants":   g.participants(conv),
		"typing":         g.typing.Typing(conv.ID),
	}, nil
}

// participants lists everyone currently in the room plus the conversation's
// client and assigned agent, with presence.
func (g *Gateway) participants(conv *store.Conversation) []Participant {
	seen := make(map[string]bool)
	var out []Participant
	add := func(userID, name, role string) {
		if userID == "" || seen[userID] {
			return
		}
		seen[userID] = true
		out = append(out, Participant{
			UserID:   userID,
			UserName: name,
			Role:     role,
			IsOnline: g.registry.IsOnline(userID),
		})
	}
	for _, m := range g.registry.RoomMembers(conv.ID) {
		add(m.UserID, m.Name, string(m.Role))
	}
	if conv.ClientUserID != nil {
		add(*conv.ClientUserID, conv.ClientName, string(auth.RoleClient))
	}
	if conv.AssignedAgentID != nil {
		add(*conv.AssignedAgentID, conv.AssignedAgentName, string(auth.RoleAgent))
	}
	return out
}

func (g *Gateway) handleLeave(ctx context.Context, c *client, _ json.RawMessage) (any, *opError) {
	room := g.registry.ClearRoom(c.id)
	if room == "" {
		return nil, nil
	}
	g.leaveRoom(ctx, c, room)
	return map[string]any{"conversationId": room}, nil
}

// currentRoom returns the connection's room or an error ack for
// operations that need one.
func (g *Gateway) currentRoom(c *client) (string, *opError) {
	room := g.registry.RoomOf(c.id)
	if room == "" {
		return "", newOpError(CodeInvalidMessage, "join a conversation first")
	}
	return room, nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	var req sendRequest
	if e := decode(data, &req); e != nil {
		return nil, e
	}
	room, e := g.currentRoom(c)
	if e != nil {
		return nil, e
	}
	if req.ConversationID != "" && req.ConversationID != room {
		return nil, newOpError(CodeForbidden, "not joined to that conversation")
	}
	if (req.Type == "" || req.Type == store.TypeText) && strings.TrimSpace(req.Content) == "" {
		return nil, newOpError(CodeInvalidMessage, "content is required")
	}

	var key string
	if g.dedupe != nil && req.ClientMessageID != "" {
		key = dedupe.Key(c.identity.UserID, req.ClientMessageID)
		if id, ok := g.dedupe.Lookup(key); ok {
			metrics.DuplicateSends.Inc()
			return map[string]any{"messageId": id, "duplicate": true}, nil
		}
	}

	if !g.limiters.Allow(c.identity.UserID) {
		return nil, newOpError(CodeRateLimit, "too many messages")
	}

	kind := store.SenderClient
	if c.identity.IsStaff() {
		kind = store.SenderAgent
	}
	msg, err := g.messages.SaveMessage(ctx, ingress.SaveRequest{
		ConversationID: room,
		SenderID:       c.identity.UserID,
		SenderName:     c.identity.Name,
		SenderKind:     kind,
		Type:           req.Type,
		Content:        req.Content,
		Attachment:     req.Attachment,
		Metadata:       req.Metadata,
		ReplyTo:        req.ReplyTo,
		Mentions:       req.Mentions,
	})
	if err != nil {
		return nil, g.toOpError(OpSendMessage, c, err)
	}

	if key != "" {
		g.dedupe.Store(key, msg.ID)
	}
	if g.typing.Stop(room, c.id) {
		g.publishRoom(ctx, room, EventTyping, c.id, typingEvent{UserID: c.identity.UserID, IsTyping: false})
	}

	return map[string]any{
		"messageId": msg.ID,
		"timestamp": msg.CreatedAt.Format(time.RFC3339Nano),
	}, nil
}

func (g *Gateway) handleStartTyping(ctx context.Context, c *client, _ json.RawMessage) (any, *opError) {
	room, e := g.currentRoom(c)
	if e != nil {
		return nil, e
	}
	if g.typing.Start(room, c.id, c.identity.UserID) {
		g.publishRoom(ctx, room, EventTyping, c.id, typingEvent{UserID: c.identity.UserID, IsTyping: true})
	}
	return nil, nil
}

func (g *Gateway) handleStopTyping(ctx context.Context, c *client, _ json.RawMessage) (any, *opError) {
	room, e := g.currentRoom(c)
	if e != nil {
		return nil, e
	}
	if g.typing.Stop(room, c.id) {
		g.publishRoom(ctx, room, EventTyping, c.id, typingEvent{UserID: c.identity.UserID, IsTyping: false})
	}
	return nil, nil
}

// roomMessage loads a message and checks it belongs to the caller's room.
func (g *Gateway) roomMessage(ctx context.Context, op string, c *client, messageID string) (*store.Message, *opError) {
	room, e := g.currentRoom(c)
	if e != nil {
		return nil, e
	}
	if messageID == "" {
		return nil, newOpError(CodeInvalidMessage, "messageId is required")
	}
	msg, err := g.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newOpError(CodeMessageNotFound, "message not found")
	}
	if err != nil {
		return nil, g.toOpError(op, c, err)
	}
	if msg.ConversationID != room {
		return nil, newOpError(CodeForbidden, "message is not in the joined conversation")
	}
	return msg, nil
}

func (g *Gateway) handleMarkAsRead(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	return g.markStatus(ctx, OpMarkAsRead, c, data, store.StatusRead, EventMessageRead)
}

func (g *Gateway) handleMarkAsDelivered(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	return g.markStatus(ctx, OpMarkAsDelivered, c, data, store.StatusDelivered, EventMessageDelivered)
}

func (g *Gateway) markStatus(ctx context.Context, op string, c *client, data json.RawMessage, status store.MessageStatus, event string) (any, *opError) {
	var req messageRef
	if e := decode(data, &req); e != nil {
		return nil, e
	}
	msg, e := g.roomMessage(ctx, op, c, req.MessageID)
	if e != nil {
		return nil, e
	}
	_, changed, err := g.messages.UpdateMessageStatus(ctx, msg.ID, status)
	if err != nil {
		return nil, g.toOpError(op, c, err)
	}
	if changed {
		g.publishRoom(ctx, msg.ConversationID, event, "", receiptEvent{MessageID: msg.ID, UserID: c.identity.UserID})
	}
	return map[string]any{"messageId": msg.ID, "changed": changed}, nil
}

func (g *Gateway) handleEditMessage(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	var req editRequest
	if e := decode(data, &req); e != nil {
		return nil, e
	}
	if _, e := g.roomMessage(ctx, OpEditMessage, c, req.MessageID); e != nil {
		return nil, e
	}
	msg, err := g.messages.EditMessage(ctx, ingress.EditRequest{
		MessageID: req.MessageID,
		EditorID:  c.identity.UserID,
		Content:   req.Content,
	})
	if err != nil {
		return nil, g.toOpError(OpEditMessage, c, err)
	}
	return map[string]any{"message": bus.ViewOf(msg)}, nil
}

func (g *Gateway) handleDeleteMessage(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	var req messageRef
	if e := decode(data, &req); e != nil {
		return nil, e
	}
	msg, e := g.roomMessage(ctx, OpDeleteMessage, c, req.MessageID)
	if e != nil {
		return nil, e
	}

	moderator := false
	if c.identity.IsStaff() {
		conv, err := g.store.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			return nil, g.toOpError(OpDeleteMessage, c, err)
		}
		moderator = conv.CompanyID == c.identity.CompanyID
	}

	if _, err := g.messages.DeleteMessage(ctx, msg.ID, c.identity.UserID, moderator); err != nil {
		return nil, g.toOpError(OpDeleteMessage, c, err)
	}
	return map[string]any{"messageId": msg.ID}, nil
}

func (g *Gateway) handleAddReaction(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	return g.react(ctx, OpAddReaction, c, data, g.messages.AddReaction)
}

func (g *Gateway) handleRemoveReaction(ctx context.Context, c *client, data json.RawMessage) (any, *opError) {
	return g.react(ctx, OpRemoveReaction, c, data, g.messages.RemoveReaction)
}

func (g *Gateway) react(
	ctx context.Context,
	op string,
	c *client,
	data json.RawMessage,
	apply func(ctx context.Context, messageID, symbol, userID string) (*store.Message, error),
) (any, *opError) {
	var req reactionRequest
	if e := decode(data, &req); e != nil {
		return nil, e
	}
	if _, e := g.roomMessage(ctx, op, c, req.MessageID); e != nil {
		return nil, e
	}
	msg, err := apply(ctx, req.MessageID, req.Reaction, c.identity.UserID)
	if err != nil {
		return nil, g.toOpError(op, c, err)
	}
	return map[string]any{"messageId": msg.ID, "reactions": msg.Payload.Reactions}, nil
}

// handleGetQueuePosition answers -1 when the connection is not in a room or
// the room's conversation is not waiting.
func (g *Gateway) handleGetQueuePosition(ctx context.Context, c *client, _ json.RawMessage) (any, *opError) {
	room := g.registry.RoomOf(c.id)
	if room == "" {
		return map[string]any{"position": -1}, nil
	}
	pos, err := g.queue.Position(ctx, room)
	if err != nil {
		return nil, g.toOpError(OpGetQueuePosition, c, err)
	}
	if pos == nil {
		return map[string]any{"conversationId": room, "position": -1}, nil
	}
	return map[string]any{
		"conversationId": room,
		"position":       *pos,
		"estimatedWait":  g.queue.EstimateWait(*pos),
	}, nil
}
