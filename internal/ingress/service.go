// ABOUTME: Message Ingress Service: validates, persists and announces chat messages
// ABOUTME: Persist first, then side effects (auto-assign), then notify the bus

package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/store"
)

var (
	// ErrValidation is returned for malformed requests, before any I/O.
	ErrValidation = errors.New("validation failed")
	// ErrForbidden is returned when the actor may not change the message.
	ErrForbidden = errors.New("forbidden")
	// ErrMessageNotFound wraps store.ErrNotFound for a missing message, so
	// callers can tell it from a missing conversation.
	ErrMessageNotFound = errors.New("message not found")
)

const (
	// DefaultListLimit is the page size when none is given.
	DefaultListLimit = 50
	// MaxListLimit caps a single page.
	MaxListLimit = 200

	// maxUpdateAttempts bounds the reload-and-reapply rounds of one message change.
	maxUpdateAttempts = 64
)

// Store defines what ingress needs from storage.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateMessage(ctx context.Context, msg *store.Message) error
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	UpdateMessage(ctx context.Context, msg *store.Message) error
	ListMessages(ctx context.Context, conversationID string, q store.MessageQuery) ([]*store.Message, error)
}

// Assigner performs the implicit assignment on an agent's first reply.
type Assigner interface {
	Assign(ctx context.Context, conversationID string, agent queue.Actor) (*store.Conversation, error)
}

// Service is the single entry point for creating and mutating messages.
type Service struct {
	store    Store
	assigner Assigner
	bus      bus.Bus
	audit    queue.AuditSink
	locks    queue.Locker
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an ingress service. bus and audit may be nil.
func New(s Store, assigner Assigner, b bus.Bus, audit queue.AuditSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		assigner: assigner,
		bus:      b,
		audit:    audit,
		locks:    queue.NewLocalLocker(),
		logger:   logger.With("component", "ingress"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLocker replaces the in-process conversation lock, typically with a
// queue.RedisLocker so instances sharing a database also share the order.
func (s *Service) SetLocker(l queue.Locker) {
	s.locks = l
}

// SaveRequest carries everything needed to create a message.
type SaveRequest struct {
	ConversationID string
	SenderID       string // empty for system and anonymous client messages
	SenderName     string
	SenderKind     store.SenderKind
	Type           store.MessageType // defaults to text
	Content        string
	Attachment     *store.Attachment
	SystemEvent    string
	Metadata       map[string]any
	ReplyTo        string
	Mentions       []string
}

func (r *SaveRequest) validate() (store.Content, error) {
	if r.ConversationID == "" {
		return store.Content{}, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if !r.SenderKind.Valid() {
		return store.Content{}, fmt.Errorf("%w: unknown sender kind %q", ErrValidation, r.SenderKind)
	}
	if r.SenderKind == store.SenderAgent && r.SenderID == "" {
		return store.Content{}, fmt.Errorf("%w: agent messages need a sender id", ErrValidation)
	}

	c := store.Content{
		Type:       r.Type,
		Body:       r.Content,
		Attachment: r.Attachment,
		Metadata:   r.Metadata,
	}
	if c.Type == "" {
		c.Type = store.TypeText
	}
	if r.SystemEvent != "" {
		c.System = &store.SystemNote{Event: r.SystemEvent}
	}
	if err := c.Validate(r.SenderKind); err != nil {
		return store.Content{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return c, nil
}

// SaveMessage validates and persists a message. When an agent replies to a
// waiting conversation, the conversation is assigned to that agent. The
// message.created event is published only after the insert succeeded, and
// the conversation lock spans insert and publish so subscribers see
// messages in the order they were stored.
func (s *Service) SaveMessage(ctx context.Context, req SaveRequest) (*store.Message, error) {
	content, err := req.validate()
	if err != nil {
		return nil, err
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	// The timestamp is taken under the lock: it is the stored order.
	unlock, err := s.locks.Lock(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("locking conversation: %w", err)
	}
	defer unlock()

	now := s.now()
	content.Status = store.StatusSent
	content.Timestamps = store.Timestamps{Sent: now}
	content.Reactions = map[string][]string{}
	content.Mentions = dedupeStrings(req.Mentions)
	content.Version = 1
	if req.ReplyTo != "" {
		content.ReplyTo = s.replyRef(ctx, req.ConversationID, req.ReplyTo)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderKind:     req.SenderKind,
		Content:        displayText(content),
		Payload:        content,
		CreatedAt:      now,
	}
	if req.SenderID != "" {
		senderID := req.SenderID
		msg.SenderID = &senderID
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	metrics.MessagesSaved.WithLabelValues(string(req.SenderKind)).Inc()

	s.logger.Debug("message saved",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"sender_kind", req.SenderKind)

	if conv.Status == store.StatusWaiting && req.SenderKind == store.SenderAgent {
		s.autoAssign(ctx, conv.ID, queue.Actor{ID: req.SenderID, Name: req.SenderName})
	}

	s.publish(ctx, bus.TopicMessageCreated, conv, msg)
	return msg, nil
}

func (s *Service) autoAssign(ctx context.Context, conversationID string, agent queue.Actor) {
	if s.assigner == nil {
		return
	}
	_, err := s.assigner.Assign(ctx, conversationID, agent)
	switch {
	case err == nil:
		s.logger.Info("conversation auto-assigned on first agent reply",
			"conversation_id", conversationID,
			"agent_id", agent.ID)
	case errors.Is(err, queue.ErrInvalidTransition):
		// Another agent (or a retry) already assigned it.
	default:
		s.logger.Error("auto-assign failed",
			"conversation_id", conversationID,
			"agent_id", agent.ID,
			"error", err)
	}
}

func (s *Service) replyRef(ctx context.Context, conversationID, messageID string) *store.ReplyRef {
	target, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("resolving reply target", "message_id", messageID, "error", err)
		}
		return nil
	}
	if target.ConversationID != conversationID {
		return nil
	}
	return &store.ReplyRef{MessageID: target.ID, Preview: queue.Preview(target.Content)}
}

// EditRequest replaces the text of an existing message.
type EditRequest struct {
	MessageID string
	EditorID  string
	Content   string
}

// EditMessage lets the original sender change a message's text.
func (s *Service) EditMessage(ctx context.Context, req EditRequest) (*store.Message, error) {
	if req.MessageID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	msg, _, err := s.updateMessage(ctx, req.MessageID, func(msg *store.Message) (bool, error) {
		if msg.SenderID == nil || *msg.SenderID != req.EditorID {
			return false, fmt.Errorf("%w: only the sender can edit a message", ErrForbidden)
		}
		if msg.IsDeleted() {
			return false, fmt.Errorf("%w: message was deleted", ErrValidation)
		}
		if msg.Payload.Type != store.TypeText && msg.Payload.Type != store.TypeNotification {
			return false, fmt.Errorf("%w: %s messages cannot be edited", ErrValidation, msg.Payload.Type)
		}
		msg.Payload.Body = req.Content
		msg.Payload.Edited = &store.Marker{At: s.now(), By: req.EditorID}
		msg.Payload.Version++
		msg.Content = req.Content
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.announceUpdate(ctx, req.EditorID, store.AuditEditMessage, msg)
	return msg, nil
}

// DeleteMessage soft-deletes a message. The sender may delete their own
// messages; moderators (agents, admins) may delete any. Deleting twice is a no-op.
func (s *Service) DeleteMessage(ctx context.Context, messageID, actorID string, moderator bool) (*store.Message, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: message id is required", ErrValidation)
	}

	msg, changed, err := s.updateMessage(ctx, messageID, func(msg *store.Message) (bool, error) {
		isSender := msg.SenderID != nil && *msg.SenderID == actorID
		if !isSender && !moderator {
			return false, fmt.Errorf("%w: cannot delete another user's message", ErrForbidden)
		}
		if msg.IsDeleted() {
			return false, nil
		}
		msg.Payload.Deleted = &store.Marker{At: s.now(), By: actorID}
		msg.Payload.Body = store.DeletedTombstone
		msg.Payload.Version++
		msg.Content = store.DeletedTombstone
		return true, nil
	})
	if err != nil || !changed {
		return msg, err
	}

	s.announceUpdate(ctx, actorID, store.AuditDeleteMessage, msg)
	return msg, nil
}

// AddReaction adds userID's reaction. Repeating it changes nothing.
func (s *Service) AddReaction(ctx context.Context, messageID, symbol, userID string) (*store.Message, error) {
	return s.mutateReaction(ctx, messageID, symbol, userID, (*store.Content).AddReaction)
}

// RemoveReaction removes userID's reaction. Removing a missing reaction changes nothing.
func (s *Service) RemoveReaction(ctx context.Context, messageID, symbol, userID string) (*store.Message, error) {
	return s.mutateReaction(ctx, messageID, symbol, userID, (*store.Content).RemoveReaction)
}

func (s *Service) mutateReaction(
	ctx context.Context,
	messageID, symbol, userID string,
	apply func(c *store.Content, symbol, userID string) bool,
) (*store.Message, error) {
	if messageID == "" || strings.TrimSpace(symbol) == "" || userID == "" {
		return nil, fmt.Errorf("%w: message id, reaction and user are required", ErrValidation)
	}

	msg, changed, err := s.updateMessage(ctx, messageID, func(msg *store.Message) (bool, error) {
		if msg.IsDeleted() {
			return false, fmt.Errorf("%w: message was deleted", ErrValidation)
		}
		return apply(&msg.Payload, symbol, userID), nil
	})
	if err != nil || !changed {
		return msg, err
	}
	s.publishUpdated(ctx, msg)
	return msg, nil
}

// UpdateMessageStatus advances a message to delivered or read. Status never
// regresses; the returned bool reports whether anything changed.
func (s *Service) UpdateMessageStatus(ctx context.Context, messageID string, status store.MessageStatus) (*store.Message, bool, error) {
	if status != store.StatusDelivered && status != store.StatusRead {
		return nil, false, fmt.Errorf("%w: status must be delivered or read", ErrValidation)
	}
	if messageID == "" {
		return nil, false, fmt.Errorf("%w: message id is required", ErrValidation)
	}

	return s.updateMessage(ctx, messageID, func(msg *store.Message) (bool, error) {
		return msg.Payload.AdvanceStatus(status, s.now()), nil
	})
}

// updateMessage loads a message, applies change and writes it back. When
// another writer updated the message in between, it reloads and reapplies.
// change reports whether there is anything to write.
func (s *Service) updateMessage(
	ctx context.Context,
	messageID string,
	change func(msg *store.Message) (bool, error),
) (*store.Message, bool, error) {
	for attempt := 1; ; attempt++ {
		msg, err := s.store.GetMessage(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %w", ErrMessageNotFound, err)
		}
		if err != nil {
			return nil, false, err
		}
		changed, err := change(msg)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return msg, false, nil
		}

		err = s.store.UpdateMessage(ctx, msg)
		if err == nil {
			return msg, true, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %w", ErrMessageNotFound, err)
		}
		if !errors.Is(err, store.ErrStaleMessage) || attempt == maxUpdateAttempts {
			return nil, false, fmt.Errorf("updating message: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		metrics.MessageUpdateRetries.Inc()
		s.logger.Debug("message changed concurrently, retrying", "message_id", messageID, "attempt", attempt)
	}
}

// ListOptions paginates ListMessages.
type ListOptions struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// ListMessages returns a conversation's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*store.Message, error) {
	if opts.Offset < 0 {
		return nil, fmt.Errorf("%w: offset cannot be negative", ErrValidation)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, store.MessageQuery{
		Limit:          limit,
		Offset:         opts.Offset,
		IncludeDeleted: opts.IncludeDeleted,
	})
}

// announceUpdate audits a moderated change and publishes message.updated.
func (s *Service) announceUpdate(ctx context.Context, actorID string, action store.AuditAction, msg *store.Message) {
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn("loading conversation for update event", "message_id", msg.ID, "error", err)
		return
	}
	s.recordAudit(ctx, actorID, action, conv.CompanyID, msg)
	s.publish(ctx, bus.TopicMessageUpdated, conv, msg)
}

func (s *Service) recordAudit(ctx context.Context, actorID string, action store.AuditAction, companyID string, msg *store.Message) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, store.AuditEntry{
		ActorID:    actorID,
		CompanyID:  companyID,
		Action:     action,
		TargetType: "message",
		TargetID:   msg.ID,
		Detail: map[string]any{
			"conversation_id": msg.ConversationID,
			"version":         msg.Payload.Version,
		},
	})
}

func (s *Service) publishUpdated(ctx context.Context, msg *store.Message) {
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Warn("loading conversation for update event", "message_id", msg.ID, "error", err)
		return
	}
	s.publish(ctx, bus.TopicMessageUpdated, conv, msg)
}

func (s *Service) publish(ctx context.Context, topic bus.Topic, conv *store.Conversation, msg *store.Message) {
	if s.bus == nil {
		return
	}
	ev, err := bus.NewEvent(topic, conv.ID, conv.CompanyID, bus.ViewOf(msg))
	if err != nil {
		s.logger.Error("building message event", "message_id", msg.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("publishing message event", "topic", topic, "message_id", msg.ID, "error", err)
	}
}

// displayText is the plain text stored alongside the payload.
func displayText(c store.Content) string {
	if c.Body == "" && c.Attachment != nil {
		return c.Attachment.FileName
	}
	return c.Body
}

func dedupeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
