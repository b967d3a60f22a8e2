// ABOUTME: Wire format of the realtime channel: envelopes, acks, event names and error codes
// ABOUTME: Every frame is one JSON envelope {event, id, data}

package realtime

import (
	"encoding/json"

	"github.com/2389/parley-gateway/internal/store"
)

// Envelope is one WebSocket frame in either direction.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client requests.
const (
	OpJoin             = "join"
	OpLeave            = "leave"
	OpSendMessage      = "sendMessage"
	OpStartTyping      = "startTyping"
	OpStopTyping       = "stopTyping"
	OpMarkAsRead       = "markAsRead"
	OpMarkAsDelivered  = "markAsDelivered"
	OpEditMessage      = "editMessage"
	OpDeleteMessage    = "deleteMessage"
	OpAddReaction      = "addReaction"
	OpRemoveReaction   = "removeReaction"
	OpGetQueuePosition = "getQueuePosition"
)

// Server push events.
const (
	EventAck                  = "ack"
	EventMessage              = "message"
	EventMessageUpdated       = "messageUpdated"
	EventMessageDelivered     = "messageDelivered"
	EventMessageRead          = "messageRead"
	EventConversationAssigned = "conversationAssigned"
	EventConversationClosed   = "conversationClosed"
	EventQueueUpdate          = "queueUpdate"
	EventTyping               = "typing"
	EventUserJoined           = "userJoined"
	EventUserLeft             = "userLeft"
	EventError                = "error"
)

// Error codes carried in error acks and error events.
const (
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeMessageNotFound      = "MESSAGE_NOT_FOUND"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeForbidden            = "FORBIDDEN"
	CodeRateLimit            = "RATE_LIMIT"
	CodeTimeout              = "TIMEOUT"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorBody describes a failed operation.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// opError is returned by handlers and rendered into an ack.
type opError struct {
	code    string
	message string
}

func (e *opError) Error() string { return e.code + ": " + e.message }

func newOpError(code, message string) *opError {
	return &opError{code: code, message: message}
}

// ackFrame encodes the reply to request id. A nil err means ok; result
// fields are merged into the ack data.
func ackFrame(id string, result any, err *opError) ([]byte, error) {
	data := map[string]any{"ok": err == nil}
	if err != nil {
		data["error"] = ErrorBody{Code: err.code, Message: err.message}
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			return nil, mErr
		}
		var fields map[string]any
		if uErr := json.Unmarshal(raw, &fields); uErr != nil {
			return nil, uErr
		}
		for k, v := range fields {
			data[k] = v
		}
	}
	return eventFrame(EventAck, id, data)
}

func eventFrame(event, id string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, ID: id, Data: raw})
}

type joinRequest struct {
	ConversationID string `json:"conversationId"`
}

type sendRequest struct {
	ConversationID  string            `json:"conversationId,omitempty"`
	Content         string            `json:"content"`
	Type            store.MessageType `json:"type,omitempty"`
	Attachment      *store.Attachment `json:"attachment,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	ReplyTo         string            `json:"replyTo,omitempty"`
	Mentions        []string          `json:"mentions,omitempty"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
}

type editRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type reactionRequest struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

// Participant is listed in the join ack.
type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Role     string `json:"role"`
	IsOnline bool   `json:"isOnline"`
}

type presenceEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	Role     string `json:"role,omitempty"`
}

type typingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type receiptEvent struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}
