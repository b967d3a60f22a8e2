// ABOUTME: Structured message content payload stored alongside each message
// ABOUTME: Tagged union on Type with per-kind validation, reactions and markers

package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalidContent is returned when a content payload fails validation.
var ErrInvalidContent = errors.New("invalid message content")

// DeletedTombstone replaces the display content of soft-deleted messages.
const DeletedTombstone = "[message deleted]"

// SenderKind identifies who produced a message.
type SenderKind string

const (
	SenderClient SenderKind = "client"
	SenderAgent  SenderKind = "agent"
	SenderSystem SenderKind = "system"
)

// Valid reports whether k is a known sender kind.
func (k SenderKind) Valid() bool {
	switch k {
	case SenderClient, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// MessageType is the content kind tag.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeImage        MessageType = "image"
	TypeFile         MessageType = "file"
	TypeAudio        MessageType = "audio"
	TypeVideo        MessageType = "video"
	TypeSystem       MessageType = "system"
	TypeNotification MessageType = "notification"
)

// IsAttachment reports whether the type requires attachment metadata.
func (t MessageType) IsAttachment() bool {
	switch t {
	case TypeImage, TypeFile, TypeAudio, TypeVideo:
		return true
	}
	return false
}

// MessageStatus tracks delivery progress of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// rank orders delivery statuses so they never regress.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Dimensions of an image or video attachment.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Attachment describes the file carried by image/file/audio/video messages.
type Attachment struct {
	FileName     string      `json:"fileName"`
	FileSize     int64       `json:"fileSize"`
	MimeType     string      `json:"mimeType"`
	Duration     float64     `json:"duration,omitempty"`
	ThumbnailURL string      `json:"thumbnailUrl,omitempty"`
	Dimensions   *Dimensions `json:"dimensions,omitempty"`
	Transcript   string      `json:"transcript,omitempty"`
}

// SystemNote is carried by system messages.
type SystemNote struct {
	Event string `json:"event,omitempty"`
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Preview   string `json:"preview"`
}

// Marker records who changed a message and when.
type Marker struct {
	At time.Time `json:"at"`
	By string    `json:"by"`
}

// Timestamps records delivery milestones.
type Timestamps struct {
	Sent      time.Time  `json:"sent"`
	Delivered *time.Time `json:"delivered,omitempty"`
	Read      *time.Time `json:"read,omitempty"`
}

// Content is the structured payload of a message.
type Content struct {
	Type       MessageType         `json:"type"`
	Body       string              `json:"content"`
	Attachment *Attachment         `json:"attachment,omitempty"`
	System     *SystemNote         `json:"system,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Status     MessageStatus       `json:"status"`
	ReplyTo    *ReplyRef           `json:"replyTo,omitempty"`
	Reactions  map[string][]string `json:"reactions"`
	Mentions   []string            `json:"mentions"`
	Edited     *Marker             `json:"edited,omitempty"`
	Deleted    *Marker             `json:"deleted,omitempty"`
	Timestamps Timestamps          `json:"timestamps"`
	Version    int                 `json:"version"`
}

// Validate checks that the payload is consistent with its type tag and sender.
func (c *Content) Validate(sender SenderKind) error {
	switch {
	case c.Type == TypeText || c.Type == TypeNotification:
		if strings.TrimSpace(c.Body) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidContent)
		}
		if c.Attachment != nil {
			return fmt.Errorf("%w: %s message cannot carry an attachment", ErrInvalidContent, c.Type)
		}
	case c.Type.IsAttachment():
		if c.Attachment == nil {
			return fmt.Errorf("%w: %s message requires attachment metadata", ErrInvalidContent, c.Type)
		}
		if c.Attachment.FileName == "" {
			return fmt.Errorf("%w: attachment file name is required", ErrInvalidContent)
		}
		if c.Attachment.FileSize < 0 {
			return fmt.Errorf("%w: attachment size cannot be negative", ErrInvalidContent)
		}
		if !mimeMatches(c.Type, c.Attachment.MimeType) {
			return fmt.Errorf("%w: mime type %q does not match %s", ErrInvalidContent, c.Attachment.MimeType, c.Type)
		}
	case c.Type == TypeSystem:
		if sender != SenderSystem {
			return fmt.Errorf("%w: only the system can send system messages", ErrInvalidContent)
		}
		if strings.TrimSpace(c.Body) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidContent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidContent, c.Type)
	}
	return nil
}

func mimeMatches(t MessageType, mime string) bool {
	switch t {
	case TypeImage:
		return strings.HasPrefix(mime, "image/")
	case TypeAudio:
		return strings.HasPrefix(mime, "audio/")
	case TypeVideo:
		return strings.HasPrefix(mime, "video/")
	}
	return true
}

// AddReaction adds user to the reaction set for symbol.
// Returns false if the user had already reacted with that symbol.
func (c *Content) AddReaction(symbol, userID string) bool {
	if c.Reactions == nil {
		c.Reactions = make(map[string][]string)
	}
	if slices.Contains(c.Reactions[symbol], userID) {
		return false
	}
	c.Reactions[symbol] = append(c.Reactions[symbol], userID)
	return true
}

// RemoveReaction removes user from the reaction set for symbol, dropping the
// symbol once nobody is left. Returns false if there was nothing to remove.
func (c *Content) RemoveReaction(symbol, userID string) bool {
	users, ok := c.Reactions[symbol]
	if !ok {
		return false
	}
	idx := slices.Index(users, userID)
	if idx < 0 {
		return false
	}
	users = slices.Delete(users, idx, idx+1)
	if len(users) == 0 {
		delete(c.Reactions, symbol)
	} else {
		c.Reactions[symbol] = users
	}
	return true
}

// AdvanceStatus moves the delivery status forward and stamps the matching
// timestamp. Returns false when status would regress or is unchanged.
func (c *Content) AdvanceStatus(status MessageStatus, at time.Time) bool {
	if status == StatusFailed {
		if c.Status == StatusFailed {
			return false
		}
		c.Status = StatusFailed
		return true
	}
	if status.rank() <= c.Status.rank() {
		return false
	}
	c.Status = status
	switch status {
	case StatusDelivered:
		c.Timestamps.Delivered = &at
	case StatusRead:
		if c.Timestamps.Delivered == nil {
			c.Timestamps.Delivered = &at
		}
		c.Timestamps.Read = &at
	}
	return true
}

// Clone returns a copy that shares no mutable state with c.
func (c Content) Clone() Content {
	out := c
	if c.Attachment != nil {
		a := *c.Attachment
		if c.Attachment.Dimensions != nil {
			d := *c.Attachment.Dimensions
			a.Dimensions = &d
		}
		out.Attachment = &a
	}
	if c.System != nil {
		s := *c.System
		out.System = &s
	}
	if c.ReplyTo != nil {
		r := *c.ReplyTo
		out.ReplyTo = &r
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Reactions != nil {
		out.Reactions = make(map[string][]string, len(c.Reactions))
		for k, v := range c.Reactions {
			out.Reactions[k] = slices.Clone(v)
		}
	}
	out.Mentions = slices.Clone(c.Mentions)
	if c.Edited != nil {
		e := *c.Edited
		out.Edited = &e
	}
	if c.Deleted != nil {
		d := *c.Deleted
		out.Deleted = &d
	}
	if c.Timestamps.Delivered != nil {
		t := *c.Timestamps.Delivered
		out.Timestamps.Delivered = &t
	}
	if c.Timestamps.Read != nil {
		t := *c.Timestamps.Read
		out.Timestamps.Read = &t
	}
	return out
}
