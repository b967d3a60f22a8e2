// ABOUTME: Message persistence for SQLiteStore
// ABOUTME: Stores display text plus the JSON content payload, with soft-delete filtering

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, sender_kind, content_text, content_json, created_at, updated_at, revision`

// CreateMessage inserts a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshaling content: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, sender_kind, content_text, content_json, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		nullString(msg.SenderID),
		string(msg.SenderKind),
		msg.Content,
		string(payload),
		boolToInt(msg.IsDeleted()),
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("inserting message for conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("created message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessage rewrites the display text and content payload of a message,
// provided its stored revision still equals msg.Revision. On success
// msg.Revision is advanced. Returns ErrStaleMessage if another writer got
// there first and ErrNotFound if the message is gone.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	updatedAt := time.Now().UTC()
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshaling content: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content_text = ?, content_json = ?, deleted = ?, updated_at = ?, revision = revision + 1
		WHERE id = ? AND revision = ?
	`, msg.Content, string(payload), boolToInt(msg.IsDeleted()), formatTime(updatedAt), msg.ID, msg.Revision)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, msg.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking message: %w", err)
		}
		return ErrStaleMessage
	}

	msg.UpdatedAt = updatedAt
	msg.Revision++
	return nil
}

// ListMessages returns messages of a conversation oldest first.
// Soft-deleted messages are skipped unless q.IncludeDeleted is set.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]*Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? AND (? OR deleted = 0)
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, conversationID, boolToInt(q.IncludeDeleted), limit, max(q.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return collectMessages(rows)
}

// RecentMessages returns the latest limit messages of a conversation, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return []*Message{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()

	msgs := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// scanMessage scans a row into a Message.
func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var (
		msg                  Message
		senderID             sql.NullString
		senderKind, payload  string
		createdAt, updatedAt string
	)

	err := scanner.Scan(
		&msg.ID,
		&msg.ConversationID,
		&senderID,
		&senderKind,
		&msg.Content,
		&payload,
		&createdAt,
		&updatedAt,
		&msg.Revision,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.SenderKind = SenderKind(senderKind)
	if senderID.Valid {
		msg.SenderID = &senderID.String
	}
	if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
		return nil, fmt.Errorf("unmarshaling content: %w", err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
