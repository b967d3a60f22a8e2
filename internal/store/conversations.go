// ABOUTME: Conversation persistence for SQLiteStore
// ABOUTME: CRUD, compare-and-swap status updates and transactional queue renumbering

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `
	id, company_id, status, queue_position, started_at, closed_at,
	assigned_agent_id, assigned_agent_name, client_user_id, client_name,
	client_email, metadata_json, updated_at`

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.StartedAt
	}
	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.CompanyID,
		string(conv.Status),
		nullInt(conv.QueuePosition),
		formatTime(conv.StartedAt),
		nullTime(conv.ClosedAt),
		nullString(conv.AssignedAgentID),
		conv.AssignedAgentName,
		nullString(conv.ClientUserID),
		conv.ClientName,
		conv.ClientEmail,
		metadata,
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "company_id", conv.CompanyID, "status", conv.Status)
	return nil
}

// EnqueueConversation inserts conv as a waiting conversation one past the
// highest position among its company's waiting and open conversations. The
// position is computed and written by a single statement, so concurrent
// enqueues from several processes cannot collide.
func (s *SQLiteStore) EnqueueConversation(ctx context.Context, conv *Conversation) error {
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.StartedAt
	}
	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO conversations (` + conversationColumns + `)
		SELECT ?, ?, 'waiting', COALESCE(MAX(queue_position), 0) + 1, ?, NULL, ?, ?, ?, ?, ?, ?, ?
		FROM conversations
		WHERE company_id = ? AND status IN ('waiting', 'open')
		RETURNING queue_position`

	var pos int
	err = s.db.QueryRowContext(ctx, query,
		conv.ID,
		conv.CompanyID,
		formatTime(conv.StartedAt),
		nullString(conv.AssignedAgentID),
		conv.AssignedAgentName,
		nullString(conv.ClientUserID),
		conv.ClientName,
		conv.ClientEmail,
		metadata,
		formatTime(conv.UpdatedAt),
		conv.CompanyID,
	).Scan(&pos)
	if err != nil {
		return fmt.Errorf("enqueueing conversation: %w", err)
	}

	conv.Status = StatusWaiting
	conv.QueuePosition = &pos
	conv.ClosedAt = nil

	s.logger.Debug("enqueued conversation", "id", conv.ID, "company_id", conv.CompanyID, "position", pos)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateConversationIf writes every mutable field of conv, but only if the
// stored status still equals expected. Returns ErrNotFound when the row is
// missing and ErrStaleStatus when another writer changed the status first.
func (s *SQLiteStore) UpdateConversationIf(ctx context.Context, conv *Conversation, expected ConversationStatus) error {
	conv.UpdatedAt = time.Now().UTC()
	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE conversations
		SET status = ?, queue_position = ?, closed_at = ?, assigned_agent_id = ?,
		    assigned_agent_name = ?, client_name = ?, client_email = ?,
		    metadata_json = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(conv.Status),
		nullInt(conv.QueuePosition),
		nullTime(conv.ClosedAt),
		nullString(conv.AssignedAgentID),
		conv.AssignedAgentName,
		conv.ClientName,
		conv.ClientEmail,
		metadata,
		formatTime(conv.UpdatedAt),
		conv.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation: %w", err)
	}
	return ErrStaleStatus
}

// ListConversations returns conversations matching the filter ordered by start time.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var (
		where []string
		args  []any
	)
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// MaxQueuePosition returns the highest queue position among the company's
// waiting or open conversations, or 0 when there are none.
func (s *SQLiteStore) MaxQueuePosition(ctx context.Context, companyID string) (int, error) {
	var maxPos sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(queue_position) FROM conversations
		WHERE company_id = ? AND status IN ('waiting', 'open')
	`, companyID).Scan(&maxPos)
	if err != nil {
		return 0, fmt.Errorf("querying max queue position: %w", err)
	}
	if !maxPos.Valid {
		return 0, nil
	}
	return int(maxPos.Int64), nil
}

// SetQueuePositions writes the given positions for waiting conversations of
// one company in a single transaction. Conversations that are no longer
// waiting are left untouched.
func (s *SQLiteStore) SetQueuePositions(ctx context.Context, companyID string, positions map[string]int) error {
	if len(positions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE conversations SET queue_position = ?, updated_at = ?
		WHERE id = ? AND company_id = ? AND status = 'waiting'
	`)
	if err != nil {
		return fmt.Errorf("preparing position update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := formatTime(time.Now())
	for id, pos := range positions {
		if _, err := stmt.ExecContext(ctx, pos, now, id, companyID); err != nil {
			return fmt.Errorf("updating position for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing positions: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	str := string(data)
	return &str, nil
}

// scanConversation scans a row into a Conversation.
func scanConversation(scanner interface{ Scan(dest ...any) error }) (*Conversation, error) {
	var (
		conv                        Conversation
		status                      string
		position                    sql.NullInt64
		startedAt, updatedAt        string
		closedAt, agentID, clientID sql.NullString
		metadata                    sql.NullString
	)

	err := scanner.Scan(
		&conv.ID,
		&conv.CompanyID,
		&status,
		&position,
		&startedAt,
		&closedAt,
		&agentID,
		&conv.AssignedAgentName,
		&clientID,
		&conv.ClientName,
		&conv.ClientEmail,
		&metadata,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Status = ConversationStatus(status)
	if position.Valid {
		p := int(position.Int64)
		conv.QueuePosition = &p
	}
	if conv.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing closed_at: %w", err)
		}
		conv.ClosedAt = &t
	}
	if agentID.Valid {
		conv.AssignedAgentID = &agentID.String
	}
	if clientID.Valid {
		conv.ClientUserID = &clientID.String
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return &conv, nil
}
