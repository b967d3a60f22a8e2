// ABOUTME: Transcript snapshot persistence for SQLiteStore
// ABOUTME: One JSON transcript per closed conversation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTranscriptExists is returned when a conversation already has a stored transcript.
var ErrTranscriptExists = errors.New("transcript already exists")

// SaveTranscript stores a transcript snapshot. Each conversation keeps at most one.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, rec *TranscriptRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (conversation_id, company_id, payload_json, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.ConversationID, rec.CompanyID, string(rec.Payload), formatTime(rec.CreatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if isConstraintViolation(err) {
			return ErrTranscriptExists
		}
		return fmt.Errorf("inserting transcript: %w", err)
	}

	s.logger.Debug("saved transcript", "conversation_id", rec.ConversationID)
	return nil
}

// GetTranscript returns the stored transcript for a conversation.
func (s *SQLiteStore) GetTranscript(ctx context.Context, conversationID string) (*TranscriptRecord, error) {
	var (
		rec       TranscriptRecord
		payload   string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, company_id, payload_json, created_at
		FROM transcripts WHERE conversation_id = ?
	`, conversationID).Scan(&rec.ConversationID, &rec.CompanyID, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}

	rec.Payload = []byte(payload)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}
