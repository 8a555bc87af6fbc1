package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/model"
)

const messageColumns = `id, conversation_id, client_id, role, content, external_id, intent, confidence, metadata, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var metadata []byte
	err := row.Scan(&m.ID, &m.ConversationID, &m.ClientID, &m.Role, &m.Content,
		&m.ExternalID, &m.Intent, &m.Confidence, &metadata, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
	}
	return &m, nil
}

// InsertMessage appends an immutable message row. Ordering within a
// conversation follows server-side created_at.
func (s *Store) InsertMessage(ctx context.Context, db DB, m *model.Message) (*model.Message, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message metadata: %w", err)
	}
	if metadata == nil || string(metadata) == "null" {
		metadata = []byte(`{}`)
	}

	row := db.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, client_id, role, content, external_id, intent, confidence, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		m.ID, m.ConversationID, m.ClientID, m.Role, m.Content, m.ExternalID, m.Intent, m.Confidence, metadata)
	return scanMessage(row)
}

// RecordInbound inserts a user message keyed by its channel-side id. A
// webhook redelivery hits ux_messages_external and returns the original row
// with created false, so downstream envelopes collapse onto one message id.
// Without an external id every delivery is a fresh row.
func (s *Store) RecordInbound(ctx context.Context, db DB, m *model.Message) (*model.Message, bool, error) {
	if m.ExternalID == nil {
		msg, err := s.InsertMessage(ctx, db, m)
		return msg, err == nil, err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}

	row := db.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, client_id, role, content, external_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, '{}')
		ON CONFLICT (client_id, external_id) WHERE external_id IS NOT NULL DO NOTHING
		RETURNING `+messageColumns,
		m.ID, m.ConversationID, m.ClientID, m.Role, m.Content, m.ExternalID)

	created, err := scanMessage(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	existing, err := scanMessage(db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE client_id = $1 AND external_id = $2`,
		m.ClientID, *m.ExternalID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ListMessages returns a conversation's messages ordered by created_at.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// RecentMessages returns the newest n messages in chronological order,
// used to build the LLM context window.
func (s *Store) RecentMessages(ctx context.Context, db DB, conversationID uuid.UUID, n int) ([]model.Message, error) {
	rows, err := db.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// LastUserMessage returns the most recent user-role message, if any.
func (s *Store) LastUserMessage(ctx context.Context, db DB, conversationID uuid.UUID) (*model.Message, error) {
	row := db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND role = 'user'
		ORDER BY created_at DESC
		LIMIT 1`, conversationID)
	return scanMessage(row)
}
