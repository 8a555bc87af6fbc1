package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/model"
)

const userColumns = `id, client_id, remote_jid, name, phone, operator_topic_id, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.ClientID, &u.RemoteJID, &u.Name, &u.Phone,
		&u.OperatorTopicID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// UpsertUser creates or refreshes a user row. Collisions on
// (client_id, remote_jid) resolve to the existing row; the profile fields are
// refreshed when the inbound payload carries non-empty values.
func (s *Store) UpsertUser(ctx context.Context, db DB, clientID uuid.UUID, remoteJID string, profile model.UserProfile) (*model.User, error) {
	row := db.QueryRow(ctx, `
		INSERT INTO users (id, client_id, remote_jid, name, phone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, remote_jid) DO UPDATE SET
			name       = CASE WHEN EXCLUDED.name  != '' THEN EXCLUDED.name  ELSE users.name  END,
			phone      = CASE WHEN EXCLUDED.phone != '' THEN EXCLUDED.phone ELSE users.phone END,
			updated_at = now()
		RETURNING `+userColumns,
		uuid.Must(uuid.NewV7()), clientID, remoteJID, profile.Name, profile.Phone)
	return scanUser(row)
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// SetOperatorTopic stores the per-user operator topic id for channels that
// thread operator views per user.
func (s *Store) SetOperatorTopic(ctx context.Context, userID uuid.UUID, topicID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET operator_topic_id = $2, updated_at = now() WHERE id = $1`, userID, topicID)
	if err != nil {
		return fmt.Errorf("failed to set operator topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
