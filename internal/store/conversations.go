package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chatlift/conversation-engine/internal/model"
)

const conversationColumns = `id, client_id, user_id, branch_id, state, mute_until,
	last_inbound_at, last_bot_reply_at, active_handover_id, summary, created_at, updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.ClientID, &c.UserID, &c.BranchID, &c.State, &c.MuteUntil,
		&c.LastInboundAt, &c.LastBotReplyAt, &c.ActiveHandoverID, &c.Summary, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return &c, nil
}

// GetOrCreateConversation returns the single non-terminal conversation for
// (client, user) or creates one in bot_active. Concurrent creations are
// serialized by the partial unique index: a loser of the race retries the
// select after the unique violation.
func (s *Store) GetOrCreateConversation(ctx context.Context, db DB, clientID, userID uuid.UUID, branchID *uuid.UUID) (*model.Conversation, bool, error) {
	const selectOpen = `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE client_id = $1 AND user_id = $2 AND state != 'resolved'`

	conv, err := scanConversation(db.QueryRow(ctx, selectOpen, clientID, userID))
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	row := db.QueryRow(ctx, `
		INSERT INTO conversations (id, client_id, user_id, branch_id, state)
		VALUES ($1, $2, $3, $4, 'bot_active')
		RETURNING `+conversationColumns,
		uuid.Must(uuid.NewV7()), clientID, userID, branchID)
	conv, err = scanConversation(row)
	if err == nil {
		return conv, true, nil
	}

	// Unique violation on ux_conversations_open: someone else created the
	// conversation between our select and insert.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		conv, serr := scanConversation(db.QueryRow(ctx, selectOpen, clientID, userID))
		if serr != nil {
			return nil, false, serr
		}
		return conv, false, nil
	}
	return nil, false, err
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, db DB, id uuid.UUID) (*model.Conversation, error) {
	row := db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// GetConversationForUpdate loads a conversation with a row lock, serializing
// competing callbacks.
func (s *Store) GetConversationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Conversation, error) {
	row := tx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
	return scanConversation(row)
}

// ConversationUpdate is the set of columns a state change writes.
type ConversationUpdate struct {
	State               model.State
	MuteUntil           *time.Time
	ClearMute           bool
	ActiveHandoverID    *uuid.UUID
	ClearActiveHandover bool
	LastBotReplyAt      *time.Time
	Summary             *string
}

// ApplyConversationUpdate writes a state change. It must run in the same
// transaction as the handover and outbox writes it belongs to.
func (s *Store) ApplyConversationUpdate(ctx context.Context, db DB, id uuid.UUID, u ConversationUpdate) error {
	q := `UPDATE conversations SET state = $2, updated_at = now()`
	args := []any{id, u.State}
	n := 2

	add := func(expr string, val any) {
		n++
		q += fmt.Sprintf(", %s = $%d", expr, n)
		args = append(args, val)
	}

	if u.ClearMute {
		q += ", mute_until = NULL"
	} else if u.MuteUntil != nil {
		add("mute_until", *u.MuteUntil)
	}
	if u.ClearActiveHandover {
		q += ", active_handover_id = NULL"
	} else if u.ActiveHandoverID != nil {
		add("active_handover_id", *u.ActiveHandoverID)
	}
	if u.LastBotReplyAt != nil {
		add("last_bot_reply_at", *u.LastBotReplyAt)
	}
	if u.Summary != nil {
		add("summary", *u.Summary)
	}
	q += " WHERE id = $1"

	tag, err := db.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastInbound bumps last_inbound_at.
func (s *Store) TouchLastInbound(ctx context.Context, db DB, id uuid.UUID, at time.Time) error {
	_, err := db.Exec(ctx,
		`UPDATE conversations SET last_inbound_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch last_inbound_at: %w", err)
	}
	return nil
}

// ListConversations returns a tenant's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE client_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`, clientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FindStuckEscalating returns escalating conversations with no open handover.
func (s *Store) FindStuckEscalating(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations c
		WHERE c.state = 'escalating'
		  AND NOT EXISTS (
			SELECT 1 FROM handovers h
			WHERE h.conversation_id = c.id AND h.status IN ('pending', 'taken')
		  )`)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
