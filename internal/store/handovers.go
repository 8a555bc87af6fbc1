package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/model"
)

const handoverColumns = `id, client_id, conversation_id, status, reason, summary,
	reminder_1_sent_at, reminder_2_sent_at, closed_at,
	taken_by_id, taken_by_name, resolved_by_id, resolved_by_name,
	operator_message_id, created_at, updated_at`

func scanHandover(row pgx.Row) (*model.Handover, error) {
	var h model.Handover
	err := row.Scan(&h.ID, &h.ClientID, &h.ConversationID, &h.Status, &h.Reason, &h.Summary,
		&h.Reminder1SentAt, &h.Reminder2SentAt, &h.ClosedAt,
		&h.TakenByID, &h.TakenByName, &h.ResolvedByID, &h.ResolvedByName,
		&h.OperatorMessageID, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan handover: %w", err)
	}
	return &h, nil
}

// CreateHandover inserts a pending handover. The partial unique index
// ux_handovers_open rejects a second open handover for the conversation.
func (s *Store) CreateHandover(ctx context.Context, db DB, h *model.Handover) (*model.Handover, error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.Must(uuid.NewV7())
	}
	if h.Status == "" {
		h.Status = model.HandoverPending
	}
	row := db.QueryRow(ctx, `
		INSERT INTO handovers (id, client_id, conversation_id, status, reason, summary)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+handoverColumns,
		h.ID, h.ClientID, h.ConversationID, h.Status, h.Reason, h.Summary)
	return scanHandover(row)
}

// GetHandover loads a handover by id.
func (s *Store) GetHandover(ctx context.Context, db DB, id uuid.UUID) (*model.Handover, error) {
	row := db.QueryRow(ctx, `SELECT `+handoverColumns+` FROM handovers WHERE id = $1`, id)
	return scanHandover(row)
}

// GetOpenHandover returns the conversation's non-terminal handover, if any.
func (s *Store) GetOpenHandover(ctx context.Context, db DB, conversationID uuid.UUID) (*model.Handover, error) {
	row := db.QueryRow(ctx, `
		SELECT `+handoverColumns+` FROM handovers
		WHERE conversation_id = $1 AND status IN ('pending', 'taken')`, conversationID)
	return scanHandover(row)
}

// HandoverUpdate is the set of columns a manager action or timer writes.
type HandoverUpdate struct {
	Status         model.HandoverStatus
	TakenByID      *string
	TakenByName    *string
	ResolvedByID   *string
	ResolvedByName *string
	ClosedAt       *time.Time
}

// ApplyHandoverUpdate writes a handover status change in the caller's
// transaction.
func (s *Store) ApplyHandoverUpdate(ctx context.Context, db DB, id uuid.UUID, u HandoverUpdate) error {
	tag, err := db.Exec(ctx, `
		UPDATE handovers SET
			status           = $2,
			taken_by_id      = COALESCE($3, taken_by_id),
			taken_by_name    = COALESCE($4, taken_by_name),
			resolved_by_id   = COALESCE($5, resolved_by_id),
			resolved_by_name = COALESCE($6, resolved_by_name),
			closed_at        = COALESCE($7, closed_at),
			updated_at       = now()
		WHERE id = $1`,
		id, u.Status, u.TakenByID, u.TakenByName, u.ResolvedByID, u.ResolvedByName, u.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to update handover: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOperatorMessageID stores the operator-channel message reference used for
// button edits.
func (s *Store) SetOperatorMessageID(ctx context.Context, handoverID uuid.UUID, messageID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE handovers SET operator_message_id = $2, updated_at = now() WHERE id = $1`,
		handoverID, messageID)
	if err != nil {
		return fmt.Errorf("failed to set operator message id: %w", err)
	}
	return nil
}

// DueReminders returns pending handovers whose reminder at the given level
// (1 or 2) is due and not yet sent. Due times derive from created_at plus the
// tenant's configured delay; the database clock is authoritative.
func (s *Store) DueReminders(ctx context.Context, level, limit int) ([]model.Handover, error) {
	var q string
	switch level {
	case 1:
		q = `
		SELECT ` + handoverColumns + ` FROM handovers h
		WHERE h.status = 'pending'
		  AND h.reminder_1_sent_at IS NULL
		  AND h.created_at + make_interval(secs =>
			COALESCE((SELECT cs.reminder_1_delay_sec FROM client_settings cs WHERE cs.client_id = h.client_id), 300)
		  ) <= now()
		ORDER BY h.created_at
		LIMIT $1`
	case 2:
		q = `
		SELECT ` + handoverColumns + ` FROM handovers h
		WHERE h.status = 'pending'
		  AND h.reminder_1_sent_at IS NOT NULL
		  AND h.reminder_2_sent_at IS NULL
		  AND h.created_at + make_interval(secs =>
			COALESCE((SELECT cs.reminder_2_delay_sec FROM client_settings cs WHERE cs.client_id = h.client_id), 900)
		  ) <= now()
		ORDER BY h.created_at
		LIMIT $1`
	default:
		return nil, fmt.Errorf("unknown reminder level %d", level)
	}

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due reminders: %w", err)
	}
	defer rows.Close()

	var out []model.Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// StampReminderSent marks a reminder as delivered. The predicate embeds the
// not-yet-sent condition so duplicate sweeps are no-ops; it reports whether
// this call won the stamp. Callers emitting an envelope pass their
// transaction so the stamp and the envelope commit or roll back together.
func (s *Store) StampReminderSent(ctx context.Context, db DB, handoverID uuid.UUID, level int) (bool, error) {
	var col string
	switch level {
	case 1:
		col = "reminder_1_sent_at"
	case 2:
		col = "reminder_2_sent_at"
	default:
		return false, fmt.Errorf("unknown reminder level %d", level)
	}
	tag, err := db.Exec(ctx,
		`UPDATE handovers SET `+col+` = now(), updated_at = now()
		 WHERE id = $1 AND `+col+` IS NULL AND status = 'pending'`, handoverID)
	if err != nil {
		return false, fmt.Errorf("failed to stamp reminder: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DueAutoClose returns pending handovers past their tenant's auto-close delay.
func (s *Store) DueAutoClose(ctx context.Context, limit int) ([]model.Handover, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+handoverColumns+` FROM handovers h
		WHERE h.status = 'pending'
		  AND h.created_at + make_interval(secs =>
			COALESCE((SELECT cs.auto_close_delay_sec FROM client_settings cs WHERE cs.client_id = h.client_id), 3600)
		  ) <= now()
		ORDER BY h.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find due auto-closes: %w", err)
	}
	defer rows.Close()

	var out []model.Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// FindOrphanHandovers returns non-terminal handovers whose conversation is
// already resolved.
func (s *Store) FindOrphanHandovers(ctx context.Context) ([]model.Handover, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+handoverColumns+` FROM handovers h
		JOIN conversations c ON c.id = h.conversation_id
		WHERE h.status IN ('pending', 'taken') AND c.state = 'resolved'`)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphan handovers: %w", err)
	}
	defer rows.Close()

	var out []model.Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}
