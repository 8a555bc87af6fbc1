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

const outboxColumns = `id, client_id, conversation_id, inbound_message_id, kind, channel,
	channel_ref, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at`

func scanOutbox(row pgx.Row) (*model.OutboxMessage, error) {
	var o model.OutboxMessage
	err := row.Scan(&o.ID, &o.ClientID, &o.ConversationID, &o.InboundMessageID, &o.Kind, &o.Channel,
		&o.ChannelRef, &o.Payload, &o.Status, &o.Attempts, &o.NextAttemptAt, &o.LastError,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox envelope: %w", err)
	}
	return &o, nil
}

// Enqueue inserts an outbound envelope. The unique constraint on
// (client_id, inbound_message_id) short-circuits duplicate inserts from
// webhook retries: the existing envelope is returned and created is false.
func (s *Store) Enqueue(ctx context.Context, db DB, o *model.OutboxMessage) (*model.OutboxMessage, bool, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.Must(uuid.NewV7())
	}
	payload := o.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	row := db.QueryRow(ctx, `
		INSERT INTO outbox_messages (id, client_id, conversation_id, inbound_message_id, kind, channel, channel_ref, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (client_id, inbound_message_id) DO NOTHING
		RETURNING `+outboxColumns,
		o.ID, o.ClientID, o.ConversationID, o.InboundMessageID, o.Kind, o.Channel, o.ChannelRef, payload)

	created, err := scanOutbox(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	existing, err := scanOutbox(db.QueryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox_messages
		WHERE client_id = $1 AND inbound_message_id = $2`,
		o.ClientID, o.InboundMessageID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ClaimBatch atomically flips up to limit due PENDING envelopes to IN_FLIGHT,
// pushing next_attempt_at forward by the visibility timeout. SKIP LOCKED lets
// multiple dispatcher workers claim without blocking; DISTINCT ON plus the
// IN_FLIGHT exclusion keeps at most one envelope per conversation in flight,
// preserving intra-conversation send order.
//
// The NOT IN guard reads its own snapshot, so two CONCURRENT ClaimBatch
// statements could each claim an envelope for the same conversation. The
// process runs a single scheduler-driven dispatcher, which serializes claims;
// running multiple dispatcher processes would need a per-conversation
// advisory lock here.
func (s *Store) ClaimBatch(ctx context.Context, limit int, visibility time.Duration) ([]model.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id, conversation_id, next_attempt_at
			FROM outbox_messages
			WHERE status = 'PENDING'
			  AND next_attempt_at <= now()
			  AND conversation_id NOT IN (
				SELECT conversation_id FROM outbox_messages WHERE status = 'IN_FLIGHT'
			  )
			ORDER BY next_attempt_at
			LIMIT $1 * 4
			FOR UPDATE SKIP LOCKED
		),
		picked AS (
			SELECT id FROM (
				SELECT DISTINCT ON (conversation_id) id, next_attempt_at
				FROM candidates
				ORDER BY conversation_id, next_attempt_at
			) one_per_conversation
			ORDER BY next_attempt_at
			LIMIT $1
		)
		UPDATE outbox_messages o
		SET status = 'IN_FLIGHT', next_attempt_at = now() + $2, updated_at = now()
		FROM picked
		WHERE o.id = picked.id
		RETURNING `+prefixed("o", outboxColumns),
		limit, visibility)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxMessage
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// MarkSent acknowledges a delivered envelope.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'SENT', updated_at = now(), last_error = NULL
		WHERE id = $1 AND status = 'IN_FLIGHT'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark envelope sent: %w", err)
	}
	return nil
}

// MarkRetry returns an envelope to PENDING with an incremented attempt count
// and a computed next attempt time.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'PENDING', attempts = attempts + 1,
		    next_attempt_at = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'IN_FLIGHT'`, id, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark envelope for retry: %w", err)
	}
	return nil
}

// MarkDead parks an envelope permanently.
func (s *Store) MarkDead(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'DEAD', attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'IN_FLIGHT'`, id, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark envelope dead: %w", err)
	}
	return nil
}

// ReleaseStuck reopens IN_FLIGHT envelopes whose visibility timeout has
// expired (the worker died mid-dispatch). Returns the ids touched.
func (s *Store) ReleaseStuck(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_messages
		SET status = 'PENDING', attempts = attempts + 1, updated_at = now()
		WHERE status = 'IN_FLIGHT' AND next_attempt_at <= now()
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("failed to release stuck envelopes: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan envelope id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPending returns the PENDING backlog size.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_messages WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending envelopes: %w", err)
	}
	return n, nil
}

// GetOutbox loads an envelope by id.
func (s *Store) GetOutbox(ctx context.Context, id uuid.UUID) (*model.OutboxMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id)
	return scanOutbox(row)
}

// ListOutbox returns envelopes filtered by status (all when empty), newest
// first, for admin inspection.
func (s *Store) ListOutbox(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+outboxColumns+` FROM outbox_messages
			ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+outboxColumns+` FROM outbox_messages
			WHERE status = $1
			ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxMessage
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
