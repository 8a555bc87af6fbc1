package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/model"
)

// InsertLearnedResponse records a Q/A pair harvested from a resolved handover.
func (s *Store) InsertLearnedResponse(ctx context.Context, db DB, lr *model.LearnedResponse) error {
	if lr.ID == uuid.Nil {
		lr.ID = uuid.Must(uuid.NewV7())
	}
	if lr.Status == "" {
		lr.Status = model.LearnedPendingApproval
	}
	_, err := db.Exec(ctx, `
		INSERT INTO learned_responses (id, client_id, handover_id, question, answer, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		lr.ID, lr.ClientID, lr.HandoverID, lr.Question, lr.Answer, lr.Status)
	if err != nil {
		return fmt.Errorf("failed to insert learned response: %w", err)
	}
	return nil
}

// ListLearnedResponses returns a tenant's learned responses by status.
func (s *Store) ListLearnedResponses(ctx context.Context, clientID uuid.UUID, status model.LearnedStatus) ([]model.LearnedResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, handover_id, question, answer, status, created_at
		FROM learned_responses
		WHERE client_id = $1 AND status = $2
		ORDER BY created_at DESC`, clientID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list learned responses: %w", err)
	}
	defer rows.Close()

	var out []model.LearnedResponse
	for rows.Next() {
		var lr model.LearnedResponse
		if err := rows.Scan(&lr.ID, &lr.ClientID, &lr.HandoverID, &lr.Question, &lr.Answer, &lr.Status, &lr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan learned response: %w", err)
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

// SetLearnedStatus approves or rejects a learned response.
func (s *Store) SetLearnedStatus(ctx context.Context, id uuid.UUID, status model.LearnedStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE learned_responses SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update learned response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActivePrompt returns the tenant's active system prompt, if any.
func (s *Store) GetActivePrompt(ctx context.Context, clientID uuid.UUID) (*model.Prompt, error) {
	var p model.Prompt
	err := s.pool.QueryRow(ctx, `
		SELECT id, client_id, name, content, active, updated_at
		FROM prompts
		WHERE client_id = $1 AND active = true
		ORDER BY updated_at DESC
		LIMIT 1`, clientID).
		Scan(&p.ID, &p.ClientID, &p.Name, &p.Content, &p.Active, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active prompt: %w", err)
	}
	return &p, nil
}

// UpsertPrompt writes a named prompt row for a tenant.
func (s *Store) UpsertPrompt(ctx context.Context, p *model.Prompt) (*model.Prompt, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.Must(uuid.NewV7())
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO prompts (id, client_id, name, content, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (client_id, name) DO UPDATE SET
			content = EXCLUDED.content, active = EXCLUDED.active, updated_at = now()
		RETURNING id, updated_at`, p.ID, p.ClientID, p.Name, p.Content, p.Active).
		Scan(&p.ID, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert prompt: %w", err)
	}
	return p, nil
}

// ListPrompts returns a tenant's prompts.
func (s *Store) ListPrompts(ctx context.Context, clientID uuid.UUID) ([]model.Prompt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, name, content, active, updated_at
		FROM prompts WHERE client_id = $1 ORDER BY name`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var out []model.Prompt
	for rows.Next() {
		var p model.Prompt
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Name, &p.Content, &p.Active, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
