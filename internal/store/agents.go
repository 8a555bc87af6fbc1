package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/model"
)

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.ClientID, &a.Name, &a.IsOwner, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}

// ResolveAgent maps (channel, external id) to an agent. When no identity
// exists yet the agent is provisioned on first contact with the supplied name.
func (s *Store) ResolveAgent(ctx context.Context, db DB, clientID uuid.UUID, channel model.Channel, externalID, name string) (*model.Agent, error) {
	agent, err := scanAgent(db.QueryRow(ctx, `
		SELECT a.id, a.client_id, a.name, a.is_owner, a.created_at
		FROM agent_identities ai
		JOIN agents a ON a.id = ai.agent_id
		WHERE ai.channel = $1 AND ai.external_id = $2`, channel, externalID))
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	agentID := uuid.Must(uuid.NewV7())
	agent, err = scanAgent(db.QueryRow(ctx, `
		INSERT INTO agents (id, client_id, name)
		VALUES ($1, $2, $3)
		RETURNING id, client_id, name, is_owner, created_at`, agentID, clientID, name))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(ctx, `
		INSERT INTO agent_identities (id, agent_id, channel, external_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, external_id) DO NOTHING`,
		uuid.Must(uuid.NewV7()), agentID, channel, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent identity: %w", err)
	}
	return agent, nil
}
