package model

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a human operator.
type Agent struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	Name      string    `json:"name"`
	IsOwner   bool      `json:"is_owner"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentIdentity resolves (channel, external id) back to an agent.
type AgentIdentity struct {
	ID         uuid.UUID `json:"id"`
	AgentID    uuid.UUID `json:"agent_id"`
	Channel    Channel   `json:"channel"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}
