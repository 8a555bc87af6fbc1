package model

import (
	"time"

	"github.com/google/uuid"
)

// LearnedStatus is the approval status of a learned response.
type LearnedStatus string

const (
	LearnedPendingApproval LearnedStatus = "pending"
	LearnedApproved        LearnedStatus = "approved"
	LearnedRejected        LearnedStatus = "rejected"
)

// LearnedResponse is a Q/A pair produced from a resolved handover, pending
// approval before it feeds the retrieval engine.
type LearnedResponse struct {
	ID         uuid.UUID     `json:"id"`
	ClientID   uuid.UUID     `json:"client_id"`
	HandoverID uuid.UUID     `json:"handover_id"`
	Question   string        `json:"question"`
	Answer     string        `json:"answer"`
	Status     LearnedStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Prompt is a per-tenant system prompt row.
type Prompt struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}
