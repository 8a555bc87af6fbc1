package model

import (
	"time"

	"github.com/google/uuid"
)

// State represents the conversation lifecycle state.
type State string

const (
	StateBotActive     State = "bot_active"
	StateBotMuted      State = "bot_muted"
	StateEscalating    State = "escalating"
	StateManagerActive State = "manager_active"
	StateResolved      State = "resolved"
)

// Terminal reports whether the state admits no further activity.
func (s State) Terminal() bool {
	return s == StateResolved
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateBotActive, StateBotMuted, StateEscalating, StateManagerActive, StateResolved:
		return true
	}
	return false
}

// MuteForever is the far-future mute sentinel applied while a handover is open.
var MuteForever = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Conversation represents an ongoing session for (client, user, optional branch).
type Conversation struct {
	ID               uuid.UUID  `json:"id"`
	ClientID         uuid.UUID  `json:"client_id"`
	UserID           uuid.UUID  `json:"user_id"`
	BranchID         *uuid.UUID `json:"branch_id,omitempty"`
	State            State      `json:"state"`
	MuteUntil        *time.Time `json:"mute_until,omitempty"`
	LastInboundAt    *time.Time `json:"last_inbound_at,omitempty"`
	LastBotReplyAt   *time.Time `json:"last_bot_reply_at,omitempty"`
	ActiveHandoverID *uuid.UUID `json:"active_handover_id,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Muted reports whether the bot is muted at the given instant.
func (c *Conversation) Muted(now time.Time) bool {
	return c.MuteUntil != nil && now.Before(*c.MuteUntil)
}
