package model

import "github.com/google/uuid"

// InboundRequest is the channel webhook payload. MessageID is the
// channel-side message id; adapters that supply it get retry dedup — a
// redelivery maps onto the original message row and envelope.
type InboundRequest struct {
	ClientID  uuid.UUID  `json:"client_id"`
	RemoteJID string     `json:"remote_jid"`
	Content   string     `json:"content"`
	Channel   Channel    `json:"channel"`
	MessageID string     `json:"message_id,omitempty"`
	Name      string     `json:"name,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	BranchID  *uuid.UUID `json:"branch_id,omitempty"`
}

// InboundResponse describes how the engine handled an inbound message.
// Business failures (muted, escalated, empty reply) are reported here with a
// descriptive state, not by HTTP status.
type InboundResponse struct {
	Success        bool      `json:"success"`
	ConversationID uuid.UUID `json:"conversation_id"`
	State          string    `json:"state"`
	Intent         string    `json:"intent,omitempty"`
	BotResponse    string    `json:"bot_response,omitempty"`
}

// ManagerAction is a manager's verb on a handover.
type ManagerAction string

const (
	ActionTake    ManagerAction = "take"
	ActionResolve ManagerAction = "resolve"
	ActionSkip    ManagerAction = "skip"
	ActionReturn  ManagerAction = "return"
)

// Valid reports whether a is a known manager action.
func (a ManagerAction) Valid() bool {
	switch a {
	case ActionTake, ActionResolve, ActionSkip, ActionReturn:
		return true
	}
	return false
}

// CallbackRequest is a manager action submitted by the operator surface.
type CallbackRequest struct {
	ConversationID uuid.UUID     `json:"conversation_id"`
	Action         ManagerAction `json:"action"`
	ManagerID      string        `json:"manager_id"`
	ManagerName    string        `json:"manager_name,omitempty"`
	ResolutionText string        `json:"resolution_text,omitempty"`
}

// CallbackResponse reports the applied transition.
type CallbackResponse struct {
	Success        bool          `json:"success"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	Action         ManagerAction `json:"action"`
	OldState       State         `json:"old_state"`
	NewState       State         `json:"new_state"`
	Message        string        `json:"message,omitempty"`
}

// DueReminder is a reminder ready for operator notification.
type DueReminder struct {
	HandoverID     uuid.UUID `json:"handover_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	ClientID       uuid.UUID `json:"client_id"`
	Level          int       `json:"level"`
	Summary        string    `json:"summary,omitempty"`
}
