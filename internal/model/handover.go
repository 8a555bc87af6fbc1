package model

import (
	"time"

	"github.com/google/uuid"
)

// HandoverStatus represents the status of an escalation envelope.
type HandoverStatus string

const (
	HandoverPending  HandoverStatus = "pending"
	HandoverTaken    HandoverStatus = "taken"
	HandoverResolved HandoverStatus = "resolved"
	HandoverSkipped  HandoverStatus = "skipped"
	HandoverTimeout  HandoverStatus = "timeout"
	HandoverReturned HandoverStatus = "returned"
)

// Terminal reports whether the handover admits no further manager action.
func (s HandoverStatus) Terminal() bool {
	switch s {
	case HandoverResolved, HandoverSkipped, HandoverTimeout, HandoverReturned:
		return true
	}
	return false
}

// Handover is an escalation envelope routed to human operators.
type Handover struct {
	ID             uuid.UUID      `json:"id"`
	ClientID       uuid.UUID      `json:"client_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Status         HandoverStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	Summary        string         `json:"summary,omitempty"`

	// Timer bookkeeping
	Reminder1SentAt *time.Time `json:"reminder_1_sent_at,omitempty"`
	Reminder2SentAt *time.Time `json:"reminder_2_sent_at,omitempty"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`

	// Operator attribution
	TakenByID      *string `json:"taken_by_id,omitempty"`
	TakenByName    *string `json:"taken_by_name,omitempty"`
	ResolvedByID   *string `json:"resolved_by_id,omitempty"`
	ResolvedByName *string `json:"resolved_by_name,omitempty"`

	// Operator-channel reference (message id on Telegram for button edits)
	OperatorMessageID *string `json:"operator_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReminderDeadlines are the absolute due times derived from a handover and
// its tenant settings. They are pure functions of stored timestamps.
type ReminderDeadlines struct {
	Reminder1Due time.Time `json:"reminder_1_due"`
	Reminder2Due time.Time `json:"reminder_2_due"`
	AutoCloseDue time.Time `json:"auto_close_due"`
}
