package model

import (
	"time"

	"github.com/google/uuid"
)

// ClientSettings are per-tenant tunables for escalation timers and channels.
type ClientSettings struct {
	ClientID          uuid.UUID `json:"client_id"`
	OperatorChatID    string    `json:"operator_chat_id,omitempty"`
	OperatorBotToken  string    `json:"operator_bot_token,omitempty"`
	OwnerEscalationID string    `json:"owner_escalation_id,omitempty"`

	Reminder1Delay time.Duration `json:"reminder_1_delay"`
	Reminder2Delay time.Duration `json:"reminder_2_delay"`
	AutoCloseDelay time.Duration `json:"auto_close_delay"`

	// Mute applied on administrative mute actions.
	AdminMuteDuration time.Duration `json:"admin_mute_duration"`

	// Reopen within this window after resolve keeps the bot unmuted.
	ResolveGraceWindow time.Duration `json:"resolve_grace_window"`

	// Canned acknowledgement returned to the end user on escalation.
	EscalationAck string `json:"escalation_ack,omitempty"`

	LearnFromResolutions bool `json:"learn_from_resolutions"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSettings returns the tunables applied when a tenant has no row yet.
func DefaultSettings(clientID uuid.UUID) *ClientSettings {
	return &ClientSettings{
		ClientID:           clientID,
		Reminder1Delay:     5 * time.Minute,
		Reminder2Delay:     15 * time.Minute,
		AutoCloseDelay:     60 * time.Minute,
		AdminMuteDuration:  30 * time.Minute,
		ResolveGraceWindow: 5 * time.Minute,
		EscalationAck:      "Передаю ваш вопрос менеджеру, он скоро ответит.",
	}
}
