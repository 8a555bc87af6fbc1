package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the delivery status of an outbound envelope.
type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "PENDING"
	OutboxInFlight OutboxStatus = "IN_FLIGHT"
	OutboxSent     OutboxStatus = "SENT"
	OutboxFailed   OutboxStatus = "FAILED"
	OutboxDead     OutboxStatus = "DEAD"
)

// OutboxKind distinguishes what an envelope carries.
type OutboxKind string

const (
	OutboxBotReply         OutboxKind = "bot_reply"
	OutboxOperatorNotify   OutboxKind = "operator_notify"
	OutboxOperatorReminder OutboxKind = "operator_reminder"
	OutboxOperatorButtons  OutboxKind = "operator_buttons"
	OutboxClosureNotice    OutboxKind = "closure_notice"
)

// OutboxMessage is a pending outbound delivery. (client_id, inbound_message_id)
// is unique and serves as the dedup key against webhook retries.
type OutboxMessage struct {
	ID               uuid.UUID       `json:"id"`
	ClientID         uuid.UUID       `json:"client_id"`
	ConversationID   uuid.UUID       `json:"conversation_id"`
	InboundMessageID uuid.UUID       `json:"inbound_message_id"`
	Kind             OutboxKind      `json:"kind"`
	Channel          Channel         `json:"channel"`
	ChannelRef       string          `json:"channel_ref"`
	Payload          json.RawMessage `json:"payload"`
	Status           OutboxStatus    `json:"status"`
	Attempts         int             `json:"attempts"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	LastError        *string         `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
