package model

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleManager   Role = "manager"
)

// Classification is the answering engine's verdict on a reply.
type Classification string

const (
	ClassificationAnswer   Classification = "answer"
	ClassificationEscalate Classification = "escalate"
	ClassificationOffTopic Classification = "off_topic"
)

// Message represents an immutable conversation message.
type Message struct {
	// Identity
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	ClientID       uuid.UUID `json:"client_id"`

	// Content
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ExternalID is the channel-side message id, set on inbound messages
	// when the adapter provides one. It anchors webhook retry dedup.
	ExternalID *string `json:"external_id,omitempty"`

	// Classification metadata (nullable for non-assistant messages)
	Intent     *string           `json:"intent,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
