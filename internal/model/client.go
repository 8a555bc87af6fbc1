// Package model defines data structures for the conversation engine.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ClientStatus represents the lifecycle status of a tenant.
type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientDisabled ClientStatus = "disabled"
)

// Channel identifies a messaging channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

// Client represents a tenant business account.
type Client struct {
	ID        uuid.UUID         `json:"id"`
	CompanyID *uuid.UUID        `json:"company_id,omitempty"`
	Slug      string            `json:"slug"`
	Name      string            `json:"name"`
	Status    ClientStatus      `json:"status"`
	Config    map[string]string `json:"config,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Company groups clients under one commercial account.
type Company struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Branch is a tenant sub-unit bound to one channel instance.
type Branch struct {
	ID             uuid.UUID `json:"id"`
	ClientID       uuid.UUID `json:"client_id"`
	Slug           string    `json:"slug"`
	Channel        Channel   `json:"channel"`
	InstanceID     string    `json:"instance_id"`
	Phone          string    `json:"phone,omitempty"`
	OperatorChatID string    `json:"operator_chat_id,omitempty"`
	KnowledgeTag   string    `json:"knowledge_tag,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// User is an end user within a tenant, keyed by (client, channel identifier).
type User struct {
	ID              uuid.UUID `json:"id"`
	ClientID        uuid.UUID `json:"client_id"`
	RemoteJID       string    `json:"remote_jid"`
	Name            string    `json:"name,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	OperatorTopicID *int64    `json:"operator_topic_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UserProfile carries the mutable attributes refreshed on each inbound contact.
type UserProfile struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}
