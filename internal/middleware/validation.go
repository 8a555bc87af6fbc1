package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates inbound message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateRemoteJID validates a channel user identifier.
func ValidateRemoteJID(jid string) error {
	if len(jid) == 0 {
		return errors.New("remote_jid cannot be empty")
	}
	if len(jid) > 128 {
		return errors.New("remote_jid exceeds maximum length")
	}
	return nil
}

// ValidateManagerID validates an external manager identifier.
func ValidateManagerID(id string) error {
	if len(id) == 0 {
		return errors.New("manager_id cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("manager_id exceeds maximum length")
	}
	return nil
}

// ValidateSlug validates a tenant or branch slug.
func ValidateSlug(slug string) error {
	if len(slug) == 0 {
		return errors.New("slug cannot be empty")
	}
	if len(slug) > 64 {
		return errors.New("slug exceeds maximum length")
	}
	for _, r := range slug {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return errors.New("slug may contain only lowercase letters, digits, '-' and '_'")
		}
	}
	return nil
}
