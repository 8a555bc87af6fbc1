package middleware

import (
	"strings"
	"testing"
)

func TestValidateMessageContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"ok", "hello", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 100001), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"cyrillic", "привет", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessageContent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSlug(t *testing.T) {
	tests := []struct {
		slug    string
		wantErr bool
	}{
		{"acme", false},
		{"acme-branch_2", false},
		{"", true},
		{"Has Upper", true},
		{"with space", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		if err := ValidateSlug(tt.slug); (err != nil) != tt.wantErr {
			t.Errorf("ValidateSlug(%q) error = %v, wantErr %v", tt.slug, err, tt.wantErr)
		}
	}
}

func TestValidateConversationID(t *testing.T) {
	if err := ValidateConversationID("b9a7c2a0-0d5e-4d8e-9f34-64c1a7b2f3aa"); err != nil {
		t.Errorf("valid uuid rejected: %v", err)
	}
	if err := ValidateConversationID("not-a-uuid"); err == nil {
		t.Error("invalid uuid accepted")
	}
}
