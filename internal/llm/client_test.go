package llm

import "testing"

func TestNewClientSelectsProvider(t *testing.T) {
	tests := []struct {
		provider Provider
		wantName string
	}{
		{ProviderAnthropic, "anthropic"},
		{ProviderOpenAI, "openai"},
		{Provider("unknown"), "anthropic"},
	}
	for _, tt := range tests {
		c, err := NewClient(tt.provider, "test-key")
		if err != nil {
			t.Fatalf("NewClient(%q): %v", tt.provider, err)
		}
		if c.Name() != tt.wantName {
			t.Errorf("NewClient(%q).Name() = %q, want %q", tt.provider, c.Name(), tt.wantName)
		}
		if len(c.Models()) == 0 {
			t.Errorf("NewClient(%q).Models() is empty", tt.provider)
		}
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(ProviderAnthropic, ""); err == nil {
		t.Error("NewClient with empty key should fail")
	}
	if _, err := NewClient(ProviderOpenAI, ""); err == nil {
		t.Error("NewClient with empty key should fail")
	}
}
