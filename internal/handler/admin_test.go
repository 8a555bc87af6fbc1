package handler

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseClientRef(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name     string
		ref      string
		wantID   uuid.UUID
		wantSlug string
		wantErr  bool
	}{
		{name: "uuid", ref: id.String(), wantID: id},
		{name: "slug", ref: "acme-flowers", wantSlug: "acme-flowers"},
		{name: "slug with digits", ref: "branch_2", wantSlug: "branch_2"},
		{name: "uppercase rejected", ref: "Acme", wantErr: true},
		{name: "empty rejected", ref: "", wantErr: true},
		{name: "path junk rejected", ref: "a/b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotSlug, err := parseClientRef(tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseClientRef(%q) succeeded, want error", tt.ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseClientRef(%q): %v", tt.ref, err)
			}
			if gotID != tt.wantID {
				t.Errorf("id = %v, want %v", gotID, tt.wantID)
			}
			if gotSlug != tt.wantSlug {
				t.Errorf("slug = %q, want %q", gotSlug, tt.wantSlug)
			}
		})
	}
}
