package store

import "testing"

func TestPrefixed(t *testing.T) {
	got := prefixed("o", "id, client_id,\n\tstatus")
	want := "o.id, o.client_id, o.status"
	if got != want {
		t.Errorf("prefixed() = %q, want %q", got, want)
	}
}
