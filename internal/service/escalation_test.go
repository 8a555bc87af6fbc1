package service

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chatlift/conversation-engine/internal/model"
)

func TestComputeReminderDeadlines(t *testing.T) {
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	h := &model.Handover{ID: uuid.New(), CreatedAt: created}
	cs := &model.ClientSettings{
		Reminder1Delay: 5 * time.Minute,
		Reminder2Delay: 15 * time.Minute,
		AutoCloseDelay: time.Hour,
	}

	d := ComputeReminderDeadlines(h, cs)

	if want := created.Add(5 * time.Minute); !d.Reminder1Due.Equal(want) {
		t.Errorf("Reminder1Due = %v, want %v", d.Reminder1Due, want)
	}
	if want := created.Add(15 * time.Minute); !d.Reminder2Due.Equal(want) {
		t.Errorf("Reminder2Due = %v, want %v", d.Reminder2Due, want)
	}
	if want := created.Add(time.Hour); !d.AutoCloseDue.Equal(want) {
		t.Errorf("AutoCloseDue = %v, want %v", d.AutoCloseDue, want)
	}
}

func TestComputeReminderDeadlinesDefaults(t *testing.T) {
	created := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	h := &model.Handover{CreatedAt: created}
	d := ComputeReminderDeadlines(h, model.DefaultSettings(uuid.New()))

	if !d.Reminder1Due.Before(d.Reminder2Due) || !d.Reminder2Due.Before(d.AutoCloseDue) {
		t.Errorf("default deadlines out of order: %+v", d)
	}
}

func TestUserChannel(t *testing.T) {
	tests := []struct {
		jid  string
		want model.Channel
	}{
		{"79991234567@s.whatsapp.net", model.ChannelWhatsApp},
		{"120363041234@g.us", model.ChannelWhatsApp},
		{"123456789", model.ChannelTelegram},
	}
	for _, tt := range tests {
		if got := userChannel(&model.User{RemoteJID: tt.jid}); got != tt.want {
			t.Errorf("userChannel(%q) = %v, want %v", tt.jid, got, tt.want)
		}
	}
}
