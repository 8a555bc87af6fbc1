package alert

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink delivers alerts to a Telegram chat.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink creates a sink for the alert bot token and chat id.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert bot: %w", err)
	}
	return &TelegramSink{api: api, chatID: chatID}, nil
}

// Deliver sends one rendered alert.
func (s *TelegramSink) Deliver(ctx context.Context, a Alert) error {
	msg := tgbotapi.NewMessage(s.chatID, Render(a))
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	return nil
}
