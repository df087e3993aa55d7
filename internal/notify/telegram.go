package notify

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sender is the part of *tgbotapi.BotAPI the sink uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts events to one chat.
type TelegramSink struct {
	bot    sender
	chatID int64
}

// NewTelegramSink connects to the Bot API with token.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

// Send posts e as plain text. The Bot API call has its own HTTP timeout.
func (t *TelegramSink) Send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, e.Text())
	msg.DisableWebPagePreview = true
	_, err := t.bot.Send(msg)
	return err
}
