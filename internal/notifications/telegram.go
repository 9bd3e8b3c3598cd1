package notifications

import (
	"context"
	"errors"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotSender is the part of tgbotapi.BotAPI the sink needs.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink sends through the Bot API in HTML parse mode.
type TelegramSink struct {
	bot BotSender
}

// NewTelegramSink wraps a bot client.
func NewTelegramSink(bot BotSender) *TelegramSink {
	return &TelegramSink{bot: bot}
}

func (s *TelegramSink) SendText(_ context.Context, dest int64, text string) error {
	msg := tgbotapi.NewMessage(dest, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := s.bot.Send(msg)
	return translate(err)
}

func (s *TelegramSink) SendMedia(_ context.Context, dest int64, data []byte) error {
	photo := tgbotapi.NewPhoto(dest, tgbotapi.FileBytes{Name: "image", Bytes: data})
	_, err := s.bot.Send(photo)
	return translate(err)
}

// translate maps Bot API failures onto the sink error types.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		return &RateLimitError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	case apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusForbidden:
		return &RejectedError{Reason: apiErr.Message}
	}
	return err
}
