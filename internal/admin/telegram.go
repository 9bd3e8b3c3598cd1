package admin

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxPollConflicts is how many consecutive 409 Conflict answers to getUpdates
// end Run. Telegram sends 409 while another process polls the same token.
const maxPollConflicts = 3

// UpdatesBot is the part of tgbotapi.BotAPI the command surface drives.
type UpdatesBot interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// ChatAccess decides which chats may issue commands.
type ChatAccess interface {
	IsDestination(id int64) bool
}

// TelegramCommands serves the registry to allowed chats over long polling.
type TelegramCommands struct {
	bot         UpdatesBot
	registry    *Registry
	access      ChatAccess
	logger      *log.Logger
	pollTimeout int
	retryDelay  time.Duration
}

// TelegramOption customizes TelegramCommands.
type TelegramOption func(*TelegramCommands)

// WithTelegramLogger overrides the logger.
func WithTelegramLogger(logger *log.Logger) TelegramOption {
	return func(t *TelegramCommands) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func withRetryDelay(d time.Duration) TelegramOption {
	return func(t *TelegramCommands) { t.retryDelay = d }
}

// WithPollTimeout sets the long-poll timeout in seconds.
func WithPollTimeout(seconds int) TelegramOption {
	return func(t *TelegramCommands) {
		if seconds > 0 {
			t.pollTimeout = seconds
		}
	}
}

func NewTelegramCommands(bot UpdatesBot, registry *Registry, access ChatAccess, opts ...TelegramOption) *TelegramCommands {
	t := &TelegramCommands{
		bot:         bot,
		registry:    registry,
		access:      access,
		logger:      log.Default(),
		pollTimeout: 30,
		retryDelay:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run publishes the command menu and serves updates until ctx is done.
// Failed polls are retried, except that a persistent 409 Conflict is
// returned as an error.
func (t *TelegramCommands) Run(ctx context.Context) error {
	t.publishMenu()

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = t.pollTimeout
	conflicts := 0
	for {
		updates, err := t.poll(ctx, cfg)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
				conflicts++
				if conflicts >= maxPollConflicts {
					return fmt.Errorf("admin: telegram polling conflict, another instance is using this bot token: %w", err)
				}
			} else {
				conflicts = 0
			}
			t.logger.Printf("admin: get updates: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(t.retryDelay):
			}
			continue
		}
		conflicts = 0
		for _, update := range updates {
			if update.UpdateID >= cfg.Offset {
				cfg.Offset = update.UpdateID + 1
			}
			t.handle(ctx, update)
		}
	}
}

// poll runs one long poll. GetUpdates takes no context, so a cancelled ctx
// abandons the request in flight.
func (t *TelegramCommands) poll(ctx context.Context, cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		updates, err := t.bot.GetUpdates(cfg)
		ch <- result{updates, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.updates, r.err
	}
}

func (t *TelegramCommands) publishMenu() {
	var menu []tgbotapi.BotCommand
	for _, cmd := range t.registry.Commands() {
		menu = append(menu, tgbotapi.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	if _, err := t.bot.Request(tgbotapi.NewSetMyCommands(menu...)); err != nil {
		t.logger.Printf("admin: set bot commands: %v", err)
	}
}

func (t *TelegramCommands) handle(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if !t.access.IsDestination(msg.Chat.ID) {
		t.logger.Printf("admin: ignoring /%s from chat %d", msg.Command(), msg.Chat.ID)
		return
	}
	req := Request{Source: "telegram", ChatID: msg.Chat.ID, Args: msg.CommandArguments()}
	if msg.From != nil {
		req.Operator = msg.From.UserName
	}

	reply, err := t.registry.Dispatch(ctx, msg.Command(), req)
	if errors.Is(err, ErrUnknownCommand) {
		return
	}
	if err != nil {
		t.logger.Printf("admin: /%s failed: %v", msg.Command(), err)
		reply = "Exception occurred:\n" + html.EscapeString(err.Error())
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	out.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(out); err != nil {
		t.logger.Printf("admin: reply to chat %d: %v", msg.Chat.ID, err)
	}
}
