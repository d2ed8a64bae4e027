package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"market_watch/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// UserStore resolves a monitor owner to their chat.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Telegram delivers notifications as Telegram messages to the owner's chat.
type Telegram struct {
	api     telegramAPI
	users   UserStore
	allowed []int64
	log     *slog.Logger
}

// NewTelegram creates a Telegram notifier with the given bot token. Commands
// are only answered in chats listed in allowed; an empty list answers all.
func NewTelegram(token string, users UserStore, allowed []int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, users: users, allowed: allowed, log: log}, nil
}

// Notify sends n to the owner's chat. Owners without a linked chat are skipped.
func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	u, err := t.users.GetUser(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}
	if u.TelegramChatID == 0 {
		t.log.Debug("no chat linked, notification dropped", "user_id", n.UserID, "monitor_id", n.MonitorID)
		return nil
	}
	for _, text := range FormatNotification(n) {
		msg := tgbotapi.NewMessage(u.TelegramChatID, text)
		msg.DisableWebPagePreview = true
		if _, err := t.api.Send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// Run answers /start and /id with the chat id so users can link their chat,
// blocking until ctx is cancelled or the update channel is closed.
func (t *Telegram) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				t.log.Warn("telegram update channel closed")
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			t.handleCommand(update.Message)
		}
	}
}

func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(t.allowed) > 0 && !slices.Contains(t.allowed, chatID) {
		t.log.Warn("command from unlisted chat ignored", "chat_id", chatID)
		return
	}
	t.log.Debug("command", "cmd", msg.Command(), "chat_id", chatID)

	switch msg.Command() {
	case "start", "id":
		id := strconv.FormatInt(chatID, 10)
		t.reply(chatID, "Your chat id is "+id+".\nLink it with: watcher user link <user-id> "+id)
	default:
		t.reply(chatID, "Unknown command. Use /id to get your chat id.")
	}
}

func (t *Telegram) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send message", "chat_id", chatID, "error", err)
	}
}
