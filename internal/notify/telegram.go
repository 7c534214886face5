package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/rohstoff-dashboard/internal/config"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
)

// Telegram mirrors notifications into a Telegram chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *logger.Logger
}

// NewTelegram connects the bot. It returns nil when Telegram is disabled or
// the bot cannot be created; the dashboard runs without the sink then.
func NewTelegram(cfg *config.Config, log *logger.Logger) *Telegram {
	log = log.Component("telegram")
	if !cfg.Telegram.Enabled {
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return nil
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Telegram{
		bot:    bot,
		chatID: cfg.Telegram.ChatID,
		logger: log,
	}
}

func (t *Telegram) Send(n Notification) {
	msg := tgbotapi.NewMessage(t.chatID, FormatTelegram(n))
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("send telegram message", "error", err)
	}
}

// FormatTelegram renders a notification as a Markdown chat message.
func FormatTelegram(n Notification) string {
	emoji := "ℹ️"
	switch n.Level {
	case LevelSuccess:
		emoji = "🟢"
	case LevelError:
		emoji = "⚠️"
	}
	if n.Title == "" {
		return fmt.Sprintf("%s %s", emoji, n.Text)
	}
	return fmt.Sprintf("%s *%s*\n%s", emoji, n.Title, n.Text)
}
