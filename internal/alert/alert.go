package alert

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
)

// Notifier delivers operational alerts: money debited with no refund applied,
// credential exhaustion, settlement account underfunded.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// TelegramNotifier sends alerts to an operator chat.
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID int64
	log    *slog.Logger
}

// NewTelegram creates a Telegram-backed notifier
func NewTelegram(token string, chatID int64, log *slog.Logger) (*TelegramNotifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, err
	}
	return &TelegramNotifier{bot: b, chatID: chatID, log: log}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, text string) {
	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   "⚠️ " + text,
	})
	if err != nil {
		// The alert still lands in the log; delivery failure must not take
		// down the calling path.
		n.log.Error("send alert", "error", err, "text", text)
	}
}

// LogNotifier is the fallback when no bot token is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, text string) {
	n.Log.Warn("operational alert", "text", text)
}
