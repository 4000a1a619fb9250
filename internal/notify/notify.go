package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/raine/receipt-vision/internal/faults"
	"github.com/raine/receipt-vision/internal/metrics"
)

// SuppressWindow is the minimum time between repeated notifications for the
// same alert type and operation.
const SuppressWindow = 10 * time.Minute

// BotSender abstracts the Telegram bot API for sending messages.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards high severity alerts to a Telegram chat.
type TelegramNotifier struct {
	bot    BotSender
	chatID int64

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewTelegramNotifier creates a notifier that sends alerts to the given chat.
func NewTelegramNotifier(bot BotSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{
		bot:      bot,
		chatID:   chatID,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// NotifyAlert forwards the alert if it is high severity. Repeated alerts with
// the same type and operation are suppressed for SuppressWindow so a flapping
// service does not flood the chat.
func (n *TelegramNotifier) NotifyAlert(a metrics.Alert) {
	if a.Severity != faults.SeverityHigh {
		return
	}

	key := string(a.Type) + "/" + a.Operation
	n.mu.Lock()
	if last, ok := n.lastSent[key]; ok && n.now().Sub(last) < SuppressWindow {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = n.now()
	n.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🚨 *%s*\n\n", escapeMarkdown(string(a.Type))))
	sb.WriteString(fmt.Sprintf("Operation: %s\n", escapeMarkdown(a.Operation)))
	sb.WriteString(fmt.Sprintf("Severity: %s\n", a.Severity))
	sb.WriteString(escapeMarkdown(a.Message))

	msg := tgbotapi.NewMessage(n.chatID, sb.String())
	msg.ParseMode = tgbotapi.ModeMarkdown

	_, err := n.bot.Send(msg)
	if err != nil {
		log.Error().
			Err(err).
			Str("type", string(a.Type)).
			Str("operation", a.Operation).
			Msg("failed to send alert notification")
	} else {
		log.Debug().
			Str("type", string(a.Type)).
			Str("operation", a.Operation).
			Msg("alert notification sent")
	}
}

// escapeMarkdown escapes special characters for Telegram Markdown V1.
func escapeMarkdown(text string) string {
	text = strings.ReplaceAll(text, "*", "\\*")
	text = strings.ReplaceAll(text, "_", "\\_")
	text = strings.ReplaceAll(text, "`", "\\`")
	text = strings.ReplaceAll(text, "[", "\\[")
	return text
}
