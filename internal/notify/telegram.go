package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// TelegramSink pushes breach alerts to a Telegram chat.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates the bot token against the Telegram API.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram sink initialized")
	return &TelegramSink{api: api, chatID: chatID}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Dispatch(ev Event) error {
	emoji := "⚠️"
	headline := "COMPLIANCE WARNING"
	if ev.Hard() {
		emoji = "🛑"
		headline = "HARD BREACH"
	}

	label := ev.Label
	if label == "" {
		label = ev.AccountID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n", emoji, headline)
	fmt.Fprintf(&b, "📊 *%s* — %s\n", label, ev.Firm)
	fmt.Fprintf(&b, "💰 Equity: *%s %s* | Balance: *%s*\n",
		decimal.NewFromFloat(ev.Snapshot.Equity).StringFixed(2), ev.Snapshot.Currency,
		decimal.NewFromFloat(ev.Snapshot.Balance).StringFixed(2))
	b.WriteString("━━━━━━━━━━━━━━━━\n")

	for _, br := range ev.Breaches {
		mark := "⚠️"
		if br.Hard() {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s `%s` %s\n", mark, br.Code, br.Message)
	}

	b.WriteString("━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "_observed %s | rules: %s_", ev.At.Format("Jan 2 15:04:05"), ev.RulesSource)

	msg := tgbotapi.NewMessage(t.chatID, b.String())
	msg.ParseMode = "Markdown"
	_, err := t.api.Send(msg)
	return err
}
