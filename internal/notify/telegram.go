// Package notify pushes operator notifications to a Telegram chat. Deposits
// and withdrawals are reviewed by humans, so every new request pings the
// operators' channel.
package notify

import (
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/tilebet/backend/internal/models"
)

type Telegram struct {
	client *resty.Client
	token  string
	chatID string
}

// NewTelegram builds a notifier from config. Returns nil when no bot token is
// configured; callers treat a nil notifier as "notifications disabled".
func NewTelegram() *Telegram {
	token := viper.GetString("telegram.bot_token")
	chatID := viper.GetString("telegram.admin_chat_id")
	if token == "" || chatID == "" {
		return nil
	}
	return &Telegram{
		client: resty.New().SetBaseURL("https://api.telegram.org"),
		token:  token,
		chatID: chatID,
	}
}

// SetBaseURL overrides the Telegram API host, used by tests.
func (t *Telegram) SetBaseURL(url string) {
	t.client.SetBaseURL(url)
}

func (t *Telegram) DepositRequested(d *models.Deposit) {
	text := fmt.Sprintf("*New Deposit Request*\n\nUser ID: %d\nAmount: %d cents\nRef: %s\nReview and approve.",
		d.UserID, d.Amount, d.ExternalRef)
	t.send(text)
}

func (t *Telegram) WithdrawalRequested(w *models.Withdrawal) {
	text := fmt.Sprintf("*Withdrawal Request*\n\nUser ID: %d\nAmount: %d cents\nDestination: %s\n\nApprove manually.",
		w.UserID, w.Amount, w.Destination)
	t.send(text)
}

func (t *Telegram) send(text string) {
	resp, err := t.client.R().
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		log.Warn().Str("component", "notify").Err(err).Msg("telegram notification failed")
		return
	}
	if resp.IsError() {
		log.Warn().Str("component", "notify").Int("status", resp.StatusCode()).Msg("telegram notification rejected")
	}
}
