// Package notify sends fire-and-forget messages to users and operators.
// Delivery never blocks or fails the operation that triggered it.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// Category selects the message template.
type Category string

const (
	CategoryPairCommission   Category = "pair_commission"
	CategoryDirectCommission Category = "direct_commission"
	CategoryPayoutProcessing Category = "payout_processing"
	CategoryPayoutCompleted  Category = "payout_completed"
	CategoryPayoutFailed     Category = "payout_failed"
	CategoryOpsAlert         Category = "ops_alert"
)

// Payload is the template data. Values are already formatted for display.
type Payload map[string]string

// Notifier delivers a message about userID. userID 0 addresses operators.
type Notifier interface {
	Notify(ctx context.Context, userID int64, category Category, payload Payload)
}

// ChatResolver finds the Telegram chat linked to a user.
type ChatResolver interface {
	TelegramChat(ctx context.Context, userID int64) (int64, bool, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends notifications through the Bot API.
type Telegram struct {
	api      sender
	chats    ChatResolver
	opsChat  int64
	inflight chan struct{}
	timeout  time.Duration
}

// NewTelegram connects to the Bot API.
func NewTelegram(token string, opsChat int64, maxInflight int, chats ChatResolver) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.WithField("username", api.Self.UserName).Info("Notification bot authorized")
	return newTelegram(api, opsChat, maxInflight, chats), nil
}

func newTelegram(api sender, opsChat int64, maxInflight int, chats ChatResolver) *Telegram {
	if maxInflight <= 0 {
		maxInflight = 8
	}
	return &Telegram{
		api:      api,
		chats:    chats,
		opsChat:  opsChat,
		inflight: make(chan struct{}, maxInflight),
		timeout:  10 * time.Second,
	}
}

// Notify renders and sends the message in the background. When every slot is
// busy the message is dropped and logged.
func (t *Telegram) Notify(ctx context.Context, userID int64, category Category, payload Payload) {
	select {
	case t.inflight <- struct{}{}:
	default:
		log.WithFields(log.Fields{"user_id": userID, "category": category}).Warn("Notification dropped, too many in flight")
		return
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() { <-t.inflight }()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Recovered from panic in notification")
			}
		}()
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		t.deliver(ctx, userID, category, payload)
	}()
}

func (t *Telegram) deliver(ctx context.Context, userID int64, category Category, payload Payload) {
	chatID := t.opsChat
	if userID != 0 && t.chats != nil {
		id, ok, err := t.chats.TelegramChat(ctx, userID)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("Failed to resolve notification chat")
		} else if ok {
			chatID = id
		}
	}
	if chatID == 0 {
		log.WithFields(log.Fields{"user_id": userID, "category": category}).Debug("No chat for notification")
		return
	}

	msg := tgbotapi.NewMessage(chatID, Render(userID, category, payload))
	if _, err := t.api.Send(msg); err != nil {
		log.WithError(err).WithFields(log.Fields{"chat_id": chatID, "category": category}).Error("Failed to send notification")
		return
	}
	log.WithFields(log.Fields{"chat_id": chatID, "category": category}).Debug("Notification sent")
}

// Render produces the message text.
func Render(userID int64, category Category, p Payload) string {
	switch category {
	case CategoryPairCommission:
		return fmt.Sprintf("Pair #%s matched. %s credited to your wallet.", p["pair_number"], p["amount"])
	case CategoryDirectCommission:
		return fmt.Sprintf("Direct referral bonus of %s credited to your wallet.", p["amount"])
	case CategoryPayoutProcessing:
		return fmt.Sprintf("Your payout of %s is being processed (TDS %s).", p["net_amount"], p["tds_amount"])
	case CategoryPayoutCompleted:
		return fmt.Sprintf("Your payout of %s has been sent to your bank account.", p["net_amount"])
	case CategoryPayoutFailed:
		return fmt.Sprintf("Your payout of %s failed and the amount was returned to your wallet. Reason: %s", p["amount"], p["reason"])
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] user %d", category, userID)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, p[k])
	}
	return b.String()
}

// Log writes notifications to the log. Used when no bot token is configured.
type Log struct{}

func (Log) Notify(_ context.Context, userID int64, category Category, payload Payload) {
	log.WithFields(log.Fields{"user_id": userID, "category": category}).Info(Render(userID, category, payload))
}
