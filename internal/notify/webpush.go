// Package notify delivers Web Push notifications to registered browsers
// of users who are not currently connected. Failures are logged and
// counted; they never block or fail the send path.
package notify

import (
	"encoding/json"
	"log/slog"
	"unicode/utf8"

	"palaver/internal/metrics"
	"palaver/internal/models"
	"palaver/internal/presence"
	"palaver/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const previewLength = 120

type SubscriptionStore interface {
	ListPushSubscriptions() ([]storage.DBPushSubscription, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Contact         string
}

type Notifier struct {
	cfg      Config
	store    SubscriptionStore
	presence *presence.Tracker
}

func New(cfg Config, store SubscriptionStore, tracker *presence.Tracker) *Notifier {
	return &Notifier{cfg: cfg, store: store, presence: tracker}
}

// Enabled reports whether VAPID keys are configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.cfg.VAPIDPublicKey != "" && n.cfg.VAPIDPrivateKey != ""
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// MessageSent notifies offline subscribers about a new room message.
// Intended to be called from its own goroutine.
func (n *Notifier) MessageSent(msg models.Message, senderName string) {
	if !n.Enabled() {
		return
	}

	subs, err := n.store.ListPushSubscriptions()
	if err != nil {
		slog.Error("failed to list push subscriptions", "error", err)
		return
	}

	body := preview(msg)
	payload, err := json.Marshal(pushPayload{Title: senderName, Body: body})
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		if sub.UserID == msg.SenderID || n.presence.Online(sub.UserID) {
			continue
		}

		var target webpush.Subscription
		if err := json.Unmarshal([]byte(sub.Subscription), &target); err != nil {
			slog.Warn("corrupt push subscription", "endpoint", sub.Endpoint, "error", err)
			continue
		}

		resp, err := webpush.SendNotification(payload, &target, &webpush.Options{
			Subscriber:      n.cfg.Contact,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
			TTL:             60,
		})
		if err != nil {
			metrics.PushFailures.Inc()
			slog.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}
		_ = resp.Body.Close()
	}
}

func preview(msg models.Message) string {
	if msg.IsImage {
		return "sent an image"
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewLength]) + "…"
}
