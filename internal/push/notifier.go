package push

import (
	"context"
	"encoding/json"
	"net/http"
	"unicode/utf8"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/metrics"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/storage"
)

const previewLen = 120

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Notifier sends Web Push notifications for new messages to the stored
// subscriptions of each recipient. Gone subscriptions (404/410) are dropped.
type Notifier struct {
	store storage.PushStore
	keys  *VAPIDKeys
	opts  *webpush.Options
	send  sendFunc
}

func NewNotifier(store storage.PushStore, keys *VAPIDKeys, subscriber string) *Notifier {
	n := &Notifier{store: store, keys: keys, send: webpush.SendNotificationWithContext}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		n.opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return n
}

// PublicKey is handed to browsers for PushManager.subscribe; empty when push is off.
func (n *Notifier) PublicKey() string {
	if n.opts == nil {
		return ""
	}
	return n.keys.PublicKey
}

func (n *Notifier) Subscribe(ctx context.Context, userID string, sub storage.PushSubscription) error {
	return n.store.AddSubscription(ctx, userID, sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return n.store.RemoveSubscription(ctx, userID, endpoint)
}

type payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func preview(m *model.Message) string {
	if m.Type == model.MessageTypeFile {
		if m.FileName != "" {
			return "sent a file: " + m.FileName
		}
		return "sent a file"
	}
	s := m.Content
	if len(s) <= previewLen {
		return s
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func (n *Notifier) NotifyMessage(ctx context.Context, userIDs []string, m *model.Message) {
	if n.opts == nil {
		return
	}
	title := "New message"
	if m.Sender != nil && m.Sender.Username != "" {
		title = m.Sender.Username
	}
	body, err := json.Marshal(payload{
		Title: title,
		Body:  preview(m),
		Data:  map[string]string{"room_id": m.RoomID, "message_id": m.ID},
	})
	if err != nil {
		logger.Errorf("push encode message=%s: %v", m.ID, err)
		return
	}
	for _, uid := range userIDs {
		n.notifyUser(ctx, uid, body)
	}
}

func (n *Notifier) notifyUser(ctx context.Context, userID string, body []byte) {
	subs, err := n.store.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push subscriptions user=%s: %v", userID, err)
		return
	}
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := n.send(ctx, body, wpSub, n.opts)
		if err != nil {
			metrics.Push().WithLabelValues("error").Inc()
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			metrics.Push().WithLabelValues("gone").Inc()
			if err := n.store.RemoveSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push remove gone subscription user=%s: %v", userID, err)
			}
		case resp.StatusCode >= 400:
			metrics.Push().WithLabelValues("rejected").Inc()
			logger.Warnf("push rejected user=%s status=%d", userID, resp.StatusCode)
		default:
			metrics.Push().WithLabelValues("sent").Inc()
		}
	}
}
