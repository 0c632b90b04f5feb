package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/storage"
	"github.com/chatroom/internal/storage/memory"
)

func subscription(endpoint string) storage.PushSubscription {
	var s storage.PushSubscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p"
	s.Keys.Auth = "a"
	return s
}

func TestEnsureVAPIDKeys_PersistsPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vapid.json")
	first, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublicKey)

	second, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNotifyMessage_DropsGoneSubscriptions(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.AddSubscription(ctx, "u1", subscription("https://push.example/ok")))
	require.NoError(t, store.AddSubscription(ctx, "u1", subscription("https://push.example/gone")))

	n := NewNotifier(store, &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}, "mailto:ops@example.com")
	var mu sync.Mutex
	var bodies []payload
	n.send = func(_ context.Context, body []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		var p payload
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		bodies = append(bodies, p)
		mu.Unlock()
		status := http.StatusCreated
		if strings.HasSuffix(sub.Endpoint, "/gone") {
			status = http.StatusGone
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	m := &model.Message{ID: "m1", RoomID: "r1", Type: model.MessageTypeText, Content: strings.Repeat("é", 100), Sender: &model.UserPublic{Username: "alice"}}
	n.NotifyMessage(ctx, []string{"u1"}, m)

	require.Len(t, bodies, 2)
	assert.Equal(t, "alice", bodies[0].Title)
	assert.Equal(t, "r1", bodies[0].Data["room_id"])
	assert.True(t, strings.HasSuffix(bodies[0].Body, "..."))

	subs, err := store.Subscriptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/ok", subs[0].Endpoint)
}

func TestNotifier_DisabledWithoutKeys(t *testing.T) {
	n := NewNotifier(memory.New(), nil, "")
	assert.Empty(t, n.PublicKey())
	n.send = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		t.Fatal("must not send")
		return nil, nil
	}
	n.NotifyMessage(context.Background(), []string{"u1"}, &model.Message{})
}
