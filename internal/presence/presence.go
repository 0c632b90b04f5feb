// Package presence owns the ephemeral per-user state: the online reference count
// across connections and the typing indicators with their server-side expiry.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/model"
)

const DefaultTypingTimeout = 3 * time.Second

type Broadcaster interface {
	BroadcastExceptUser(roomID string, ev *model.Event, userID string)
}

type StatusStore interface {
	SetStatus(ctx context.Context, userID string, status model.UserStatus) error
}

type RoomLister interface {
	RoomIDsForUser(ctx context.Context, userID string) ([]string, error)
}

type typingKey struct{ room, user string }

type typingEntry struct {
	timer    *time.Timer
	gen      uint64
	username string
}

type Tracker struct {
	bc     Broadcaster
	status StatusStore
	rooms  RoomLister

	// flip serializes online/offline transitions so their writes keep call order.
	flip sync.Mutex

	mu       sync.Mutex
	refs     map[string]int
	typing   map[typingKey]*typingEntry
	gen      uint64
	timeout  time.Duration
	closed   bool
	onExpire func()
}

func NewTracker(bc Broadcaster, status StatusStore, rooms RoomLister, typingTimeout time.Duration) *Tracker {
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &Tracker{
		bc:      bc,
		status:  status,
		rooms:   rooms,
		refs:    make(map[string]int),
		typing:  make(map[typingKey]*typingEntry),
		timeout: typingTimeout,
	}
}

// OnExpire registers a hook called each time a typing indicator times out.
func (t *Tracker) OnExpire(fn func()) { t.onExpire = fn }

// Connect counts a new connection of userID; the first one turns the user online.
func (t *Tracker) Connect(userID, username string) bool {
	t.flip.Lock()
	defer t.flip.Unlock()
	t.mu.Lock()
	t.refs[userID]++
	first := t.refs[userID] == 1
	t.mu.Unlock()
	if first {
		t.publish(userID, username, true)
	}
	return first
}

// Disconnect releases one connection of userID; the last one turns the user offline.
func (t *Tracker) Disconnect(userID, username string) bool {
	t.flip.Lock()
	defer t.flip.Unlock()
	t.mu.Lock()
	n, ok := t.refs[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	last := n <= 1
	if last {
		delete(t.refs, userID)
	} else {
		t.refs[userID] = n - 1
	}
	t.mu.Unlock()
	if last {
		t.publish(userID, username, false)
	}
	return last
}

func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[userID] > 0
}

func (t *Tracker) publish(userID, username string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := model.StatusOffline
	if online {
		status = model.StatusOnline
	}
	if err := t.status.SetStatus(ctx, userID, status); err != nil {
		logger.Errorf("presence set status user=%s: %v", userID, err)
	}
	roomIDs, err := t.rooms.RoomIDsForUser(ctx, userID)
	if err != nil {
		logger.Errorf("presence rooms user=%s: %v", userID, err)
		return
	}
	for _, roomID := range roomIDs {
		t.bc.BroadcastExceptUser(roomID, model.PresenceEvent(roomID, userID, username, online), userID)
	}
}

// SetTyping records a start or stop signal. Every start is forwarded and re-arms the
// expiry; the stop, whether explicit, by timeout or by disconnect, goes out once.
func (t *Tracker) SetTyping(roomID, userID, username string, typing bool) {
	if !typing {
		t.StopTyping(roomID, userID)
		return
	}
	key := typingKey{roomID, userID}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	if e, ok := t.typing[key]; ok {
		e.timer.Stop()
	}
	t.typing[key] = &typingEntry{
		gen:      gen,
		username: username,
		timer:    time.AfterFunc(t.timeout, func() { t.expire(key, gen) }),
	}
	t.mu.Unlock()
	t.bc.BroadcastExceptUser(roomID, model.TypingEvent(roomID, userID, username, true), userID)
}

// StopTyping clears the indicator, if any, and broadcasts the stop.
func (t *Tracker) StopTyping(roomID, userID string) {
	key := typingKey{roomID, userID}
	t.mu.Lock()
	e, ok := t.typing[key]
	if ok {
		e.timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()
	if ok {
		t.bc.BroadcastExceptUser(roomID, model.TypingEvent(roomID, userID, e.username, false), userID)
	}
}

func (t *Tracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.typing[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typing, key)
	t.mu.Unlock()
	t.bc.BroadcastExceptUser(key.room, model.TypingEvent(key.room, key.user, e.username, false), key.user)
	if t.onExpire != nil {
		t.onExpire()
	}
}

// Typing reports whether userID currently has a live indicator in roomID.
func (t *Tracker) Typing(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[typingKey{roomID, userID}]
	return ok
}

// Close cancels all pending typing timers without broadcasting.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, e := range t.typing {
		e.timer.Stop()
		delete(t.typing, k)
	}
}
