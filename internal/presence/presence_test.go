package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatroom/internal/model"
)

type fanout struct {
	mu     sync.Mutex
	events []*model.Event
}

func (f *fanout) BroadcastExceptUser(_ string, ev *model.Event, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fanout) of(t model.EventType) []*model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type statuses struct {
	mu  sync.Mutex
	log []model.UserStatus
}

func (s *statuses) SetStatus(_ context.Context, _ string, st model.UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, st)
	return nil
}

type rooms []string

func (r rooms) RoomIDsForUser(context.Context, string) ([]string, error) { return r, nil }

func TestPresence_ReferenceCounted(t *testing.T) {
	f := &fanout{}
	st := &statuses{}
	tr := NewTracker(f, st, rooms{"r1", "r2"}, time.Second)

	assert.True(t, tr.Connect("u", "alice"))
	assert.False(t, tr.Connect("u", "alice"))
	assert.True(t, tr.Online("u"))
	assert.Len(t, f.of(model.EventUserOnline), 2, "one per room")

	assert.False(t, tr.Disconnect("u", "alice"))
	assert.Empty(t, f.of(model.EventUserOffline))
	assert.True(t, tr.Disconnect("u", "alice"))
	assert.False(t, tr.Online("u"))
	assert.Len(t, f.of(model.EventUserOffline), 2)
	assert.False(t, tr.Disconnect("u", "alice"), "unbalanced disconnect is ignored")

	assert.Equal(t, []model.UserStatus{model.StatusOnline, model.StatusOffline}, st.log)
}

func TestTyping_ExpiresOnce(t *testing.T) {
	f := &fanout{}
	tr := NewTracker(f, &statuses{}, rooms{}, 50*time.Millisecond)
	expired := 0
	var mu sync.Mutex
	tr.OnExpire(func() { mu.Lock(); expired++; mu.Unlock() })

	tr.SetTyping("r", "u", "alice", true)
	time.Sleep(30 * time.Millisecond)
	tr.SetTyping("r", "u", "alice", true) // re-arm
	time.Sleep(30 * time.Millisecond)
	assert.True(t, tr.Typing("r", "u"), "re-armed timer must not fire early")

	require.Eventually(t, func() bool { return !tr.Typing("r", "u") }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	stops := 0
	for _, ev := range f.of(model.EventTyping) {
		if !*ev.IsTyping {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
	assert.Len(t, f.of(model.EventTyping), 3)
	mu.Lock()
	assert.Equal(t, 1, expired)
	mu.Unlock()
}

func TestTyping_ExplicitStopCancelsTimer(t *testing.T) {
	f := &fanout{}
	tr := NewTracker(f, &statuses{}, rooms{}, 30*time.Millisecond)

	tr.SetTyping("r", "u", "alice", true)
	tr.SetTyping("r", "u", "alice", false)
	tr.SetTyping("r", "u", "alice", false)
	time.Sleep(80 * time.Millisecond)

	evs := f.of(model.EventTyping)
	require.Len(t, evs, 2)
	assert.True(t, *evs[0].IsTyping)
	assert.False(t, *evs[1].IsTyping)
	assert.Equal(t, "alice", evs[1].Username)
}

func TestTyping_CloseStopsTimers(t *testing.T) {
	f := &fanout{}
	tr := NewTracker(f, &statuses{}, rooms{}, 20*time.Millisecond)
	tr.SetTyping("r", "u", "alice", true)
	tr.Close()
	tr.SetTyping("r", "u", "alice", true)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, f.of(model.EventTyping), 1)
}
