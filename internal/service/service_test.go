package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatroom/internal/auth"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/repository/memory"
	storemem "github.com/chatroom/internal/storage/memory"
)

type sent struct {
	room    string
	user    string
	exclude string
	ev      *model.Event
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	room      []sent
	direct    []sent
	evicted   []string
	closed    []string
	sessions  []string
	connected map[string]bool
}

func (f *fakeBroadcaster) Broadcast(roomID string, ev *model.Event, excludeConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = append(f.room, sent{room: roomID, exclude: excludeConnID, ev: ev})
}

func (f *fakeBroadcaster) SendToUser(userID string, ev *model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, sent{user: userID, ev: ev})
}

func (f *fakeBroadcaster) Evict(roomID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, roomID+"/"+userID)
}

func (f *fakeBroadcaster) CloseRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, roomID)
}

func (f *fakeBroadcaster) CloseSession(tokenID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, tokenID)
}

func (f *fakeBroadcaster) Connected(roomID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[roomID+"/"+userID]
}

func (f *fakeBroadcaster) roomEvents(t model.EventType) []*model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Event
	for _, s := range f.room {
		if s.ev.Type == t {
			out = append(out, s.ev)
		}
	}
	return out
}

func (f *fakeBroadcaster) directTo(userID string, t model.EventType) []*model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Event
	for _, s := range f.direct {
		if s.user == userID && s.ev.Type == t {
			out = append(out, s.ev)
		}
	}
	return out
}

type env struct {
	db     *memory.DB
	bc     *fakeBroadcaster
	tokens *storemem.Client
	auth   *AuthService
	users  *UserService
	rooms  *RoomService
	log    *MessageLog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := memory.New()
	bc := &fakeBroadcaster{connected: map[string]bool{}}
	tokens := storemem.New()
	log := NewMessageLog(db.Messages(), db.Rooms(), bc)
	a := NewAuthService(db.Users(), auth.NewIssuer("test-secret", time.Hour), tokens)
	a.SetBroadcaster(bc)
	return &env{
		db:     db,
		bc:     bc,
		tokens: tokens,
		auth:   a,
		users:  NewUserService(db.Users()),
		rooms:  NewRoomService(db.Rooms(), db.Users(), log, bc),
		log:    log,
	}
}

func (e *env) register(t *testing.T, name string) *model.User {
	t.Helper()
	sess, err := e.auth.Register(context.Background(), RegisterInput{Username: name, Email: name + "@gmail.com", Password: "secret1"})
	require.NoError(t, err)
	return sess.User
}

func (e *env) group(t *testing.T, creator *model.User, members ...*model.User) *model.Room {
	t.Helper()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	rm, err := e.rooms.CreateGroup(context.Background(), creator, CreateRoomInput{Name: "general", MemberIDs: ids})
	require.NoError(t, err)
	return rm
}
