package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/repository"
)

const (
	MaxContentLength = 10000

	defaultPageLimit = 50
	maxPageLimit     = 100
)

// roomLocks hands out one mutex per room; entries are dropped once nobody holds or waits.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*roomLock)
	}
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

// MessageLog is the single append path of every room. Appending and fanning out
// happen under the room's lock, so live subscribers see events in sequence order.
type MessageLog struct {
	messages MessageStore
	rooms    RoomStore
	bc       Broadcaster
	notifier Notifier
	locks    roomLocks
	now      func() time.Time
	onAppend func(model.MessageType)
}

func NewMessageLog(messages MessageStore, rooms RoomStore, bc Broadcaster) *MessageLog {
	return &MessageLog{messages: messages, rooms: rooms, bc: bc, now: time.Now}
}

// SetNotifier enables push for members without a live connection to the room.
func (l *MessageLog) SetNotifier(n Notifier) { l.notifier = n }

// OnAppend registers a hook called after every durable append.
func (l *MessageLog) OnAppend(fn func(model.MessageType)) { l.onAppend = fn }

func (l *MessageLog) requireMember(ctx context.Context, roomID, userID string) error {
	if _, err := l.rooms.GetByID(ctx, roomID); err != nil {
		return err
	}
	ok, err := l.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func checkContent(in *model.NewMessage) error {
	switch in.Type {
	case model.MessageTypeText:
		in.Content = strings.TrimSpace(in.Content)
		if in.Content == "" {
			return invalid("content is required")
		}
	case model.MessageTypeFile:
		in.FileURL = strings.TrimSpace(in.FileURL)
		if in.FileURL == "" {
			return invalid("file_url is required")
		}
		if in.FileSize < 0 {
			return invalid("file_size must not be negative")
		}
	default:
		return invalid("unsupported message type %q", in.Type)
	}
	if len(in.Content) > MaxContentLength {
		return invalid("content exceeds %d bytes", MaxContentLength)
	}
	return nil
}

// Post appends a user message or file and fans it out to the room, sender included.
// Nothing is broadcast unless the append is durable.
func (l *MessageLog) Post(ctx context.Context, sender *model.User, in model.NewMessage) (*model.Message, error) {
	in.SenderID = sender.ID
	if err := checkContent(&in); err != nil {
		return nil, err
	}
	if err := l.requireMember(ctx, in.RoomID, sender.ID); err != nil {
		return nil, err
	}
	return l.append(ctx, sender, in)
}

// System records a join or leave on behalf of user and fans it out.
func (l *MessageLog) System(ctx context.Context, user *model.User, roomID string, typ model.MessageType) (*model.Message, error) {
	if !typ.System() {
		return nil, fmt.Errorf("messageLog.System: %q is not a system type", typ)
	}
	verb := "joined"
	if typ == model.MessageTypeLeave {
		verb = "left"
	}
	return l.append(ctx, user, model.NewMessage{
		RoomID:   roomID,
		SenderID: user.ID,
		Type:     typ,
		Content:  user.Username + " " + verb + " the room",
	})
}

func (l *MessageLog) append(ctx context.Context, sender *model.User, in model.NewMessage) (*model.Message, error) {
	defer logger.DeferLogDuration("messageLog.append", time.Now())()
	unlock := l.locks.lock(in.RoomID)
	m, err := l.messages.Append(ctx, in, l.now())
	if err != nil {
		unlock()
		return nil, fmt.Errorf("messageLog.append: %w", err)
	}
	pub := sender.ToPublic()
	m.Sender = &pub
	l.bc.Broadcast(m.RoomID, model.MessageEvent(m), "")
	unlock()

	if l.onAppend != nil {
		l.onAppend(m.Type)
	}
	if l.notifier != nil && !m.Type.System() {
		go l.notify(m)
	}
	return m, nil
}

func (l *MessageLog) notify(m *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ids, err := l.rooms.MemberIDs(ctx, m.RoomID)
	if err != nil {
		logger.Errorf("messageLog.notify members room=%s: %v", m.RoomID, err)
		return
	}
	away := make([]string, 0, len(ids))
	for _, uid := range ids {
		if uid != m.SenderID && !l.bc.Connected(m.RoomID, uid) {
			away = append(away, uid)
		}
	}
	if len(away) > 0 {
		l.notifier.NotifyMessage(ctx, away, m)
	}
}

// Page returns the newest window shifted back by offset, oldest first.
func (l *MessageLog) Page(ctx context.Context, userID, roomID string, limit, offset int) ([]model.Message, error) {
	if err := l.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	return l.messages.Page(ctx, roomID, clampLimit(limit, defaultPageLimit, maxPageLimit), offset)
}

// Search matches live message content, newest first.
func (l *MessageLog) Search(ctx context.Context, userID, roomID, query string, limit, offset int) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("q is required")
	}
	if err := l.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	return l.messages.Search(ctx, roomID, query, clampLimit(limit, defaultPageLimit, maxPageLimit), offset)
}

// owned loads a live message and checks that userID sent it and still belongs to the room.
func (l *MessageLog) owned(ctx context.Context, userID, messageID string) (*model.Message, error) {
	m, err := l.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, repository.ErrNotFound
	}
	if m.SenderID != userID {
		return nil, ErrNotOwner
	}
	if err := l.requireMember(ctx, m.RoomID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// Edit replaces the content of the caller's own message; created_at is kept.
func (l *MessageLog) Edit(ctx context.Context, userID, messageID, content string) (*model.Message, error) {
	m, err := l.owned(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if m.Type.System() {
		return nil, invalid("system messages cannot be edited")
	}
	content = strings.TrimSpace(content)
	if content == "" && m.Type == model.MessageTypeText {
		return nil, invalid("content is required")
	}
	if len(content) > MaxContentLength {
		return nil, invalid("content exceeds %d bytes", MaxContentLength)
	}

	unlock := l.locks.lock(m.RoomID)
	defer unlock()
	edited, err := l.messages.Edit(ctx, m.ID, content, l.now().UTC())
	if err != nil {
		return nil, err
	}
	ev := model.MessageEvent(edited)
	ev.Type = model.EventMessageEdited
	l.bc.Broadcast(edited.RoomID, ev, "")
	return edited, nil
}

// Delete tombstones the caller's own message. Its id and sequence slot survive.
func (l *MessageLog) Delete(ctx context.Context, userID, messageID string) error {
	m, err := l.owned(ctx, userID, messageID)
	if err != nil {
		return err
	}
	unlock := l.locks.lock(m.RoomID)
	defer unlock()
	gone, err := l.messages.Tombstone(ctx, m.ID, l.now().UTC())
	if err != nil {
		return err
	}
	ev := model.MessageEvent(gone)
	ev.Type = model.EventMessageDeleted
	l.bc.Broadcast(gone.RoomID, ev, "")
	return nil
}
