// Package memory is an in-process implementation of the repositories, used by the
// -inmem run mode and by tests. It honours the same contract as the Postgres
// repositories: sentinel errors, per-room sequences, newest-window paging.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/repository"
)

type memberKey struct{ room, user string }

type pairKey struct{ low, high string }

// DB holds all tables behind one lock.
type DB struct {
	mu       sync.RWMutex
	users    map[string]*model.User
	rooms    map[string]*model.Room
	members  map[memberKey]*model.Membership
	private  map[pairKey]string
	messages map[string][]*model.Message // room id -> messages by seq
	byID     map[string]*model.Message
}

func New() *DB {
	return &DB{
		users:    make(map[string]*model.User),
		rooms:    make(map[string]*model.Room),
		members:  make(map[memberKey]*model.Membership),
		private:  make(map[pairKey]string),
		messages: make(map[string][]*model.Message),
		byID:     make(map[string]*model.Message),
	}
}

func (db *DB) Users() *UserRepository       { return &UserRepository{db: db} }
func (db *DB) Rooms() *RoomRepository       { return &RoomRepository{db: db} }
func (db *DB) Messages() *MessageRepository { return &MessageRepository{db: db} }

func (db *DB) publicUser(id string) *model.UserPublic {
	u, ok := db.users[id]
	if !ok {
		return &model.UserPublic{ID: id}
	}
	pub := u.ToPublic()
	return &pub
}

func (db *DB) copyMessage(m *model.Message) model.Message {
	out := *m
	out.Sender = db.publicUser(m.SenderID)
	return out
}

// UserRepository

type UserRepository struct{ db *DB }

func (r *UserRepository) Create(_ context.Context, u *model.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, other := range r.db.users {
		if other.Username == u.Username {
			return repository.ErrUsernameTaken
		}
		if strings.EqualFold(other.Email, u.Email) {
			return repository.ErrEmailTaken
		}
	}
	cp := *u
	r.db.users[u.ID] = &cp
	return nil
}

func (r *UserRepository) find(match func(*model.User) bool) (*model.User, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, u := range r.db.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *UserRepository) GetByID(_ context.Context, id string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.ID == id })
}

func (r *UserRepository) GetByUsername(_ context.Context, username string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.Username == username })
}

func (r *UserRepository) GetByEmail(_ context.Context, email string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return strings.EqualFold(u.Email, email) })
}

func (r *UserRepository) filter(excludeID string, limit int, match func(*model.User) bool, byEmail bool) []model.User {
	r.db.mu.RLock()
	out := make([]model.User, 0, 16)
	for _, u := range r.db.users {
		if u.ID != excludeID && match(u) {
			out = append(out, *u)
		}
	}
	r.db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if byEmail {
			return out[i].Email < out[j].Email
		}
		return out[i].Username < out[j].Username
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *UserRepository) List(_ context.Context, excludeID string, limit int) ([]model.User, error) {
	return r.filter(excludeID, limit, func(*model.User) bool { return true }, false), nil
}

func (r *UserRepository) Search(_ context.Context, query, excludeID string, limit int) ([]model.User, error) {
	q := strings.ToLower(query)
	return r.filter(excludeID, limit, func(u *model.User) bool {
		return strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.Email), q)
	}, false), nil
}

func (r *UserRepository) SearchByGmail(_ context.Context, prefix, excludeID string, limit int) ([]model.User, error) {
	local := repository.GmailLocalPart(prefix)
	return r.filter(excludeID, limit, func(u *model.User) bool {
		e := strings.ToLower(u.Email)
		return strings.HasSuffix(e, "@gmail.com") && strings.HasPrefix(e, local)
	}, true), nil
}

func (r *UserRepository) UpdateProfile(_ context.Context, u *model.User) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.users[u.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, other := range r.db.users {
		if other.ID == u.ID {
			continue
		}
		if other.Username == u.Username {
			return repository.ErrUsernameTaken
		}
		if strings.EqualFold(other.Email, u.Email) {
			return repository.ErrEmailTaken
		}
	}
	cur.Username, cur.Email, cur.AvatarURL, cur.Status, cur.UpdatedAt = u.Username, u.Email, u.AvatarURL, u.Status, u.UpdatedAt
	return nil
}

func (r *UserRepository) SetStatus(_ context.Context, userID string, status model.UserStatus) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if u, ok := r.db.users[userID]; ok {
		now := time.Now().UTC()
		u.Status, u.LastSeenAt = status, &now
	}
	return nil
}

func (r *UserRepository) ResetStatuses(_ context.Context) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, u := range r.db.users {
		if u.Status == model.StatusOnline {
			u.Status = model.StatusOffline
		}
	}
	return nil
}

// RoomRepository

type RoomRepository struct{ db *DB }

func (r *RoomRepository) CreateGroup(_ context.Context, rm *model.Room) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cp := *rm
	r.db.rooms[rm.ID] = &cp
	r.db.members[memberKey{rm.ID, rm.CreatedBy}] = &model.Membership{
		RoomID: rm.ID, UserID: rm.CreatedBy, Role: model.RoleAdmin, JoinedAt: rm.CreatedAt,
	}
	return nil
}

func (r *RoomRepository) GetOrCreatePrivate(_ context.Context, a, b string, now time.Time) (*model.Room, bool, error) {
	low, high := model.PrivateKey(a, b)
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if id, ok := r.db.private[pairKey{low, high}]; ok {
		if rm, ok := r.db.rooms[id]; ok {
			cp := *rm
			return &cp, false, nil
		}
	}
	rm := &model.Room{
		ID:        uuid.New().String(),
		Type:      model.RoomTypePrivate,
		CreatedBy: a,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.db.rooms[rm.ID] = rm
	r.db.private[pairKey{low, high}] = rm.ID
	for _, uid := range []string{low, high} {
		r.db.members[memberKey{rm.ID, uid}] = &model.Membership{RoomID: rm.ID, UserID: uid, Role: model.RoleMember, JoinedAt: now}
	}
	cp := *rm
	return &cp, true, nil
}

func (r *RoomRepository) GetByID(_ context.Context, id string) (*model.Room, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	rm, ok := r.db.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rm
	return &cp, nil
}

func (r *RoomRepository) Update(_ context.Context, id, name, description string, now time.Time) (*model.Room, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rm, ok := r.db.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rm.Name, rm.Description, rm.UpdatedAt = name, description, now
	cp := *rm
	return &cp, nil
}

func (r *RoomRepository) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.rooms[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.db.rooms, id)
	for k := range r.db.members {
		if k.room == id {
			delete(r.db.members, k)
		}
	}
	for k, v := range r.db.private {
		if v == id {
			delete(r.db.private, k)
		}
	}
	for _, m := range r.db.messages[id] {
		delete(r.db.byID, m.ID)
	}
	delete(r.db.messages, id)
	return nil
}

func (r *RoomRepository) AddMember(_ context.Context, m model.Membership) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rm, ok := r.db.rooms[m.RoomID]
	if !ok {
		return repository.ErrNotFound
	}
	k := memberKey{m.RoomID, m.UserID}
	if _, exists := r.db.members[k]; exists {
		return repository.ErrAlreadyMember
	}
	m.LastReadSeq = rm.LastSeq
	r.db.members[k] = &m
	return nil
}

func (r *RoomRepository) RemoveMember(_ context.Context, roomID, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	k := memberKey{roomID, userID}
	if _, ok := r.db.members[k]; !ok {
		return repository.ErrNotMember
	}
	delete(r.db.members, k)
	return nil
}

func (r *RoomRepository) GetMembership(_ context.Context, roomID, userID string) (*model.Membership, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	m, ok := r.db.members[memberKey{roomID, userID}]
	if !ok {
		return nil, repository.ErrNotMember
	}
	cp := *m
	return &cp, nil
}

func (r *RoomRepository) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	_, ok := r.db.members[memberKey{roomID, userID}]
	return ok, nil
}

func (r *RoomRepository) ListMembers(_ context.Context, roomID string) ([]model.Member, error) {
	r.db.mu.RLock()
	out := make([]model.Member, 0, 8)
	for k, m := range r.db.members {
		if k.room != roomID {
			continue
		}
		out = append(out, model.Member{UserPublic: *r.db.publicUser(k.user), Role: m.Role, JoinedAt: m.JoinedAt})
	}
	r.db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

func (r *RoomRepository) MemberIDs(_ context.Context, roomID string) ([]string, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	ids := make([]string, 0, 8)
	for k := range r.db.members {
		if k.room == roomID {
			ids = append(ids, k.user)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RoomRepository) RoomIDsForUser(_ context.Context, userID string) ([]string, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	ids := make([]string, 0, 8)
	for k := range r.db.members {
		if k.user == userID {
			ids = append(ids, k.room)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RoomRepository) ListForUser(_ context.Context, userID string) ([]model.RoomSummary, error) {
	r.db.mu.RLock()
	out := make([]model.RoomSummary, 0, 16)
	for k, mem := range r.db.members {
		if k.user != userID {
			continue
		}
		rm, ok := r.db.rooms[k.room]
		if !ok {
			continue
		}
		s := model.RoomSummary{Room: *rm}
		msgs := r.db.messages[rm.ID]
		if n := len(msgs); n > 0 {
			last := r.db.copyMessage(msgs[n-1])
			s.LastMessage = &last
		}
		for _, m := range msgs {
			if m.Seq > mem.LastReadSeq && m.SenderID != userID && !m.IsDeleted {
				s.UnreadCount++
			}
		}
		out = append(out, s)
	}
	r.db.mu.RUnlock()
	activity := func(s model.RoomSummary) time.Time {
		if s.LastMessageAt != nil {
			return *s.LastMessageAt
		}
		return s.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := activity(out[i]), activity(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *RoomRepository) MarkRead(_ context.Context, roomID, userID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.members[memberKey{roomID, userID}]
	if !ok {
		return 0, repository.ErrNotMember
	}
	if rm, ok := r.db.rooms[roomID]; ok {
		m.LastReadSeq = rm.LastSeq
	}
	return m.LastReadSeq, nil
}

// MessageRepository

type MessageRepository struct{ db *DB }

func (r *MessageRepository) Append(_ context.Context, in model.NewMessage, now time.Time) (*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rm, ok := r.db.rooms[in.RoomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	created := now.UTC()
	if rm.LastMessageAt != nil && created.Before(*rm.LastMessageAt) {
		created = *rm.LastMessageAt
	}
	m := &model.Message{
		ID:        uuid.New().String(),
		RoomID:    in.RoomID,
		Seq:       rm.LastSeq + 1,
		SenderID:  in.SenderID,
		Type:      in.Type,
		Content:   in.Content,
		FileURL:   in.FileURL,
		FileName:  in.FileName,
		FileSize:  in.FileSize,
		CreatedAt: created,
		UpdatedAt: created,
	}
	rm.LastSeq = m.Seq
	rm.LastMessageAt = &created
	r.db.messages[in.RoomID] = append(r.db.messages[in.RoomID], m)
	r.db.byID[m.ID] = m
	out := r.db.copyMessage(m)
	return &out, nil
}

func (r *MessageRepository) GetByID(_ context.Context, id string) (*model.Message, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	m, ok := r.db.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := r.db.copyMessage(m)
	return &out, nil
}

func (r *MessageRepository) Page(_ context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	msgs := r.db.messages[roomID]
	end := len(msgs) - offset
	if end <= 0 {
		return []model.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Message, 0, end-start)
	for _, m := range msgs[start:end] {
		out = append(out, r.db.copyMessage(m))
	}
	return out, nil
}

func (r *MessageRepository) Search(_ context.Context, roomID, query string, limit, offset int) ([]model.Message, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	q := strings.ToLower(query)
	msgs := r.db.messages[roomID]
	out := make([]model.Message, 0, limit)
	skipped := 0
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := msgs[i]
		if m.IsDeleted || !strings.Contains(strings.ToLower(m.Content), q) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, r.db.copyMessage(m))
	}
	return out, nil
}

func (r *MessageRepository) Edit(_ context.Context, id, content string, at time.Time) (*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.byID[id]
	if !ok || m.IsDeleted {
		return nil, repository.ErrNotFound
	}
	m.Content, m.IsEdited, m.UpdatedAt = content, true, at
	edited := at
	m.EditedAt = &edited
	out := r.db.copyMessage(m)
	return &out, nil
}

func (r *MessageRepository) Tombstone(_ context.Context, id string, at time.Time) (*model.Message, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	m.Tombstone(at)
	out := r.db.copyMessage(m)
	return &out, nil
}
