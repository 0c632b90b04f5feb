package service

import (
	"context"
	"time"

	"github.com/chatroom/internal/model"
)

// UserStore is satisfied by repository.UserRepository and memory.UserRepository.
type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	List(ctx context.Context, excludeID string, limit int) ([]model.User, error)
	Search(ctx context.Context, query, excludeID string, limit int) ([]model.User, error)
	SearchByGmail(ctx context.Context, prefix, excludeID string, limit int) ([]model.User, error)
	UpdateProfile(ctx context.Context, u *model.User) error
	SetStatus(ctx context.Context, userID string, status model.UserStatus) error
}

type RoomStore interface {
	CreateGroup(ctx context.Context, rm *model.Room) error
	GetOrCreatePrivate(ctx context.Context, a, b string, now time.Time) (*model.Room, bool, error)
	GetByID(ctx context.Context, id string) (*model.Room, error)
	Update(ctx context.Context, id, name, description string, now time.Time) (*model.Room, error)
	Delete(ctx context.Context, id string) error
	AddMember(ctx context.Context, m model.Membership) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	GetMembership(ctx context.Context, roomID, userID string) (*model.Membership, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ListMembers(ctx context.Context, roomID string) ([]model.Member, error)
	MemberIDs(ctx context.Context, roomID string) ([]string, error)
	RoomIDsForUser(ctx context.Context, userID string) ([]string, error)
	ListForUser(ctx context.Context, userID string) ([]model.RoomSummary, error)
	MarkRead(ctx context.Context, roomID, userID string) (int64, error)
}

type MessageStore interface {
	Append(ctx context.Context, in model.NewMessage, now time.Time) (*model.Message, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	Page(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error)
	Search(ctx context.Context, roomID, query string, limit, offset int) ([]model.Message, error)
	Edit(ctx context.Context, id, content string, at time.Time) (*model.Message, error)
	Tombstone(ctx context.Context, id string, at time.Time) (*model.Message, error)
}

// Broadcaster delivers events to live connections. It is implemented by the
// local connection registry and by the cross-instance relay wrapping it.
type Broadcaster interface {
	Broadcast(roomID string, ev *model.Event, excludeConnID string)
	SendToUser(userID string, ev *model.Event)
	// Evict closes userID's connections to roomID after losing membership.
	Evict(roomID, userID string)
	// CloseRoom closes every connection to a deleted room.
	CloseRoom(roomID string)
	// CloseSession closes the connections opened with a revoked token.
	CloseSession(tokenID string)
	Connected(roomID, userID string) bool
}

// Notifier reaches members that have no live connection to the room.
type Notifier interface {
	NotifyMessage(ctx context.Context, userIDs []string, m *model.Message)
}
