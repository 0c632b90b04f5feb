package model

import "time"

type RoomType string

const (
	RoomTypePrivate RoomType = "private"
	RoomTypeGroup   RoomType = "group"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Room struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Type          RoomType   `json:"type"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	LastSeq       int64      `json:"last_seq"`
}

type Membership struct {
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
	LastReadSeq int64     `json:"last_read_seq"`
}

// Member is a room member with the user's live status joined in.
type Member struct {
	UserPublic
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	Online   bool      `json:"online"`
}

// RoomSummary is one entry of a user's room list.
type RoomSummary struct {
	Room
	LastMessage *Message     `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
	Members     []UserPublic `json:"members,omitempty"`
}

// PrivateKey orders a pair of user ids so that (a, b) and (b, a) map to the same key.
func PrivateKey(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}
