package model

import "time"

type MessageType string

const (
	MessageTypeText  MessageType = "message"
	MessageTypeFile  MessageType = "file"
	MessageTypeJoin  MessageType = "join"
	MessageTypeLeave MessageType = "leave"
)

// System reports whether the type is synthesized by the server on membership change.
func (t MessageType) System() bool {
	return t == MessageTypeJoin || t == MessageTypeLeave
}

type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	Seq       int64       `json:"seq"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	FileURL   string      `json:"file_url,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	IsEdited  bool        `json:"is_edited"`
	IsDeleted bool        `json:"is_deleted"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Sender    *UserPublic `json:"sender,omitempty"`
}

// NewMessage is the input of an append.
type NewMessage struct {
	RoomID   string
	SenderID string
	Type     MessageType
	Content  string
	FileURL  string
	FileName string
	FileSize int64
}

// Tombstone clears the payload of a deleted message; id, seq and created_at stay.
func (m *Message) Tombstone(at time.Time) {
	m.IsDeleted = true
	m.Content = ""
	m.FileURL = ""
	m.FileName = ""
	m.FileSize = 0
	m.UpdatedAt = at
}
