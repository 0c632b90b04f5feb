package model

import "time"

type EventType string

const (
	EventMessage        EventType = "message"
	EventFile           EventType = "file"
	EventTyping         EventType = "typing"
	EventJoin           EventType = "join"
	EventLeave          EventType = "leave"
	EventMessageEdited  EventType = "message_edited"
	EventMessageDeleted EventType = "message_deleted"
	EventUserOnline     EventType = "user_online"
	EventUserOffline    EventType = "user_offline"
	EventMemberAdded    EventType = "member_added"
	EventMemberRemoved  EventType = "member_removed"
	EventRoomUpdated    EventType = "room_updated"
	EventRoomDeleted    EventType = "room_deleted"
	EventRead           EventType = "read"
	EventError          EventType = "error"
)

// Event is the flat frame sent to realtime clients. Fields irrelevant to Type are omitted.
type Event struct {
	Type      EventType  `json:"type"`
	ID        string     `json:"id,omitempty"`
	RoomID    string     `json:"room_id,omitempty"`
	Seq       int64      `json:"seq,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Username  string     `json:"username,omitempty"`
	Content   string     `json:"content,omitempty"`
	FileURL   string     `json:"file_url,omitempty"`
	FileName  string     `json:"file_name,omitempty"`
	FileSize  int64      `json:"file_size,omitempty"`
	IsEdited  bool       `json:"is_edited,omitempty"`
	IsDeleted bool       `json:"is_deleted,omitempty"`
	IsTyping  *bool      `json:"is_typing,omitempty"`
	Online    *bool      `json:"online,omitempty"`
	Status    UserStatus `json:"status,omitempty"`
	Room      *Room      `json:"room,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// MessageEvent builds the frame for a persisted message of any type.
func MessageEvent(m *Message) *Event {
	created := m.CreatedAt
	ev := &Event{
		Type:      EventType(m.Type),
		ID:        m.ID,
		RoomID:    m.RoomID,
		Seq:       m.Seq,
		UserID:    m.SenderID,
		Content:   m.Content,
		FileURL:   m.FileURL,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		IsEdited:  m.IsEdited,
		IsDeleted: m.IsDeleted,
		CreatedAt: &created,
	}
	if m.Sender != nil {
		ev.Username = m.Sender.Username
	}
	return ev
}

func TypingEvent(roomID, userID, username string, typing bool) *Event {
	return &Event{Type: EventTyping, RoomID: roomID, UserID: userID, Username: username, IsTyping: &typing}
}

func PresenceEvent(roomID, userID, username string, online bool) *Event {
	t, status := EventUserOffline, StatusOffline
	if online {
		t, status = EventUserOnline, StatusOnline
	}
	return &Event{Type: t, RoomID: roomID, UserID: userID, Username: username, Online: &online, Status: status}
}

func ErrorEvent(msg string) *Event {
	return &Event{Type: EventError, Error: msg}
}
