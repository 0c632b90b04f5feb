package ws

import "github.com/chatroom/internal/model"

// Close codes sent to clients in the close frame.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseRoomNotFound = 4404
	CloseTooSlow      = 4408
)

// IncomingMessage is a frame sent by the client. The room is fixed by the
// connection, so any room id in the frame is ignored.
type IncomingMessage struct {
	Type     model.EventType `json:"type"`
	Content  string          `json:"content,omitempty"`
	FileURL  string          `json:"file_url,omitempty"`
	FileName string          `json:"file_name,omitempty"`
	FileSize int64           `json:"file_size,omitempty"`
	IsTyping *bool           `json:"is_typing,omitempty"`
}
