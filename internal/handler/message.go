package handler

import (
	"net/http"

	"github.com/chatroom/internal/middleware"
	"github.com/chatroom/internal/service"
)

type MessageHandler struct {
	log *service.MessageLog
}

func NewMessageHandler(log *service.MessageLog) *MessageHandler {
	return &MessageHandler{log: log}
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// History returns the newest window of the room shifted back by offset, oldest first.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	messages, err := h.log.Page(r.Context(), middleware.GetUserID(r.Context()), roomID, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, "message.History", err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	messages, err := h.log.Search(r.Context(), middleware.GetUserID(r.Context()), roomID, r.URL.Query().Get("q"),
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, "message.Search", err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	msgID, ok := idParam(w, r, "messageId")
	if !ok {
		return
	}
	var req editMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.log.Edit(r.Context(), middleware.GetUserID(r.Context()), msgID, req.Content)
	if err != nil {
		writeServiceError(w, "message.Edit", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	msgID, ok := idParam(w, r, "messageId")
	if !ok {
		return
	}
	if err := h.log.Delete(r.Context(), middleware.GetUserID(r.Context()), msgID); err != nil {
		writeServiceError(w, "message.Delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
