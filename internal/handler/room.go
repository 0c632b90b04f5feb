package handler

import (
	"net/http"

	"github.com/chatroom/internal/middleware"
	"github.com/chatroom/internal/service"
)

type RoomHandler struct {
	roomSvc *service.RoomService
}

func NewRoomHandler(roomSvc *service.RoomService) *RoomHandler {
	return &RoomHandler{roomSvc: roomSvc}
}

type privateRoomRequest struct {
	UserID string `json:"user_id"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.roomSvc.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "room.List", err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRoomInput
	if !decodeJSON(w, r, &req) {
		return
	}
	rm, err := h.roomSvc.CreateGroup(r.Context(), middleware.GetUser(r.Context()), req)
	if err != nil {
		writeServiceError(w, "room.Create", err)
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

// Private is idempotent: 201 when the room was created by this call, 200 otherwise.
func (h *RoomHandler) Private(w http.ResponseWriter, r *http.Request) {
	var req privateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rm, created, err := h.roomSvc.GetOrCreatePrivate(r.Context(), middleware.GetUser(r.Context()), req.UserID)
	if err != nil {
		writeServiceError(w, "room.Private", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rm)
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	detail, err := h.roomSvc.Get(r.Context(), middleware.GetUserID(r.Context()), roomID)
	if err != nil {
		writeServiceError(w, "room.Get", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *RoomHandler) Update(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	var req service.UpdateRoomInput
	if !decodeJSON(w, r, &req) {
		return
	}
	rm, err := h.roomSvc.Update(r.Context(), middleware.GetUserID(r.Context()), roomID, req)
	if err != nil {
		writeServiceError(w, "room.Update", err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	if err := h.roomSvc.Delete(r.Context(), middleware.GetUserID(r.Context()), roomID); err != nil {
		writeServiceError(w, "room.Delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) Members(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	members, err := h.roomSvc.Members(r.Context(), middleware.GetUserID(r.Context()), roomID)
	if err != nil {
		writeServiceError(w, "room.Members", err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *RoomHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.roomSvc.AddMember(r.Context(), middleware.GetUserID(r.Context()), roomID, req.UserID); err != nil {
		writeServiceError(w, "room.AddMember", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	userID, ok := idParam(w, r, "userId")
	if !ok {
		return
	}
	if err := h.roomSvc.RemoveMember(r.Context(), middleware.GetUserID(r.Context()), roomID, userID); err != nil {
		writeServiceError(w, "room.RemoveMember", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	if err := h.roomSvc.Leave(r.Context(), middleware.GetUserID(r.Context()), roomID); err != nil {
		writeServiceError(w, "room.Leave", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RoomHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	seq, err := h.roomSvc.MarkRead(r.Context(), middleware.GetUserID(r.Context()), roomID)
	if err != nil {
		writeServiceError(w, "room.MarkRead", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_read_seq": seq})
}
