package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/middleware"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/repository"
	"github.com/chatroom/internal/service"
	"github.com/chatroom/internal/ws"
)

// RoomAccess is the membership check done before the upgrade; satisfied by *service.RoomService.
type RoomAccess interface {
	Access(ctx context.Context, userID, roomID string) (*model.Room, error)
}

type WSHandler struct {
	hub            *ws.Hub
	authn          middleware.Authenticator
	rooms          RoomAccess
	opts           ws.Options
	allowedOrigins string
	upgrader       websocket.Upgrader
}

// NewWSHandler builds the realtime gateway. allowedOrigins uses the CORS format
// (comma separated or "*").
func NewWSHandler(hub *ws.Hub, authn middleware.Authenticator, rooms RoomAccess, opts ws.Options, allowedOrigins string) *WSHandler {
	h := &WSHandler{
		hub:            hub,
		authn:          authn,
		rooms:          rooms,
		opts:           opts,
		allowedOrigins: strings.TrimSpace(allowedOrigins),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS authenticates ?token=, checks membership of {roomId} and only then upgrades.
// Failures before the handshake are plain HTTP errors.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := h.authn.Authenticate(r.Context(), middleware.BearerToken(r))
	if err != nil {
		if !errors.Is(err, service.ErrUnauthorized) {
			logger.Errorf("ws authenticate: %v", err)
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID, ok := idParam(w, r, "roomId")
	if !ok {
		return
	}
	if _, err := h.rooms.Access(r.Context(), id.User.ID, roomID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "room not found")
		case errors.Is(err, service.ErrForbidden):
			writeError(w, http.StatusForbidden, "not a member of this room")
		default:
			writeServiceError(w, "ws.Access", err)
		}
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	client := ws.NewClient(h.hub, conn, id.User, roomID, id.TokenID, h.opts)
	if err := h.hub.Register(client); err != nil {
		logger.Warnf("ws register user=%s room=%s: %v", id.User.ID, roomID, err)
		client.CloseWith(websocket.CloseTryAgainLater, "server busy")
		client.Start()
		return
	}
	// A removal between the first check and Register evicted nothing; look again now
	// that later evictions will find this connection.
	if _, err := h.rooms.Access(r.Context(), id.User.ID, roomID); err != nil {
		switch {
		case errors.Is(err, service.ErrForbidden):
			client.CloseWith(ws.CloseForbidden, "membership revoked")
		case errors.Is(err, repository.ErrNotFound):
			client.CloseWith(ws.CloseRoomNotFound, "room deleted")
		default:
			logger.Errorf("ws recheck access user=%s room=%s: %v", id.User.ID, roomID, err)
			client.CloseWith(websocket.CloseInternalServerErr, "internal error")
		}
	}
	client.Start()
}
