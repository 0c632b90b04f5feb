package handler

import (
	"net/http"

	"github.com/chatroom/internal/middleware"
	"github.com/chatroom/internal/service"
)

type UserHandler struct {
	userSvc *service.UserService
}

func NewUserHandler(userSvc *service.UserService) *UserHandler {
	return &UserHandler{userSvc: userSvc}
}

// List returns every user except the caller, filtered by ?search= or ?gmail=.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	users, err := h.userSvc.List(r.Context(), middleware.GetUserID(r.Context()), q.Get("search"), q.Get("gmail"), queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, "user.List", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, err := h.userSvc.Get(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "user.Me", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateProfileInput
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.userSvc.UpdateProfile(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		writeServiceError(w, "user.UpdateMe", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
