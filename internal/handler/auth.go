package handler

import (
	"net/http"

	"github.com/chatroom/internal/middleware"
	"github.com/chatroom/internal/service"
)

type AuthHandler struct {
	authSvc *service.AuthService
}

func NewAuthHandler(authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.authSvc.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, "auth.Register", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginInput
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.authSvc.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, "auth.Login", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Logout revokes the token the request was authenticated with.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authSvc.Logout(r.Context(), middleware.BearerToken(r)); err != nil {
		writeServiceError(w, "auth.Logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
