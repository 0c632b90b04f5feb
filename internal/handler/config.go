package handler

import (
	"net/http"

	"github.com/chatroom/internal/config"
	"github.com/chatroom/internal/push"
	"github.com/chatroom/internal/service"
)

// ConfigHandler exposes the public client settings.
type ConfigHandler struct {
	cfg      *config.Config
	notifier *push.Notifier
}

func NewConfigHandler(cfg *config.Config, notifier *push.Notifier) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, notifier: notifier}
}

func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_upload_size":    h.cfg.MaxUploadSize,
		"typing_timeout_ms":  h.cfg.WS.TypingTimeout.Milliseconds(),
		"max_message_length": service.MaxContentLength,
		"push_enabled":       h.notifier.PublicKey() != "",
	})
}

func (h *ConfigHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
