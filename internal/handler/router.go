package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatroom/internal/config"
	"github.com/chatroom/internal/middleware"
)

// Handlers groups everything NewRouter mounts.
type Handlers struct {
	Auth    *AuthHandler
	User    *UserHandler
	Room    *RoomHandler
	Message *MessageHandler
	File    *FileHandler
	Push    *PushHandler
	Config  *ConfigHandler
	WS      *WSHandler

	// RateCounters backs the rate limiter; nil keeps the counts in this process.
	RateCounters middleware.CounterFactory
}

// NewRouter builds the HTTP surface: REST under /api, the realtime gateway at
// /ws/{roomId} and /api/ws/{roomId}, uploads at /uploads/{filename}.
func NewRouter(cfg *config.Config, authn middleware.Authenticator, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// compressing would hide http.Hijacker from the websocket upgrade
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	limit := middleware.RateLimit(cfg.RateLimitPerMinute, h.RateCounters)

	r.Get("/health", h.Config.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/uploads/{filename}", h.File.Serve)
	r.Get("/ws/{roomId}", h.WS.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws/{roomId}", h.WS.ServeWS)
		r.Get("/config", h.Config.Get)
		r.Get("/push/vapid-public", h.Push.VAPIDPublicKey)

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Post("/auth/register", h.Auth.Register)
			r.Post("/auth/login", h.Auth.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.TokenAuth(authn))
			r.Use(limit)

			r.Post("/auth/logout", h.Auth.Logout)

			r.Get("/users", h.User.List)
			r.Get("/users/me", h.User.Me)
			r.Put("/users/me", h.User.UpdateMe)

			r.Get("/rooms", h.Room.List)
			r.Post("/rooms", h.Room.Create)
			r.Post("/rooms/private", h.Room.Private)
			r.Get("/rooms/{roomId}", h.Room.Get)
			r.Put("/rooms/{roomId}", h.Room.Update)
			r.Delete("/rooms/{roomId}", h.Room.Delete)
			r.Get("/rooms/{roomId}/messages", h.Message.History)
			r.Get("/rooms/{roomId}/messages/search", h.Message.Search)
			r.Post("/rooms/{roomId}/read", h.Room.MarkRead)
			r.Get("/rooms/{roomId}/members", h.Room.Members)
			r.Post("/rooms/{roomId}/members", h.Room.AddMember)
			r.Delete("/rooms/{roomId}/members/{userId}", h.Room.RemoveMember)
			r.Post("/rooms/{roomId}/leave", h.Room.Leave)

			r.Put("/messages/{messageId}", h.Message.Edit)
			r.Delete("/messages/{messageId}", h.Message.Delete)

			r.Post("/upload", h.File.Upload)

			r.Post("/push/subscribe", h.Push.Subscribe)
			r.Delete("/push/subscribe", h.Push.Unsubscribe)
		})
	})
	return r
}
