package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatroom/internal/auth"
	"github.com/chatroom/internal/config"
	"github.com/chatroom/internal/fileserver"
	"github.com/chatroom/internal/handler"
	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/metrics"
	"github.com/chatroom/internal/middleware"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/presence"
	"github.com/chatroom/internal/push"
	"github.com/chatroom/internal/relay"
	"github.com/chatroom/internal/repository"
	"github.com/chatroom/internal/repository/memory"
	"github.com/chatroom/internal/service"
	"github.com/chatroom/internal/startup"
	"github.com/chatroom/internal/storage"
	storemem "github.com/chatroom/internal/storage/memory"
	"github.com/chatroom/internal/ws"
	"github.com/chatroom/migrations"
)

// realtime is what both the local registry and the NATS relay offer.
type realtime interface {
	service.Broadcaster
	presence.Broadcaster
}

type stores struct {
	users    service.UserStore
	rooms    service.RoomStore
	messages service.MessageStore
	reset    func(context.Context) error
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inmem := flag.Bool("inmem", false, "keep all data in memory (no database)")
	flag.Parse()

	cfg := config.Load()
	logger.Configure(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.Info("starting chatroom API")
	metrics.Register()

	var st stores
	if *inmem {
		db := memory.New()
		st = stores{users: db.Users(), rooms: db.Rooms(), messages: db.Messages(), reset: db.Users().ResetStatuses}
		logger.Info("using in-memory repositories")
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}
		pool := connectDB(cfg)
		defer pool.Close()

		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := startup.Migrate(migrateCtx, pool, migrations.Files)
		migrateCancel()
		if err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate {
			logger.Info("migrations applied, exiting")
			return
		}
		users := repository.NewUserRepository(pool)
		st = stores{
			users:    users,
			rooms:    repository.NewRoomRepository(pool),
			messages: repository.NewMessageRepository(pool),
			reset:    users.ResetStatuses,
		}
	}

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := st.reset(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()

	var (
		store    storage.Store
		counters middleware.CounterFactory
	)
	if cfg.RedisURL != "" {
		rc := startup.ConnectRedisWithRetry(cfg.RedisURL, 60*time.Second, "")
		store = rc
		counters = func(name string) httprate.LimitCounter { return rc.RateCounter(name) }
		logger.Info("token, push and rate limit store: redis")
	} else {
		store = storemem.New()
		logger.Info("token and push store: in-memory")
	}
	defer store.Close()

	registry := ws.NewRegistry(cfg.WS.MaxConnections)
	var bc realtime = registry
	var rl *relay.Relay
	if cfg.NATSURL != "" {
		nc, err := relay.Connect(cfg.NATSURL, "chatroom-api")
		if err != nil {
			logger.Errorf("nats: %v", err)
			os.Exit(1)
		}
		rl = relay.New(registry, nc, relay.DefaultSubject)
		if err := rl.Start(); err != nil {
			logger.Errorf("relay start: %v", err)
			os.Exit(1)
		}
		bc = rl
		logger.Infof("cross-instance relay on %s", relay.DefaultSubject)
	}

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	authSvc := service.NewAuthService(st.users, issuer, store)
	authSvc.SetBroadcaster(bc)
	userSvc := service.NewUserService(st.users)
	msgLog := service.NewMessageLog(st.messages, st.rooms, bc)
	msgLog.OnAppend(func(t model.MessageType) { metrics.Appends().WithLabelValues(string(t)).Inc() })
	roomSvc := service.NewRoomService(st.rooms, st.users, msgLog, bc)

	vapid, err := push.EnsureVAPIDKeys(cfg.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("push disabled: %v", err)
	}
	notifier := push.NewNotifier(store, vapid, "mailto:admin@"+hostOf(cfg.PublicBaseURL))
	if notifier.PublicKey() != "" {
		msgLog.SetNotifier(notifier)
	}

	tracker := presence.NewTracker(bc, st.users, st.rooms, cfg.WS.TypingTimeout)
	tracker.OnExpire(func() { metrics.TypingExpiries().Inc() })
	hub := ws.NewHub(registry, tracker, msgLog)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	wsOpts := ws.Options{
		WriteWait:      cfg.WS.WriteTimeout,
		PongWait:       cfg.WS.PongTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBufferSize: cfg.WS.SendBufferSize,
	}
	router := handler.NewRouter(cfg, authSvc, handler.Handlers{
		Auth:    handler.NewAuthHandler(authSvc),
		User:    handler.NewUserHandler(userSvc),
		Room:    handler.NewRoomHandler(roomSvc),
		Message: handler.NewMessageHandler(msgLog),
		File:    handler.NewFileHandler(fileserver.New(cfg.UploadDir, cfg.MaxUploadSize, cfg.PublicBaseURL)),
		Push:    handler.NewPushHandler(notifier),
		Config:  handler.NewConfigHandler(cfg, notifier),
		WS:      handler.NewWSHandler(hub, authSvc, roomSvc, wsOpts, cfg.CORSAllowedOrigins),

		RateCounters: counters,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s (ws: /ws/{roomId}?token=...)", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	if rl != nil {
		if err := rl.Close(); err != nil {
			logger.Errorf("relay close: %v", err)
		}
	}
}

func connectDB(cfg *config.Config) *pgxpool.Pool {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 2
	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	logger.Info("database connected")
	return pool
}

func hostOf(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "localhost"
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatroom"
		password = "chatroom_secret"
		database = "chatroom"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
