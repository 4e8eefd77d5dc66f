package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p2pchat/internal/config"
	"github.com/p2pchat/internal/crypto"
	"github.com/p2pchat/internal/handler"
	"github.com/p2pchat/internal/logger"
	"github.com/p2pchat/internal/middleware"
	"github.com/p2pchat/internal/notify"
	"github.com/p2pchat/internal/repository"
	"github.com/p2pchat/internal/startup"
	"github.com/p2pchat/internal/storage"
	"github.com/p2pchat/internal/storage/memory"
	"github.com/p2pchat/internal/ws"
	"github.com/p2pchat/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and an in-memory cache (no external services required)")
	backfill := flag.Bool("backfill", false, "recompute the recency index from the database and exit")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
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

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}

	userRepo := repository.NewUserRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)

	var cache storage.ChatCache
	if *dev {
		cache = memory.New()
		logger.Info("using in-memory cache")
	} else {
		cache = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer cache.Close()

	if *backfill {
		backfillRecency(context.Background(), pool, msgRepo, cache)
		return
	}

	fernetKey := cfg.FernetKey
	if fernetKey == "" {
		if !*dev {
			logger.Errorf("FERNET_KEY is required (or run with -dev)")
			os.Exit(1)
		}
		fernetKey, err = crypto.GenerateKey()
		if err != nil {
			logger.Errorf("generate fernet key: %v", err)
			os.Exit(1)
		}
		logger.Infof("dev fernet key: %s", fernetKey)
	}
	codec, err := crypto.NewCodec(fernetKey)
	if err != nil {
		logger.Errorf("fernet key: %v", err)
		os.Exit(1)
	}

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := userRepo.ResetAllOffline(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	if *dev {
		seedDevUsers(userRepo, []byte(cfg.JWTSecret))
	}

	notifyClient := notify.NewClient(cfg.NotifyServiceURL)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(msgRepo, userRepo, cache, codec, ws.Settings{
		MaxConnections: cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteTimeout:   time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongTimeout:    time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
	}, notifyClient)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	chatH := handler.NewChatHandler(userRepo, msgRepo, cache, codec, hub)
	wsH := handler.NewWSHandler(hub, userRepo, []byte(cfg.JWTSecret), cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Never compress WebSocket upgrades: the wrapped ResponseWriter loses
	// http.Hijacker and the upgrade fails with a 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws/chat/{username}", wsH.ServeWS)
	r.Get("/api/config/push", handler.PushConfig(cfg.VAPIDPublicKey))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth([]byte(cfg.JWTSecret)))
		r.Get("/api/chat/history/{username}", chatH.GetHistory)
		r.Get("/api/chat/recent", chatH.GetRecentChats)
		r.Get("/api/chat/unread", chatH.GetUnreadCounts)
		r.Post("/api/chat/read", chatH.MarkRead)
		r.Post("/api/chat/messages", chatH.SendMessage)
		r.Delete("/api/chat/messages", chatH.DeleteMessage)
		r.Post("/api/chat/decrypt", chatH.DecryptMessage)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
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
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	for _, e := range entries {
		data, err := migrations.Files.ReadFile(e.Name())
		if err != nil {
			logger.Errorf("read migration %s: %v", e.Name(), err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", e.Name(), err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

// seedDevUsers creates two users and prints ready-to-use tokens so a
// fresh -dev instance can be exercised with curl or websocat immediately.
func seedDevUsers(users *repository.UserRepository, jwtSecret []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range []string{"alice", "bob"} {
		u, err := users.Create(ctx, name, name+"@example.test")
		if err != nil {
			logger.Errorf("seed user %s: %v", name, err)
			continue
		}
		token, err := middleware.NewToken(jwtSecret, u.ID, 24*time.Hour)
		if err != nil {
			logger.Errorf("seed token %s: %v", name, err)
			continue
		}
		logger.Infof("dev user %s id=%d token=%s", name, u.ID, token)
	}
}

// backfillRecency rebuilds every user's recency index from the durable
// store. Meant for recovery after a cache flush.
func backfillRecency(ctx context.Context, pool *pgxpool.Pool, msgs *repository.MessageRepository, cache storage.ChatCache) {
	rows, err := pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		logger.Errorf("backfill: list users: %v", err)
		os.Exit(1)
	}
	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			logger.Errorf("backfill: scan user: %v", err)
			os.Exit(1)
		}
		userIDs = append(userIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		logger.Errorf("backfill: list users: %v", err)
		os.Exit(1)
	}

	var total int
	for _, userID := range userIDs {
		latest, err := msgs.LatestPerPeer(ctx, userID)
		if err != nil {
			logger.Errorf("backfill: user %d: %v", userID, err)
			continue
		}
		for _, m := range latest {
			peerID := m.SenderID
			if peerID == userID {
				peerID = m.ReceiverID
			}
			if err := cache.BumpRecency(ctx, userID, peerID, m.Timestamp.Unix()); err != nil {
				logger.Errorf("backfill: user %d peer %d: %v", userID, peerID, err)
				continue
			}
			total++
		}
	}
	logger.Infof("backfill done: %d users, %d recency entries", len(userIDs), total)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "p2pchat"
		password = "p2pchat_secret"
		database = "p2pchat"
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
