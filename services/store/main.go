// Store server: one authoritative realtime store served to clients over WebSocket, optionally
// journaled to Redis or Postgres, with Web Push for direct messages to offline users.
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

	"github.com/deepforums/internal/config"
	"github.com/deepforums/internal/handler"
	"github.com/deepforums/internal/logger"
	"github.com/deepforums/internal/middleware"
	"github.com/deepforums/internal/push"
	"github.com/deepforums/internal/realtime/memory"
	"github.com/deepforums/internal/startup"
	"github.com/deepforums/internal/storage"
	pgstorage "github.com/deepforums/internal/storage/postgres"
	"github.com/deepforums/internal/ws"
	"github.com/deepforums/migrations"
)

func main() {
	logger.SetPrefix("store")
	migrate := flag.Bool("migrate", false, "apply journal migrations and exit (postgres backend)")
	dev := flag.Bool("dev", false, "journal to an embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting store server")
	cfg := config.Load()

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
		cfg.StoreBackend = config.BackendPostgres
	}

	journal, closeJournal := openJournal(cfg)
	defer closeJournal()
	if *migrate {
		return
	}

	var opts []memory.Option
	if journal != nil {
		opts = append(opts, memory.WithJournal(journal))
	}
	store := memory.New(opts...)
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := store.Restore(restoreCtx); err != nil {
		restoreCancel()
		logger.Errorf("restore store: %v", err)
		os.Exit(1)
	}
	restoreCancel()
	defer store.Close()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup

	hub := ws.NewHub(store, cfg.MaxWSConnections)
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(bgCtx)
	}()

	if cfg.Push.Enabled {
		notifier := push.NewNotifier(store,
			push.NewWebPushSender(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.Subscriber),
			cfg.FreshnessWindow)
		if err := notifier.Start(bgCtx); err != nil {
			logger.Errorf("push notifier: %v", err)
			os.Exit(1)
		}
		defer notifier.Close()
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			notifier.Run(bgCtx)
		}()
		logger.Info("web push enabled for direct messages")
	}

	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins, cfg.WSSendBufferSize)
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(store)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// compressing the upgrade response hides http.Hijacker and breaks the WebSocket handshake
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
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health(hub, cfg.StoreBackend))
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(120, time.Minute))
		r.Get("/api/config/push", configH.GetPushConfig)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	// WriteTimeout stays 0: hijacked WebSocket connections manage their own deadlines
	srv := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     r,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("store server listening on %s (backend=%s)", cfg.ServerAddr, cfg.StoreBackend)
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
	bgCancel()
	bgWg.Wait()
	logger.Info("store server stopped")
}

// openJournal connects the configured backend. The memory backend has no journal.
func openJournal(cfg *config.Config) (storage.Journal, func()) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second)
		logger.Info("redis journal connected")
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Errorf("redis close: %v", err)
			}
		}
	case config.BackendPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		logger.Info("postgres journal connected, migrations applied")
		return pgstorage.New(pool), pool.Close
	}
	logger.Info("memory backend: store contents are lost on restart")
	return nil, func() {}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "deepforums"
		password = "deepforums_secret"
		database = "deepforums"
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

	cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
