package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/docvault/docvault/internal/api"
	"github.com/docvault/docvault/internal/api/handlers"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/cache"
	"github.com/docvault/docvault/internal/chunkstore"
	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/database"
	"github.com/docvault/docvault/internal/document"
	"github.com/docvault/docvault/internal/embedding"
	"github.com/docvault/docvault/internal/keymanager"
	"github.com/docvault/docvault/internal/llm"
	"github.com/docvault/docvault/internal/queue"
	"github.com/docvault/docvault/internal/search"
	"github.com/docvault/docvault/internal/storage"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vectorindex"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		slog.Error("invalid master key", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(ctx, pool, cfg.Database.MigrationsPath); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	store, err := storage.New(cfg.Storage)
	if err != nil {
		slog.Error("failed to init storage", "error", err)
		os.Exit(1)
	}

	// Tenant service and key manager reference each other through narrow
	// interfaces, so they are wired in two steps.
	keyStore := keymanager.NewPgStore(pool)
	locker := cache.NewCache(rdb)

	var tenants *tenant.Service
	keys, err := keymanager.NewManager(masterKey, keyStore, locker, deferredRecorder{&tenants}, cfg.Keys.RotationLockTTL)
	if err != nil {
		slog.Error("failed to init key manager", "error", err)
		os.Exit(1)
	}
	tenants = tenant.NewService(pool, keys)

	sessions := auth.NewSessionStore(pool)
	authSvc := auth.NewService(tenants, sessions, cfg.Auth)

	queueClient := queue.NewClient(cfg.Redis, cfg.Ingest.StageTimeout)
	defer queueClient.Close()

	docs := document.NewService(pool, store, cfg.Storage.Bucket, queueClient, cfg.Upload.MaxSizeBytes)
	chunks := chunkstore.NewStore(pool)

	gw := llm.NewGateway(cfg.LLM)
	embedder := embedding.NewService(gw, cfg.LLM.EmbeddingModel)
	index := vectorindex.NewRemoteIndex(cfg.Index)
	synthesizer := search.NewSynthesizer(gw, cfg.LLM.DefaultModel)
	logs := search.NewLogStore(pool)
	searchGw := search.NewGateway(embedder, index, chunks, keys, synthesizer, logs)

	router := api.NewRouter(api.Deps{
		Health:    handlers.NewHealthHandler(pool, rdb),
		Auth:      handlers.NewAuthHandler(authSvc),
		Documents: handlers.NewDocumentHandler(docs, index, cfg.Upload.MaxSizeBytes),
		Search:    handlers.NewSearchHandler(searchGw),
		Admin:     handlers.NewAdminHandler(keys, tenants, logs, index),
		JWT:       auth.NewJWTMiddleware(cfg.Auth.JWTSecret, tenants),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

// deferredRecorder breaks the construction cycle between the key manager
// and the tenant service.
type deferredRecorder struct {
	svc **tenant.Service
}

func (d deferredRecorder) SetKeyFingerprint(ctx context.Context, tenantID uuid.UUID, fingerprint string) error {
	return (*d.svc).SetKeyFingerprint(ctx, tenantID, fingerprint)
}
