package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/docvault/docvault/internal/cache"
	"github.com/docvault/docvault/internal/chunkstore"
	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/database"
	"github.com/docvault/docvault/internal/document"
	"github.com/docvault/docvault/internal/embedding"
	"github.com/docvault/docvault/internal/extract"
	"github.com/docvault/docvault/internal/ingest"
	"github.com/docvault/docvault/internal/keymanager"
	"github.com/docvault/docvault/internal/llm"
	"github.com/docvault/docvault/internal/queue"
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

	keyStore := keymanager.NewPgStore(pool)
	locker := cache.NewCache(rdb)

	var tenants *tenant.Service
	keys, err := keymanager.NewManager(masterKey, keyStore, locker, deferredRecorder{&tenants}, cfg.Keys.RotationLockTTL)
	if err != nil {
		slog.Error("failed to init key manager", "error", err)
		os.Exit(1)
	}
	tenants = tenant.NewService(pool, keys)

	queueClient := queue.NewClient(cfg.Redis, cfg.Ingest.StageTimeout)
	defer queueClient.Close()

	docs := document.NewService(pool, store, cfg.Storage.Bucket, queueClient, cfg.Upload.MaxSizeBytes)
	chunks := chunkstore.NewStore(pool)

	gw := llm.NewGateway(cfg.LLM)
	embedder := embedding.NewService(gw, cfg.LLM.EmbeddingModel)
	index := vectorindex.NewRemoteIndex(cfg.Index)

	pipeline := ingest.NewPipeline(docs, chunks, keys, extract.New(), embedder, index, ingest.Options{
		ChunkSize:        cfg.Ingest.ChunkSize,
		ChunkOverlap:     cfg.Ingest.ChunkOverlap,
		EmbedConcurrency: cfg.Ingest.EmbedConcurrency,
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				queue.QueueIngest: 10,
			},
		},
	)

	mux := asynq.NewServeMux()
	queue.NewHandlers(tenants, pipeline, docs, queueClient, cfg.Ingest.MaxRetries).Register(mux)

	go func() {
		slog.Info("worker starting", "queue", queue.QueueIngest)
		if err := srv.Run(mux); err != nil {
			slog.Error("worker error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down worker")
	srv.Shutdown()
}

// deferredRecorder breaks the construction cycle between the key manager
// and the tenant service.
type deferredRecorder struct {
	svc **tenant.Service
}

func (d deferredRecorder) SetKeyFingerprint(ctx context.Context, tenantID uuid.UUID, fingerprint string) error {
	return (*d.svc).SetKeyFingerprint(ctx, tenantID, fingerprint)
}
