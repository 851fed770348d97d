package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/config"
	"github.com/mwork/photofabric/internal/domain/photo"
	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/pipeline"
	"github.com/mwork/photofabric/internal/pkg/database"
	"github.com/mwork/photofabric/internal/pkg/logger"
	"github.com/mwork/photofabric/internal/pkg/storage"
	"github.com/mwork/photofabric/internal/queue"
	"github.com/mwork/photofabric/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Str("service", cfg.ServiceName).Msg("starting photofabric worker")

	db, err := database.NewPostgres(cfg.MetadataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	defer database.ClosePostgres(db)

	redisClient := mustRedis(cfg)
	defer redisClient.Close()

	store, err := newBlobStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create blob storage client")
	}

	repo := photo.NewRepository(db)
	q := queue.New(redisClient)
	ch := events.NewChannel(events.NewRedisTransport(redisClient), cfg.ServiceName)
	defer ch.Close()

	engine := pipeline.New(store, repo, ch, pipeline.Config{
		StageTimeout: cfg.StageTimeout(),
		CancelGrace:  cfg.CancelGrace(),
	}, cfg.ServiceName)

	pool := worker.New(q, engine, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		LeaseMS:      int64(cfg.LeaseMS),
		StageTimeout: cfg.StageTimeout(),
		CancelGrace:  cfg.CancelGrace(),
		PipelineName: pipeline.PipelineFull,
	})

	janitor := queue.NewJanitor(q, 30*time.Second)
	janitor.Start()
	defer janitor.Stop()

	scheduler := queue.NewScheduler(q)
	scheduler.Start()
	defer scheduler.Stop()

	pool.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	log.Info().Msg("shutdown signal received, draining worker pool")
	pool.Drain(30 * time.Second)

	log.Info().Msg("photofabric worker stopped")
}

// newBlobStorage selects the C1 backend per BLOB_PROVIDER: the generic
// S3-compatible client (MinIO and friends) by default, or Cloudflare
// R2's convention when configured.
func newBlobStorage(cfg *config.Config) (*storage.S3Storage, error) {
	if cfg.BlobProvider == "r2" {
		return storage.NewR2(context.Background(), storage.R2Config{
			AccountID: cfg.BlobAccountID,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
		})
	}
	return storage.New(context.Background(), storage.Config{
		Endpoint:  cfg.BlobEndpoint + ":" + cfg.BlobPort,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		UseTLS:    cfg.BlobUseTLS,
	})
}

func mustRedis(cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.QueuePassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("connect to redis")
	}
	return client
}

func setupLogger(cfg *config.Config) {
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("init logger")
	}
}
