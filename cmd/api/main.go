package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/config"
	"github.com/mwork/photofabric/internal/domain/photo"
	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/fabric"
	"github.com/mwork/photofabric/internal/health"
	"github.com/mwork/photofabric/internal/ingress"
	"github.com/mwork/photofabric/internal/middleware"
	"github.com/mwork/photofabric/internal/pkg/database"
	"github.com/mwork/photofabric/internal/pkg/logger"
	"github.com/mwork/photofabric/internal/pkg/storage"
	"github.com/mwork/photofabric/internal/queue"
	"github.com/mwork/photofabric/internal/transport/ws"
)

// coordinatorAdapter lets internal/domain/photo depend on the C5
// ingress coordinator through a narrow interface instead of importing
// internal/ingress directly — internal/ingress already imports
// internal/domain/photo, and a reverse import would cycle.
type coordinatorAdapter struct {
	coordinator *ingress.Coordinator
}

func (a *coordinatorAdapter) Upload(ctx context.Context, req photo.UploadRequest) (*photo.Record, error) {
	return a.coordinator.Upload(ctx, ingress.UploadInput{
		Bytes:         req.Bytes,
		OriginalName:  req.OriginalName,
		ContentType:   req.ContentType,
		ClientID:      req.ClientID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		ExtraMetadata: req.ExtraMetadata,
		PipelineName:  req.PipelineName,
		Priority:      req.Priority,
	})
}

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Str("env", cfg.Env).Str("port", cfg.Port).Msg("starting photofabric API")

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

	coordinator := ingress.New(store, repo, q, ch, ingress.Buckets{
		Default: cfg.BlobBucket,
		Large:   cfg.BlobBucket + "-large",
		Video:   cfg.BlobBucket + "-video",
	}, cfg.ServiceName)

	photoService := photo.NewService(&coordinatorAdapter{coordinator: coordinator}, repo)
	photoHandler := photo.NewHandler(photoService)

	router := fabric.NewRouter(ch)
	wsHandler := ws.NewHandler(router, cfg.AllowedOrigins)

	healthAggregator := health.New(q, nil, router, ch, nil)

	janitor := queue.NewJanitor(q, 30*time.Second)
	janitor.Start()
	defer janitor.Stop()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(chimw.Compress(5))

	r.Get("/ws", wsHandler.ServeHTTP)
	r.Mount("/", healthAggregator.Routes())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/photos", photoHandler.Routes())
	})

	rootHandler := middleware.Logger(middleware.Recover(r))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
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
