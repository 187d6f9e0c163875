package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"cruisesync/internal/api"
	"cruisesync/internal/archive"
	"cruisesync/internal/config"
	"cruisesync/internal/discovery"
	"cruisesync/internal/ftp"
	"cruisesync/internal/lock"
	"cruisesync/internal/logging"
	"cruisesync/internal/progress"
	"cruisesync/internal/ratelimit"
	"cruisesync/internal/store"
	"cruisesync/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	tracker := progress.NewTracker(redisClient, cfg.ProgressTTL)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.WebhookRateCapacity, cfg.WebhookRateRefill, time.Hour)

	var archiver archive.Archiver
	if s3a, err := archive.NewS3(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("configure s3 archiver")
	} else if s3a != nil {
		archiver = s3a
		logger.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("raw payload archiving enabled")
	}

	ftpPool := ftp.NewPool(ftp.NewDialer(cfg), cfg.FTPPoolSize, cfg.FTPAcquireWait)
	defer ftpPool.Close()

	locks := lock.NewManager(st, cfg.LockStaleAfter, logger)
	walker := discovery.NewWalker(logger)
	pipeline := worker.NewPipeline(ftpPool, st, archiver, cfg, logger)
	coordinator := worker.NewCoordinator(locks, ftpPool, walker, pipeline, tracker, cfg, logger)

	runner := worker.NewRunner(coordinator, st, cfg.RunnerWorkers, cfg.RunnerQueueSize, logger)
	runner.Start(ctx)

	server := api.New(st, runner, locks, tracker, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	// Let in-flight runs finish marking their webhook events.
	runner.Stop()
	logger.Info().Msg("shutdown complete")
}
