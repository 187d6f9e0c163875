package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"cruisesync/internal/archive"
	"cruisesync/internal/config"
	"cruisesync/internal/discovery"
	"cruisesync/internal/ftp"
	"cruisesync/internal/lock"
	"cruisesync/internal/logging"
	"cruisesync/internal/progress"
	"cruisesync/internal/store"
	"cruisesync/internal/worker"
)

// resync runs line synchronizations from the command line, outside the
// webhook path. Useful after an outage or when onboarding a new line.
func main() {
	linesFlag := flag.String("lines", "", "comma-separated cruise line ids to sync, e.g. 22,3,15")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg)

	lineIDs, err := parseLines(*linesFlag)
	if err != nil {
		log.Fatalf("parse -lines: %v", err)
	}
	if len(lineIDs) == 0 {
		log.Fatal("no lines given, pass -lines 22,3")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
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

	var archiver archive.Archiver
	if s3a, err := archive.NewS3(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("configure s3 archiver")
	} else if s3a != nil {
		archiver = s3a
	}

	ftpPool := ftp.NewPool(ftp.NewDialer(cfg), cfg.FTPPoolSize, cfg.FTPAcquireWait)
	defer ftpPool.Close()

	locks := lock.NewManager(st, cfg.LockStaleAfter, logger)
	walker := discovery.NewWalker(logger)
	pipeline := worker.NewPipeline(ftpPool, st, archiver, cfg, logger)
	coordinator := worker.NewCoordinator(locks, ftpPool, walker, pipeline, tracker, cfg, logger)

	failed := 0
	for _, lineID := range lineIDs {
		if ctx.Err() != nil {
			logger.Warn().Msg("resync interrupted")
			break
		}
		logger.Info().Int("line_id", lineID).Msg("resync starting")
		err := coordinator.SyncLine(ctx, lineID, "")
		var conflict *lock.ConflictError
		switch {
		case err == nil:
			logger.Info().Int("line_id", lineID).Msg("resync completed")
		case errors.As(err, &conflict):
			logger.Warn().Int("line_id", lineID).Time("held_since", conflict.HeldSince).Msg("line already syncing, skipped")
			failed++
		default:
			logger.Error().Err(err).Int("line_id", lineID).Msg("resync failed")
			failed++
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func parseLines(raw string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, errors.New("line ids must be positive integers")
		}
		out = append(out, id)
	}
	return out, nil
}
