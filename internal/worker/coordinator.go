package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cruisesync/internal/config"
	"cruisesync/internal/ftp"
	"cruisesync/internal/lock"
	"cruisesync/internal/models"
	"cruisesync/internal/progress"
	"cruisesync/internal/telemetry"
)

// Discoverer lists candidate files for one cruise line.
type Discoverer interface {
	Discover(conn ftp.Conn, lineID, monthsAhead int) ([]models.DiscoveredFile, error)
}

// FileProcessor runs the per-file update pipeline.
type FileProcessor interface {
	ProcessFile(ctx context.Context, f models.DiscoveredFile, webhookEventID *string) error
}

// Coordinator drives one line's synchronization run: lock, discover, cap,
// batch, execute with bounded concurrency, release. There is exactly one
// pipeline design; batch size, concurrency, month window, and file cap are
// configuration, not separate implementations.
type Coordinator struct {
	locks     *lock.Manager
	pool      *ftp.Pool
	discover  Discoverer
	processor FileProcessor
	tracker   *progress.Tracker

	monthsAhead          int
	maxFilesPerRun       int
	batchSize            int
	maxConcurrentBatches int

	log zerolog.Logger
}

func NewCoordinator(locks *lock.Manager, pool *ftp.Pool, discover Discoverer, processor FileProcessor, tracker *progress.Tracker, cfg config.Config, log zerolog.Logger) *Coordinator {
	maxConc := cfg.MaxConcurrentBatches
	if maxConc <= 0 {
		maxConc = 1
	}
	maxFiles := cfg.MaxFilesPerRun
	if maxFiles <= 0 {
		maxFiles = 200
	}
	return &Coordinator{
		locks:                locks,
		pool:                 pool,
		discover:             discover,
		processor:            processor,
		tracker:              tracker,
		monthsAhead:          cfg.MonthsAhead,
		maxFilesPerRun:       maxFiles,
		batchSize:            cfg.BatchSize,
		maxConcurrentBatches: maxConc,
		log:                  log,
	}
}

// SyncLine runs one full synchronization for a cruise line. It returns a
// *lock.ConflictError when another run is active; any other error means
// the run started and failed. The lock is always released on exit.
func (c *Coordinator) SyncLine(ctx context.Context, lineID int, webhookEventID string) (err error) {
	lockID, err := c.locks.Acquire(ctx, strconv.Itoa(lineID))
	if err != nil {
		var conflict *lock.ConflictError
		if errors.As(err, &conflict) {
			c.log.Info().Int("line_id", lineID).Time("held_since", conflict.HeldSince).Msg("run skipped, lock held")
		}
		return err
	}

	runID := uuid.New().String()
	log := c.log.With().Int("line_id", lineID).Str("run_id", runID).Logger()
	telemetry.RunsStarted.Inc()
	telemetry.ActiveRuns.Inc()
	defer telemetry.ActiveRuns.Dec()

	defer func() {
		reason := "completed"
		if err != nil {
			reason = "failed"
		}
		// Release must run even when the run failed, or the line would
		// stay blocked until the staleness threshold.
		if relErr := c.locks.Release(context.WithoutCancel(ctx), lockID, reason); relErr != nil {
			log.Error().Err(relErr).Msg("lock release failed")
		}
	}()

	if trErr := c.tracker.StartRun(ctx, lineID, runID); trErr != nil {
		log.Warn().Err(trErr).Msg("progress tracking unavailable")
	}

	files, err := c.discoverFiles(ctx, lineID)
	if err != nil {
		telemetry.RunsFailed.Inc()
		_ = c.tracker.Finish(ctx, lineID, models.RunFailed, err.Error())
		return fmt.Errorf("discover line %d: %w", lineID, err)
	}
	if len(files) > c.maxFilesPerRun {
		log.Info().Int("discovered", len(files)).Int("cap", c.maxFilesPerRun).Msg("capping run size")
		files = files[:c.maxFilesPerRun]
	}
	_ = c.tracker.SetDiscovered(ctx, lineID, len(files))
	log.Info().Int("files", len(files)).Msg("discovery complete")

	var eventID *string
	if webhookEventID != "" {
		eventID = &webhookEventID
	}
	batches := partition(files, c.batchSize)
	c.runBatches(ctx, lineID, batches, eventID)

	var processed, failed int
	for _, b := range batches {
		processed += b.Succeeded
		failed += b.Failed
		if b.Err != nil && err == nil {
			err = fmt.Errorf("batch %d: %w", b.Seq, b.Err)
		}
	}
	if err != nil {
		telemetry.RunsFailed.Inc()
		_ = c.tracker.Finish(ctx, lineID, models.RunFailed, err.Error())
		return err
	}

	telemetry.RunsCompleted.Inc()
	_ = c.tracker.Finish(ctx, lineID, models.RunCompleted, "")
	log.Info().Int("processed", processed).Int("failed", failed).Msg("run complete")
	return nil
}

// runBatches executes batches with bounded concurrency. Files inside a
// batch run sequentially; a file failure is recorded and the batch keeps
// going.
func (c *Coordinator) runBatches(ctx context.Context, lineID int, batches []*Batch, eventID *string) {
	sem := make(chan struct{}, c.maxConcurrentBatches)
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(b *Batch) {
			defer wg.Done()
			defer func() { <-sem }()
			c.runBatch(ctx, b, eventID)
			// Progress moves per batch, not per file, to limit contention.
			if trErr := c.tracker.AddBatchResult(ctx, lineID, b.Succeeded, b.Failed); trErr != nil {
				c.log.Warn().Err(trErr).Int("batch", b.Seq).Msg("progress update failed")
			}
		}(b)
	}
	wg.Wait()
}

func (c *Coordinator) runBatch(ctx context.Context, b *Batch, eventID *string) {
	b.Status = BatchProcessing
	for _, f := range b.Files {
		if ctx.Err() != nil {
			b.Status = BatchFailed
			b.Err = ctx.Err()
			return
		}
		if err := c.processor.ProcessFile(ctx, f, eventID); err != nil {
			b.Failed++
			telemetry.FilesFailed.Inc()
			c.log.Warn().Str("path", f.Path).Err(err).Msg("file skipped")
			continue
		}
		b.Succeeded++
		telemetry.FilesProcessed.Inc()
	}
	b.Status = BatchCompleted
}

func (c *Coordinator) discoverFiles(ctx context.Context, lineID int) ([]models.DiscoveredFile, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire discovery connection: %w", err)
	}
	files, err := c.discover.Discover(conn, lineID, c.monthsAhead)
	if err != nil {
		c.pool.Discard(conn)
		return nil, err
	}
	c.pool.Release(conn)
	return files, nil
}
