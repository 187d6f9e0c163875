package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"cruisesync/internal/models"
)

const keyPrefix = "sync:progress:"

// Tracker keeps per-line run progress in Redis so the status surface works
// across replicas. Entries for finished runs expire after the configured
// TTL; active runs never expire.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tracker{client: client, ttl: ttl}
}

func lineKey(lineID int) string {
	return keyPrefix + strconv.Itoa(lineID)
}

// StartRun resets the line's progress record to the discovering state.
func (t *Tracker) StartRun(ctx context.Context, lineID int, runID string) error {
	key := lineKey(lineID)
	pipe := t.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"run_id", runID,
		"status", models.RunDiscovering,
		"total_files", 0,
		"processed_files", 0,
		"failed_files", 0,
		"started_at_ms", time.Now().UnixMilli(),
		"last_error", "",
	)
	pipe.Persist(ctx, key)
	_, err := pipe.Exec(ctx)
	return err
}

// SetDiscovered records the capped file count and moves to processing.
func (t *Tracker) SetDiscovered(ctx context.Context, lineID, totalFiles int) error {
	return t.client.HSet(ctx, lineKey(lineID),
		"status", models.RunProcessing,
		"total_files", totalFiles,
	).Err()
}

// AddBatchResult increments counters after one batch completes. Progress is
// updated per batch rather than per file to limit contention.
func (t *Tracker) AddBatchResult(ctx context.Context, lineID, processed, failed int) error {
	key := lineKey(lineID)
	pipe := t.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "processed_files", int64(processed))
	pipe.HIncrBy(ctx, key, "failed_files", int64(failed))
	_, err := pipe.Exec(ctx)
	return err
}

// Finish records the terminal status and starts the expiry clock.
func (t *Tracker) Finish(ctx context.Context, lineID int, status, lastError string) error {
	key := lineKey(lineID)
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", status,
		"last_error", lastError,
		"finished_at_ms", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, key, t.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns one line's progress if a record exists.
func (t *Tracker) Get(ctx context.Context, lineID int) (models.LineProgress, bool, error) {
	fields, err := t.client.HGetAll(ctx, lineKey(lineID)).Result()
	if err != nil {
		return models.LineProgress{}, false, fmt.Errorf("read progress: %w", err)
	}
	if len(fields) == 0 {
		return models.LineProgress{}, false, nil
	}
	return decode(lineID, fields), true, nil
}

// All scans for every line with a progress record.
func (t *Tracker) All(ctx context.Context) ([]models.LineProgress, error) {
	var out []models.LineProgress
	iter := t.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		lineID, err := strconv.Atoi(key[len(keyPrefix):])
		if err != nil {
			continue
		}
		p, ok, err := t.Get(ctx, lineID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan progress keys: %w", err)
	}
	return out, nil
}

// Ping verifies Redis is reachable.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func decode(lineID int, fields map[string]string) models.LineProgress {
	p := models.LineProgress{LineID: lineID, Status: fields["status"], LastError: fields["last_error"]}
	p.TotalFiles, _ = strconv.Atoi(fields["total_files"])
	p.ProcessedFiles, _ = strconv.Atoi(fields["processed_files"])
	p.FailedFiles, _ = strconv.Atoi(fields["failed_files"])
	startedMs, _ := strconv.ParseInt(fields["started_at_ms"], 10, 64)
	if startedMs > 0 {
		p.StartedAt = time.UnixMilli(startedMs).UTC()
		endMs, _ := strconv.ParseInt(fields["finished_at_ms"], 10, 64)
		if endMs == 0 {
			endMs = time.Now().UnixMilli()
		}
		p.DurationMs = endMs - startedMs
	}
	return p
}
