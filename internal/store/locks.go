package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cruisesync/internal/models"
)

// ErrDuplicateActiveLock means another holder inserted an active lock for
// the same (resource_key, lock_type) first; the partial unique index
// serializes racing acquirers.
var ErrDuplicateActiveLock = errors.New("active lock already exists")

// ActiveLock returns the currently active lock for a resource, if any.
func (s *Store) ActiveLock(ctx context.Context, resourceKey, lockType string) (models.SyncLock, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, resource_key, lock_type, status, holder, acquired_at, released_at
		FROM sync_locks
		WHERE resource_key = $1 AND lock_type = $2 AND status = $3
	`, resourceKey, lockType, models.LockActive)

	lk, err := scanLock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncLock{}, false, nil
	}
	if err != nil {
		return models.SyncLock{}, false, fmt.Errorf("query active lock: %w", err)
	}
	return lk, true, nil
}

// InsertActiveLock creates a new active lock row and returns its id.
func (s *Store) InsertActiveLock(ctx context.Context, resourceKey, lockType string, holder map[string]any, now time.Time) (int64, error) {
	holderJSON, err := json.Marshal(holder)
	if err != nil {
		return 0, fmt.Errorf("marshal holder: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO sync_locks (resource_key, lock_type, status, holder, acquired_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, resourceKey, lockType, models.LockActive, holderJSON, now).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateActiveLock
		}
		return 0, fmt.Errorf("insert lock: %w", err)
	}
	return id, nil
}

// ReleaseLock marks one lock released, recording the reason in the holder
// metadata. Rows are never deleted here; they stay for audit.
func (s *Store) ReleaseLock(ctx context.Context, id int64, now time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_locks
		SET status = $2,
		    released_at = $3,
		    holder = COALESCE(holder, '{}'::jsonb) || jsonb_build_object('release_reason', $4::text)
		WHERE id = $1 AND status = $5
	`, id, models.LockReleased, now, reason, models.LockActive)
	if err != nil {
		return fmt.Errorf("release lock %d: %w", id, err)
	}
	return nil
}

// ListActiveLocks returns all currently active locks.
func (s *Store) ListActiveLocks(ctx context.Context) ([]models.SyncLock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, resource_key, lock_type, status, holder, acquired_at, released_at
		FROM sync_locks
		WHERE status = $1
		ORDER BY acquired_at
	`, models.LockActive)
	if err != nil {
		return nil, fmt.Errorf("query active locks: %w", err)
	}
	defer rows.Close()

	var locks []models.SyncLock
	for rows.Next() {
		lk, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, lk)
	}
	return locks, rows.Err()
}

// PruneReleasedLocks deletes released rows older than the cutoff and
// reports how many were removed.
func (s *Store) PruneReleasedLocks(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_locks WHERE status = $1 AND released_at < $2
	`, models.LockReleased, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanLock(row pgx.Row) (models.SyncLock, error) {
	var lk models.SyncLock
	var holderJSON []byte
	if err := row.Scan(&lk.ID, &lk.ResourceKey, &lk.LockType, &lk.Status, &holderJSON, &lk.AcquiredAt, &lk.ReleasedAt); err != nil {
		return models.SyncLock{}, err
	}
	if len(holderJSON) > 0 {
		if err := json.Unmarshal(holderJSON, &lk.Holder); err != nil {
			return models.SyncLock{}, fmt.Errorf("unmarshal holder: %w", err)
		}
	}
	return lk, nil
}
