package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"cruisesync/internal/models"
	"cruisesync/internal/store"
	"cruisesync/internal/telemetry"
)

// LockTypeLineSync is the lock type guarding per-line synchronization runs.
const LockTypeLineSync = "cruiseline_sync"

// ConflictError is returned when another run holds the lock and it is not
// yet stale.
type ConflictError struct {
	HeldSince time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock held since %s", e.HeldSince.UTC().Format(time.RFC3339))
}

// Store is the durable lock persistence used by the manager.
type Store interface {
	ActiveLock(ctx context.Context, resourceKey, lockType string) (models.SyncLock, bool, error)
	InsertActiveLock(ctx context.Context, resourceKey, lockType string, holder map[string]any, now time.Time) (int64, error)
	ReleaseLock(ctx context.Context, id int64, now time.Time, reason string) error
	ListActiveLocks(ctx context.Context) ([]models.SyncLock, error)
}

// Manager enforces at most one active run per cruise line across all
// process instances. A lock older than staleAfter is presumed abandoned by
// a crashed holder and overridden rather than honored.
type Manager struct {
	store      Store
	lockType   string
	staleAfter time.Duration
	holder     string
	now        func() time.Time
	log        zerolog.Logger
}

func NewManager(st Store, staleAfter time.Duration, log zerolog.Logger) *Manager {
	holder, _ := os.Hostname()
	if holder == "" {
		holder = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return &Manager{
		store:      st,
		lockType:   LockTypeLineSync,
		staleAfter: staleAfter,
		holder:     holder,
		now:        time.Now,
		log:        log,
	}
}

// Acquire takes the lock for a resource or returns ConflictError. An
// existing lock at or past the staleness threshold is released with an
// override annotation and replaced.
func (m *Manager) Acquire(ctx context.Context, resourceKey string) (int64, error) {
	existing, held, err := m.store.ActiveLock(ctx, resourceKey, m.lockType)
	if err != nil {
		return 0, fmt.Errorf("check active lock: %w", err)
	}
	if held {
		age := m.now().Sub(existing.AcquiredAt)
		if age < m.staleAfter {
			return 0, &ConflictError{HeldSince: existing.AcquiredAt}
		}
		m.log.Warn().
			Str("resource", resourceKey).
			Dur("age", age).
			Int64("lock_id", existing.ID).
			Msg("overriding stale lock")
		if err := m.store.ReleaseLock(ctx, existing.ID, m.now(), "stale_override"); err != nil {
			return 0, fmt.Errorf("release stale lock: %w", err)
		}
		telemetry.LockStaleOverrides.Inc()
	}

	id, err := m.store.InsertActiveLock(ctx, resourceKey, m.lockType, map[string]any{
		"holder":      m.holder,
		"acquired_by": "sync_run",
	}, m.now())
	if errors.Is(err, store.ErrDuplicateActiveLock) {
		// Lost the race; report when the winner actually acquired.
		if winner, held, readErr := m.store.ActiveLock(ctx, resourceKey, m.lockType); readErr == nil && held {
			return 0, &ConflictError{HeldSince: winner.AcquiredAt}
		}
		return 0, &ConflictError{HeldSince: m.now()}
	}
	if err != nil {
		return 0, fmt.Errorf("insert lock: %w", err)
	}
	return id, nil
}

// Release marks a specific lock released. It is invoked on every run exit
// path, including failures.
func (m *Manager) Release(ctx context.Context, id int64, reason string) error {
	if err := m.store.ReleaseLock(ctx, id, m.now(), reason); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ActiveLocks lists currently active locks for the admin surface.
func (m *Manager) ActiveLocks(ctx context.Context) ([]models.SyncLock, error) {
	return m.store.ListActiveLocks(ctx)
}

// Age reports how long a lock has been held.
func (m *Manager) Age(lk models.SyncLock) time.Duration {
	return m.now().Sub(lk.AcquiredAt)
}
