package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cruisesync/internal/models"
)

// FileUpdateParams collects everything one successful file parse produces.
type FileUpdateParams struct {
	Cruise         models.Cruise
	Prices         models.CheapestPrice
	WebhookEventID *string
}

// querier is the slice of pgx.Tx the per-file update runs against.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ApplyFileUpdate runs the per-file transaction: snapshot the cruise's
// current cheapest prices, upsert the core record, overwrite the cheapest
// aggregate, snapshot again. Either everything commits or nothing does;
// failures roll back and leave no partial state.
func (s *Store) ApplyFileUpdate(ctx context.Context, p FileUpdateParams) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := applyFileUpdate(ctx, tx, p, time.Now); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit file update: %w", err)
	}
	return nil
}

func applyFileUpdate(ctx context.Context, q querier, p FileUpdateParams, now func() time.Time) error {
	before, err := currentCheapest(ctx, q, p.Cruise.ID)
	if err != nil {
		return err
	}
	beforeAt := now().UTC()
	if err := insertSnapshot(ctx, q, p.Cruise.ID, p.WebhookEventID, models.SnapshotBeforeUpdate, before, beforeAt); err != nil {
		return err
	}

	if err := upsertCruise(ctx, q, p.Cruise); err != nil {
		return err
	}
	if err := upsertCheapest(ctx, q, p.Prices); err != nil {
		return err
	}

	// The after snapshot must sort strictly later than the before snapshot
	// even when the clock does not advance between the two reads.
	afterAt := now().UTC()
	if !afterAt.After(beforeAt) {
		afterAt = beforeAt.Add(time.Microsecond)
	}
	return insertSnapshot(ctx, q, p.Cruise.ID, p.WebhookEventID, models.SnapshotAfterUpdate, p.Prices, afterAt)
}

// GetCruise fetches one cruise by its stable identifier.
func (s *Store) GetCruise(ctx context.Context, id string) (models.Cruise, bool, error) {
	var c models.Cruise
	err := s.pool.QueryRow(ctx, `
		SELECT id, cruise_id, line_id, ship_id, name, sailing_date, raw_payload, created_at, updated_at
		FROM cruises WHERE id = $1
	`, id).Scan(&c.ID, &c.CruiseID, &c.LineID, &c.ShipID, &c.Name, &c.SailingDate, &c.RawPayload, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Cruise{}, false, nil
	}
	if err != nil {
		return models.Cruise{}, false, fmt.Errorf("query cruise: %w", err)
	}
	return c, true, nil
}

// SnapshotsForCruise returns the audit trail for one cruise, oldest first.
func (s *Store) SnapshotsForCruise(ctx context.Context, cruiseID string, limit int) ([]models.PriceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, cruise_id, webhook_event_id, tag, interior, oceanview, balcony, suite, captured_at
		FROM price_snapshots
		WHERE cruise_id = $1
		ORDER BY captured_at
		LIMIT $2
	`, cruiseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.PriceSnapshot
	for rows.Next() {
		var sn models.PriceSnapshot
		if err := rows.Scan(&sn.ID, &sn.CruiseID, &sn.WebhookEventID, &sn.Tag, &sn.Interior, &sn.Oceanview, &sn.Balcony, &sn.Suite, &sn.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

func currentCheapest(ctx context.Context, q querier, cruiseID string) (models.CheapestPrice, error) {
	var cp models.CheapestPrice
	cp.CruiseID = cruiseID
	err := q.QueryRow(ctx, `
		SELECT interior, oceanview, balcony, suite FROM cheapest_prices WHERE cruise_id = $1
	`, cruiseID).Scan(&cp.Interior.Amount, &cp.Oceanview.Amount, &cp.Balcony.Amount, &cp.Suite.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		// First sight of this cruise; the before snapshot is empty.
		return cp, nil
	}
	if err != nil {
		return cp, fmt.Errorf("query current cheapest: %w", err)
	}
	return cp, nil
}

func insertSnapshot(ctx context.Context, q querier, cruiseID string, webhookEventID *string, tag string, prices models.CheapestPrice, at time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO price_snapshots (cruise_id, webhook_event_id, tag, interior, oceanview, balcony, suite, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cruiseID, webhookEventID, tag, prices.Interior.Amount, prices.Oceanview.Amount, prices.Balcony.Amount, prices.Suite.Amount, at)
	if err != nil {
		return fmt.Errorf("insert %s snapshot: %w", tag, err)
	}
	return nil
}

func upsertCruise(ctx context.Context, q querier, c models.Cruise) error {
	var sailing any
	if !c.SailingDate.IsZero() {
		sailing = c.SailingDate
	}
	_, err := q.Exec(ctx, `
		INSERT INTO cruises (id, cruise_id, line_id, ship_id, name, sailing_date, raw_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			cruise_id = EXCLUDED.cruise_id,
			line_id = EXCLUDED.line_id,
			ship_id = EXCLUDED.ship_id,
			name = EXCLUDED.name,
			sailing_date = EXCLUDED.sailing_date,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = NOW()
	`, c.ID, c.CruiseID, c.LineID, c.ShipID, c.Name, sailing, c.RawPayload)
	if err != nil {
		return fmt.Errorf("upsert cruise %s: %w", c.ID, err)
	}
	return nil
}

func upsertCheapest(ctx context.Context, q querier, cp models.CheapestPrice) error {
	_, err := q.Exec(ctx, `
		INSERT INTO cheapest_prices (cruise_id, interior, interior_code, oceanview, oceanview_code, balcony, balcony_code, suite, suite_code, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (cruise_id) DO UPDATE SET
			interior = EXCLUDED.interior,
			interior_code = EXCLUDED.interior_code,
			oceanview = EXCLUDED.oceanview,
			oceanview_code = EXCLUDED.oceanview_code,
			balcony = EXCLUDED.balcony,
			balcony_code = EXCLUDED.balcony_code,
			suite = EXCLUDED.suite,
			suite_code = EXCLUDED.suite_code,
			updated_at = NOW()
	`, cp.CruiseID,
		cp.Interior.Amount, cp.Interior.Code,
		cp.Oceanview.Amount, cp.Oceanview.Code,
		cp.Balcony.Amount, cp.Balcony.Code,
		cp.Suite.Amount, cp.Suite.Code)
	if err != nil {
		return fmt.Errorf("upsert cheapest prices %s: %w", cp.CruiseID, err)
	}
	return nil
}
