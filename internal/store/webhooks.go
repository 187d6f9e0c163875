package store

import (
	"context"
	"fmt"
	"time"

	"cruisesync/internal/models"
)

// InsertWebhookEvent persists one inbound notification.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev models.WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, line_id, market_id, currency, received_at, processed, processed_at, annotation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.EventType, ev.LineID, ev.MarketID, ev.Currency, ev.ReceivedAt, ev.Processed, ev.ProcessedAt, ev.Annotation)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// MarkWebhookProcessed flags the event processed with an outcome
// annotation (completed, deferred, failed, rate_limited).
func (s *Store) MarkWebhookProcessed(ctx context.Context, id string, annotation string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $2, annotation = $3
		WHERE id = $1
	`, id, time.Now().UTC(), annotation)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// RecentWebhookEvents returns the latest events for operational history.
func (s *Store) RecentWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, line_id, market_id, currency, received_at, processed, processed_at, annotation
		FROM webhook_events
		ORDER BY received_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query webhook events: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		var ev models.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.LineID, &ev.MarketID, &ev.Currency, &ev.ReceivedAt, &ev.Processed, &ev.ProcessedAt, &ev.Annotation); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
