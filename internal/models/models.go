package models

import (
	"time"
)

// LineProgress status values for an in-flight synchronization run.
const (
	RunDiscovering = "discovering"
	RunProcessing  = "processing"
	RunCompleted   = "completed"
	RunFailed      = "failed"
)

// SyncLock status values.
const (
	LockActive   = "active"
	LockReleased = "released"
)

// PriceSnapshot tags marking where in the update sequence a snapshot was taken.
const (
	SnapshotBeforeUpdate = "before_update"
	SnapshotAfterUpdate  = "after_update"
)

// Cruise is the persisted core record kept in sync with the upstream feed.
// ID is the stable file-derived identifier; re-processing the same file
// updates the row in place, it never duplicates it.
type Cruise struct {
	ID          string    `json:"id"`
	CruiseID    string    `json:"cruise_id"`
	LineID      int       `json:"line_id"`
	ShipID      int       `json:"ship_id"`
	Name        string    `json:"name"`
	SailingDate time.Time `json:"sailing_date"`
	RawPayload  []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CategoryPrice is the cheapest known price for one cabin category plus the
// price code of the candidate that produced it. Amount is nil when no
// candidate price has ever been seen for the category.
type CategoryPrice struct {
	Amount *float64 `json:"amount"`
	Code   *string  `json:"code,omitempty"`
}

// CheapestPrice holds the per-category minimum prices for one cruise.
// The row is overwritten on every successful file update.
type CheapestPrice struct {
	CruiseID  string        `json:"cruise_id"`
	Interior  CategoryPrice `json:"interior"`
	Oceanview CategoryPrice `json:"oceanview"`
	Balcony   CategoryPrice `json:"balcony"`
	Suite     CategoryPrice `json:"suite"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// PriceSnapshot is an append-only audit row capturing the cheapest prices
// for a cruise immediately before or after an update.
type PriceSnapshot struct {
	ID             int64     `json:"id"`
	CruiseID       string    `json:"cruise_id"`
	WebhookEventID *string   `json:"webhook_event_id,omitempty"`
	Tag            string    `json:"tag"`
	Interior       *float64  `json:"interior"`
	Oceanview      *float64  `json:"oceanview"`
	Balcony        *float64  `json:"balcony"`
	Suite          *float64  `json:"suite"`
	CapturedAt     time.Time `json:"captured_at"`
}

// SyncLock is a durable mutual-exclusion row. At most one row per
// (resource_key, lock_type) may be active at a time; released rows are kept
// for audit.
type SyncLock struct {
	ID          int64          `json:"id"`
	ResourceKey string         `json:"resource_key"`
	LockType    string         `json:"lock_type"`
	Status      string         `json:"status"`
	Holder      map[string]any `json:"holder,omitempty"`
	AcquiredAt  time.Time      `json:"acquired_at"`
	ReleasedAt  *time.Time     `json:"released_at,omitempty"`
}

// WebhookEvent records one inbound pricing notification.
type WebhookEvent struct {
	ID          string     `json:"id"`
	EventType   string     `json:"event_type"`
	LineID      int        `json:"line_id"`
	MarketID    *int       `json:"market_id,omitempty"`
	Currency    *string    `json:"currency,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Annotation  *string    `json:"annotation,omitempty"`
}

// DiscoveredFile describes one candidate file found on the remote store.
// It lives only for the duration of a single run.
type DiscoveredFile struct {
	Path     string
	LineID   int
	ShipID   int
	CruiseID string
	Size     int64
}

// LineProgress is the observable state of one line's active run.
type LineProgress struct {
	LineID         int       `json:"lineId"`
	Status         string    `json:"status"`
	TotalFiles     int       `json:"totalFiles"`
	ProcessedFiles int       `json:"processedFiles"`
	FailedFiles    int       `json:"failedFiles"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMs     int64     `json:"durationMs"`
	LastError      string    `json:"lastError,omitempty"`
}
