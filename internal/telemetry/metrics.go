package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_webhooks_received_total", Help: "Inbound pricing webhooks received"})
	WebhooksDeferred    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_webhooks_deferred_total", Help: "Webhooks skipped because another run held the line lock"})
	WebhooksRateLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_webhooks_rate_limited_total", Help: "Webhooks damped by the per-line rate limiter"})
	RunsStarted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_sync_runs_started_total", Help: "Line synchronization runs started"})
	RunsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_sync_runs_completed_total", Help: "Line synchronization runs completed cleanly"})
	RunsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_sync_runs_failed_total", Help: "Line synchronization runs that ended failed"})
	FilesProcessed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_files_processed_total", Help: "Cruise files applied successfully"})
	FilesFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_files_failed_total", Help: "Cruise files skipped after an error"})
	SnapshotsWritten    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_snapshots_written_total", Help: "Price snapshots appended"})
	LockStaleOverrides  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_lock_stale_overrides_total", Help: "Stale line locks forcibly released"})
	PoolAcquireTimeouts = prometheus.NewCounter(prometheus.CounterOpts{Name: "pricing_ftp_pool_acquire_timeouts_total", Help: "FTP pool acquisitions that timed out"})
	ActiveRuns          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pricing_sync_active_runs", Help: "Line runs currently in progress"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhooksDeferred,
			WebhooksRateLimited,
			RunsStarted,
			RunsCompleted,
			RunsFailed,
			FilesProcessed,
			FilesFailed,
			SnapshotsWritten,
			LockStaleOverrides,
			PoolAcquireTimeouts,
			ActiveRuns,
		)
	})
	return promhttp.Handler()
}
