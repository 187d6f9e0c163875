package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cruisesync/internal/models"
	"cruisesync/internal/ratelimit"
	"cruisesync/internal/telemetry"
	"cruisesync/internal/worker"
)

// EventStore persists webhook events and owns lock pruning.
type EventStore interface {
	InsertWebhookEvent(ctx context.Context, ev models.WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id string, annotation string) error
	RecentWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	PruneReleasedLocks(ctx context.Context, olderThan time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// LockAdmin exposes lock inspection and operator override.
type LockAdmin interface {
	ActiveLocks(ctx context.Context) ([]models.SyncLock, error)
	Release(ctx context.Context, id int64, reason string) error
	Age(lk models.SyncLock) time.Duration
}

// ProgressReader serves the status surface.
type ProgressReader interface {
	Get(ctx context.Context, lineID int) (models.LineProgress, bool, error)
	All(ctx context.Context) ([]models.LineProgress, error)
	Ping(ctx context.Context) error
}

// Submitter hands sync tasks to the async runner.
type Submitter interface {
	Submit(task worker.Task) bool
}

// Limiter damps webhook retry storms per line.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Server wires the webhook ingress, status surface, and admin endpoints.
type Server struct {
	store    EventStore
	runner   Submitter
	locks    LockAdmin
	progress ProgressReader
	limiter  Limiter
	log      zerolog.Logger
}

func New(st EventStore, runner Submitter, locks LockAdmin, progress ProgressReader, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		store:    st,
		runner:   runner,
		locks:    locks,
		progress: progress,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/traveltek", s.handleWebhook)

	r.Get("/sync/status", s.handleAllProgress)
	r.Get("/sync/status/{lineID}", s.handleLineProgress)

	r.Get("/admin/locks", s.handleListLocks)
	r.Post("/admin/locks/{lockID}/release", s.handleForceRelease)
	r.Post("/admin/locks/prune", s.handlePruneLocks)
	r.Get("/admin/webhooks", s.handleRecentWebhooks)

	return r
}

type webhookRequest struct {
	Event     string `json:"event"`
	LineID    int    `json:"lineid"`
	MarketID  *int   `json:"marketid"`
	Currency  string `json:"currency"`
	Timestamp *int64 `json:"timestamp"`
}

type webhookResponse struct {
	Status    string `json:"status"`
	WebhookID string `json:"webhookId,omitempty"`
	Message   string `json:"message"`
}

// handleWebhook acknowledges every notification with HTTP 200 so the
// retry-happy sender never sees a failure. Processing happens off the
// request path.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.WebhooksReceived.Inc()

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{Status: "rejected", Message: "invalid payload"})
		return
	}
	if req.LineID <= 0 {
		writeJSON(w, http.StatusOK, webhookResponse{Status: "rejected", Message: "lineid is required"})
		return
	}
	if req.Event == "" {
		req.Event = "cruiseline_pricing_updated"
	}

	now := time.Now().UTC()
	ev := models.WebhookEvent{
		ID:         uuid.New().String(),
		EventType:  req.Event,
		LineID:     req.LineID,
		MarketID:   req.MarketID,
		ReceivedAt: now,
	}
	if req.Currency != "" {
		ev.Currency = &req.Currency
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), ratelimit.LineKey(req.LineID))
		if err != nil {
			s.log.Warn().Err(err).Msg("rate limiter unavailable, allowing webhook")
		} else if !allowed {
			telemetry.WebhooksRateLimited.Inc()
			annotation := "rate_limited"
			ev.Processed = true
			ev.ProcessedAt = &now
			ev.Annotation = &annotation
			if err := s.store.InsertWebhookEvent(r.Context(), ev); err != nil {
				s.log.Error().Err(err).Msg("record rate-limited webhook")
			}
			writeJSON(w, http.StatusOK, webhookResponse{Status: "rejected", WebhookID: ev.ID, Message: "rate limited, not processed"})
			return
		}
	}

	if err := s.store.InsertWebhookEvent(r.Context(), ev); err != nil {
		s.log.Error().Err(err).Int("line_id", req.LineID).Msg("persist webhook event")
		writeJSON(w, http.StatusOK, webhookResponse{Status: "error", Message: "failed to record event"})
		return
	}

	if !s.runner.Submit(worker.Task{LineID: req.LineID, WebhookEventID: ev.ID, Trigger: "webhook"}) {
		_ = s.store.MarkWebhookProcessed(r.Context(), ev.ID, "queue_full")
		writeJSON(w, http.StatusOK, webhookResponse{Status: "error", WebhookID: ev.ID, Message: "queue full, not processed"})
		return
	}

	s.log.Info().Int("line_id", req.LineID).Str("webhook_id", ev.ID).Str("event", req.Event).Msg("webhook accepted")
	writeJSON(w, http.StatusOK, webhookResponse{Status: "accepted", WebhookID: ev.ID, Message: "sync scheduled"})
}

func (s *Server) handleAllProgress(w http.ResponseWriter, r *http.Request) {
	lines, err := s.progress.All(r.Context())
	if err != nil {
		http.Error(w, "failed to read progress", http.StatusInternalServerError)
		return
	}
	if lines == nil {
		lines = []models.LineProgress{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleLineProgress(w http.ResponseWriter, r *http.Request) {
	lineID, err := strconv.Atoi(chi.URLParam(r, "lineID"))
	if err != nil {
		http.Error(w, "invalid line id", http.StatusBadRequest)
		return
	}
	p, ok, err := s.progress.Get(r.Context(), lineID)
	if err != nil {
		http.Error(w, "failed to read progress", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no active or recent run for line", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type lockView struct {
	ID          int64          `json:"id"`
	ResourceKey string         `json:"resourceKey"`
	LockType    string         `json:"lockType"`
	AcquiredAt  time.Time      `json:"acquiredAt"`
	AgeSeconds  int64          `json:"ageSeconds"`
	Holder      map[string]any `json:"holder,omitempty"`
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.ActiveLocks(r.Context())
	if err != nil {
		http.Error(w, "failed to list locks", http.StatusInternalServerError)
		return
	}
	views := make([]lockView, 0, len(locks))
	for _, lk := range locks {
		views = append(views, lockView{
			ID:          lk.ID,
			ResourceKey: lk.ResourceKey,
			LockType:    lk.LockType,
			AcquiredAt:  lk.AcquiredAt,
			AgeSeconds:  int64(s.locks.Age(lk).Seconds()),
			Holder:      lk.Holder,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": views})
}

// handleForceRelease lets an operator release a lock before the staleness
// threshold, abandoning whatever run holds it.
func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "lockID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid lock id", http.StatusBadRequest)
		return
	}
	if err := s.locks.Release(r.Context(), id, "operator_override"); err != nil {
		http.Error(w, "failed to release lock", http.StatusInternalServerError)
		return
	}
	s.log.Warn().Int64("lock_id", id).Msg("lock force-released by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handlePruneLocks(w http.ResponseWriter, r *http.Request) {
	hours := 168
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid hours", http.StatusBadRequest)
			return
		}
		hours = parsed
	}
	pruned, err := s.store.PruneReleasedLocks(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		http.Error(w, "failed to prune locks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": pruned})
}

func (s *Server) handleRecentWebhooks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.RecentWebhookEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list webhook events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.WebhookEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.progress.Ping(r.Context()); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
