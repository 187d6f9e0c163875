package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"cruisesync/internal/lock"
	"cruisesync/internal/telemetry"
)

// Task is one unit of asynchronous work: synchronize a single cruise line.
type Task struct {
	LineID         int
	WebhookEventID string
	Trigger        string // "webhook" or "manual"
}

// LineSyncer runs one line synchronization to completion.
type LineSyncer interface {
	SyncLine(ctx context.Context, lineID int, webhookEventID string) error
}

// EventMarker flags a webhook event processed with an outcome annotation.
type EventMarker interface {
	MarkWebhookProcessed(ctx context.Context, id string, annotation string) error
}

// Runner decouples run execution from the webhook request/response cycle.
// Handlers submit tasks and return immediately; a small worker pool drains
// the queue and records each task's outcome on its webhook event.
type Runner struct {
	syncer  LineSyncer
	marker  EventMarker
	tasks   chan Task
	workers int
	wg      sync.WaitGroup
	log     zerolog.Logger
}

func NewRunner(syncer LineSyncer, marker EventMarker, workers, queueSize int, log zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Runner{
		syncer:  syncer,
		marker:  marker,
		tasks:   make(chan Task, queueSize),
		workers: workers,
		log:     log,
	}
}

// Start launches the worker goroutines. They exit when the context is
// cancelled and Stop has drained the queue.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-r.tasks:
					if !ok {
						return
					}
					r.execute(ctx, task)
				}
			}
		}()
	}
}

// Submit enqueues a task without blocking. It reports false when the queue
// is full; the caller decides how to annotate the event.
func (r *Runner) Submit(task Task) bool {
	select {
	case r.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	close(r.tasks)
	r.wg.Wait()
}

func (r *Runner) execute(ctx context.Context, task Task) {
	err := r.syncer.SyncLine(ctx, task.LineID, task.WebhookEventID)

	annotation := "completed"
	var conflict *lock.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		annotation = "deferred"
		telemetry.WebhooksDeferred.Inc()
	default:
		annotation = fmt.Sprintf("failed: %v", err)
	}

	if task.WebhookEventID != "" {
		// The event is marked processed whether the run succeeded or not.
		if mErr := r.marker.MarkWebhookProcessed(context.WithoutCancel(ctx), task.WebhookEventID, annotation); mErr != nil {
			r.log.Error().Str("webhook_id", task.WebhookEventID).Err(mErr).Msg("mark processed failed")
		}
	}
}
