package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"cruisesync/internal/archive"
	"cruisesync/internal/config"
	"cruisesync/internal/ftp"
	"cruisesync/internal/models"
	"cruisesync/internal/pricing"
	"cruisesync/internal/store"
	"cruisesync/internal/telemetry"
)

// FileApplier commits one parsed file to the database.
type FileApplier interface {
	ApplyFileUpdate(ctx context.Context, p store.FileUpdateParams) error
}

// Pipeline processes one discovered file end to end: download through the
// connection pool, parse, apply within a single transaction, and
// optionally archive the raw payload. A file's failure never affects its
// batch siblings.
type Pipeline struct {
	pool     *ftp.Pool
	applier  FileApplier
	archiver archive.Archiver

	downloadTimeout time.Duration
	retryAttempts   int
	backoffInitial  time.Duration
	backoffMax      time.Duration

	log zerolog.Logger
}

func NewPipeline(pool *ftp.Pool, applier FileApplier, archiver archive.Archiver, cfg config.Config, log zerolog.Logger) *Pipeline {
	attempts := cfg.NetworkRetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Pipeline{
		pool:            pool,
		applier:         applier,
		archiver:        archiver,
		downloadTimeout: cfg.DownloadTimeout,
		retryAttempts:   attempts,
		backoffInitial:  cfg.BackoffInitial,
		backoffMax:      cfg.BackoffMax,
		log:             log,
	}
}

// ProcessFile runs the per-file update. Network errors (including pool
// exhaustion) are retried with exponential backoff up to the attempt
// bound; parse and database errors are terminal for the file.
func (p *Pipeline) ProcessFile(ctx context.Context, f models.DiscoveredFile, webhookEventID *string) error {
	data, err := p.downloadWithRetry(ctx, f.Path)
	if err != nil {
		return err
	}

	parsed, err := pricing.Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", f.Path, err)
	}

	cruise := models.Cruise{
		ID:          parsed.ID,
		CruiseID:    parsed.CruiseID,
		LineID:      orDefault(parsed.LineID, f.LineID),
		ShipID:      orDefault(parsed.ShipID, f.ShipID),
		Name:        parsed.Name,
		SailingDate: parsed.SailingDate,
		RawPayload:  parsed.Raw,
	}
	if err := p.applier.ApplyFileUpdate(ctx, store.FileUpdateParams{
		Cruise:         cruise,
		Prices:         pricing.Resolve(parsed),
		WebhookEventID: webhookEventID,
	}); err != nil {
		return fmt.Errorf("apply %s: %w", f.Path, err)
	}
	telemetry.SnapshotsWritten.Add(2)

	if p.archiver != nil {
		if err := p.archiver.Store(ctx, f.Path, data); err != nil {
			p.log.Warn().Str("path", f.Path).Err(err).Msg("raw payload archive failed")
		}
	}
	return nil
}

func (p *Pipeline) downloadWithRetry(ctx context.Context, path string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		data, err := p.download(ctx, path)
		if err == nil {
			return data, nil
		}
		var nerr *NetworkError
		if !errors.As(err, &nerr) || attempt >= p.retryAttempts {
			return nil, err
		}
		wait := backoffWithJitter(p.backoffInitial, p.backoffMax, attempt)
		p.log.Debug().Str("path", path).Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("retrying download")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// download checks out a pooled connection and reads the file into memory.
// The timeout rides on the transfer as a read deadline, so a stalled
// download fails in place; the session is never touched from a second
// goroutine. A timed-out or failed connection is discarded rather than
// returned to the pool.
func (p *Pipeline) download(ctx context.Context, path string) ([]byte, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, &NetworkError{Path: path, Err: err}
	}

	var deadline time.Time
	if p.downloadTimeout > 0 {
		deadline = time.Now().Add(p.downloadTimeout)
	}
	r, err := conn.Retrieve(path, deadline)
	if err != nil {
		p.pool.Discard(conn)
		return nil, &NetworkError{Path: path, Err: err}
	}
	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		p.pool.Discard(conn)
		return nil, &NetworkError{Path: path, Err: err}
	}
	p.pool.Release(conn)
	return data, nil
}

func orDefault(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
