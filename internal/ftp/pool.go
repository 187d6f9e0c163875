package ftp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cruisesync/internal/telemetry"
)

// ErrPoolExhausted is returned when no connection becomes available within
// the configured acquire wait. Callers treat it as transient and retry with
// backoff.
var ErrPoolExhausted = errors.New("ftp pool exhausted")

// Pool maintains a bounded set of sessions against the remote store.
// Connections are dialed lazily on first use, checked for liveness when
// reused, and replaced transparently when dead.
type Pool struct {
	dial        Dialer
	idle        chan Conn
	slots       chan struct{}
	acquireWait time.Duration
}

// NewPool builds a pool of at most size connections.
func NewPool(dial Dialer, size int, acquireWait time.Duration) *Pool {
	if size <= 0 {
		size = 4
	}
	if acquireWait <= 0 {
		acquireWait = 5 * time.Second
	}
	p := &Pool{
		dial:        dial,
		idle:        make(chan Conn, size),
		slots:       make(chan struct{}, size),
		acquireWait: acquireWait,
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire checks out a live connection, waiting up to the acquire bound for
// a slot. A dead idle connection is discarded and re-dialed before being
// handed out, so callers never see one.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	timer := time.NewTimer(p.acquireWait)
	defer timer.Stop()

	select {
	case <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		telemetry.PoolAcquireTimeouts.Inc()
		return nil, ErrPoolExhausted
	}

	var conn Conn
	select {
	case conn = <-p.idle:
		if err := conn.Ping(); err != nil {
			_ = conn.Quit()
			conn = nil
		}
	default:
	}

	if conn == nil {
		c, err := p.dial()
		if err != nil {
			p.slots <- struct{}{}
			return nil, fmt.Errorf("dial pooled connection: %w", err)
		}
		conn = c
	}
	return conn, nil
}

// Release returns a healthy connection to the pool.
func (p *Pool) Release(conn Conn) {
	if conn != nil {
		select {
		case p.idle <- conn:
		default:
			_ = conn.Quit()
		}
	}
	p.slots <- struct{}{}
}

// Discard drops a connection known to be broken and frees its slot.
func (p *Pool) Discard(conn Conn) {
	if conn != nil {
		_ = conn.Quit()
	}
	p.slots <- struct{}{}
}

// Close quits all idle connections. Call during shutdown after runs have
// drained; checked-out connections are not tracked.
func (p *Pool) Close() {
	for {
		select {
		case c := <-p.idle:
			_ = c.Quit()
		default:
			return
		}
	}
}
