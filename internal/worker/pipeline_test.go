package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cruisesync/internal/config"
	"cruisesync/internal/ftp"
	"cruisesync/internal/models"
	"cruisesync/internal/pricing"
	"cruisesync/internal/store"
)

// fakeRemote serves file bytes and can fail the first N retrieves per path.
// It counts session misuse: a second operation on a connection whose
// transfer has not been closed yet.
type fakeRemote struct {
	mu         sync.Mutex
	files      map[string][]byte
	failFirst  map[string]int
	retrieves  map[string]int
	delay      time.Duration
	violations int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:     map[string][]byte{},
		failFirst: map[string]int{},
		retrieves: map[string]int{},
	}
}

func (r *fakeRemote) dialer() ftp.Dialer {
	return func() (ftp.Conn, error) { return &remoteConn{remote: r}, nil }
}

type remoteConn struct {
	remote *fakeRemote
	busy   bool
}

func (c *remoteConn) List(string) ([]ftp.Entry, error) { return nil, nil }
func (c *remoteConn) Ping() error                      { return nil }

func (c *remoteConn) Quit() error {
	r := c.remote
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.busy {
		r.violations++
	}
	return nil
}

func (c *remoteConn) Retrieve(path string, deadline time.Time) (io.ReadCloser, error) {
	r := c.remote
	r.mu.Lock()
	if c.busy {
		r.violations++
	}
	r.retrieves[path]++
	fail := r.failFirst[path] > 0
	if fail {
		r.failFirst[path]--
	}
	data, ok := r.files[path]
	delay := r.delay
	r.mu.Unlock()

	if fail {
		return nil, errors.New("426 transfer aborted")
	}
	if !ok {
		return nil, errors.New("550 no such file")
	}
	r.mu.Lock()
	c.busy = true
	r.mu.Unlock()
	return &slowBody{
		conn:     c,
		data:     strings.NewReader(string(data)),
		delay:    delay,
		deadline: deadline,
	}, nil
}

// slowBody stalls the first read, then honors the transfer deadline the
// way a net.Conn read deadline would.
type slowBody struct {
	conn     *remoteConn
	data     *strings.Reader
	delay    time.Duration
	deadline time.Time
}

func (b *slowBody) Read(p []byte) (int, error) {
	if b.delay > 0 {
		if !b.deadline.IsZero() && time.Now().Add(b.delay).After(b.deadline) {
			time.Sleep(time.Until(b.deadline))
			return 0, os.ErrDeadlineExceeded
		}
		time.Sleep(b.delay)
		b.delay = 0
	}
	return b.data.Read(p)
}

func (b *slowBody) Close() error {
	r := b.conn.remote
	r.mu.Lock()
	b.conn.busy = false
	r.mu.Unlock()
	return nil
}

// fakeApplier records applied updates keyed by stable cruise id, mimicking
// the store's upsert semantics.
type fakeApplier struct {
	mu      sync.Mutex
	cruises map[string]store.FileUpdateParams
	applies int
	err     error
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{cruises: map[string]store.FileUpdateParams{}}
}

func (a *fakeApplier) ApplyFileUpdate(_ context.Context, p store.FileUpdateParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.applies++
	a.cruises[p.Cruise.ID] = p
	return nil
}

func testPipeline(remote *fakeRemote, applier FileApplier, attempts int, timeout time.Duration) *Pipeline {
	cfg := config.Config{
		DownloadTimeout:      timeout,
		NetworkRetryAttempts: attempts,
		BackoffInitial:       time.Millisecond,
		BackoffMax:           5 * time.Millisecond,
	}
	pool := ftp.NewPool(remote.dialer(), 2, 100*time.Millisecond)
	return NewPipeline(pool, applier, nil, cfg, zerolog.Nop())
}

const cruiseDoc = `{
	"codetocruiseid": "2143554",
	"cruiseid": "339922",
	"name": "7 Night Western Caribbean",
	"lineid": 22,
	"shipid": 1001,
	"saildate": "2026-03-07",
	"cheapest": {
		"prices": {"inside": 500, "insidepricecode": "INT1"},
		"combined": {"inside": 450, "insidepricecode": "LIVE1"}
	}
}`

func TestProcessFileIdempotent(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/2026/03/22/1001/2143554.json"] = []byte(cruiseDoc)
	applier := newFakeApplier()
	p := testPipeline(remote, applier, 1, time.Second)

	f := models.DiscoveredFile{Path: "/2026/03/22/1001/2143554.json", LineID: 22, ShipID: 1001}
	for i := 0; i < 2; i++ {
		if err := p.ProcessFile(context.Background(), f, nil); err != nil {
			t.Fatalf("process attempt %d: %v", i+1, err)
		}
	}

	if applier.applies != 2 {
		t.Fatalf("expected 2 applies, got %d", applier.applies)
	}
	if len(applier.cruises) != 1 {
		t.Fatalf("same file must never create a second cruise, got %d", len(applier.cruises))
	}
	got := applier.cruises["2143554"]
	if got.Cruise.LineID != 22 || got.Cruise.ShipID != 1001 {
		t.Fatalf("cruise row wrong: %+v", got.Cruise)
	}
	if got.Prices.Interior.Amount == nil || *got.Prices.Interior.Amount != 450 {
		t.Fatalf("expected live price 450 to win, got %+v", got.Prices.Interior)
	}
}

func TestProcessFileParseErrorNotRetried(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/x/1.json"] = []byte(`{"name": "no identifier"}`)
	applier := newFakeApplier()
	p := testPipeline(remote, applier, 3, time.Second)

	err := p.ProcessFile(context.Background(), models.DiscoveredFile{Path: "/x/1.json"}, nil)
	if !errors.Is(err, pricing.ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if remote.retrieves["/x/1.json"] != 1 {
		t.Fatalf("parse errors must not be retried, got %d retrieves", remote.retrieves["/x/1.json"])
	}
	if applier.applies != 0 {
		t.Fatalf("nothing should be applied for an unparseable file")
	}
}

func TestProcessFileRetriesTransientNetworkError(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/x/2.json"] = []byte(cruiseDoc)
	remote.failFirst["/x/2.json"] = 1
	applier := newFakeApplier()
	p := testPipeline(remote, applier, 3, time.Second)

	if err := p.ProcessFile(context.Background(), models.DiscoveredFile{Path: "/x/2.json"}, nil); err != nil {
		t.Fatalf("expected retry to recover: %v", err)
	}
	if remote.retrieves["/x/2.json"] != 2 {
		t.Fatalf("expected 2 retrieves, got %d", remote.retrieves["/x/2.json"])
	}
}

func TestProcessFileNetworkErrorExhaustsAttempts(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/x/3.json"] = []byte(cruiseDoc)
	remote.failFirst["/x/3.json"] = 10
	applier := newFakeApplier()
	p := testPipeline(remote, applier, 2, time.Second)

	err := p.ProcessFile(context.Background(), models.DiscoveredFile{Path: "/x/3.json"}, nil)
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if remote.retrieves["/x/3.json"] != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", remote.retrieves["/x/3.json"])
	}
}

func TestProcessFileDownloadTimeout(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/x/4.json"] = []byte(cruiseDoc)
	remote.delay = 200 * time.Millisecond
	applier := newFakeApplier()
	p := testPipeline(remote, applier, 1, 20*time.Millisecond)

	err := p.ProcessFile(context.Background(), models.DiscoveredFile{Path: "/x/4.json"}, nil)
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError on timeout, got %v", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}

	// The session was never quit or reused while its transfer was open,
	// and the discarded connection's pool slot is usable again.
	remote.mu.Lock()
	remote.delay = 0
	violations := remote.violations
	remote.mu.Unlock()
	if violations != 0 {
		t.Fatalf("connection used concurrently %d times during the timed-out download", violations)
	}
	if err := p.ProcessFile(context.Background(), models.DiscoveredFile{Path: "/x/4.json"}, nil); err != nil {
		t.Fatalf("pool should recover after a timed-out download: %v", err)
	}
	remote.mu.Lock()
	violations = remote.violations
	remote.mu.Unlock()
	if violations != 0 {
		t.Fatalf("connection used concurrently %d times", violations)
	}
}

func TestProcessFileDatabaseErrorIsTerminal(t *testing.T) {
	remote := newFakeRemote()
	remote.files["/x/5.json"] = []byte(cruiseDoc)
	applier := newFakeApplier()
	applier.err = errors.New("deadlock detected")
	p := testPipeline(remote, applier, 3, time.Second)

	err := p.ProcessFile(context.Background(), models.DiscoveredFile{Path: "/x/5.json"}, nil)
	if err == nil || !strings.Contains(err.Error(), "deadlock") {
		t.Fatalf("expected database error to surface, got %v", err)
	}
	if remote.retrieves["/x/5.json"] != 1 {
		t.Fatalf("database errors must not trigger re-download")
	}
}
