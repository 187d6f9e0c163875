package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cruisesync/internal/models"
)

// fakeQuerier stands in for a transaction. It keeps table state for the
// statements the file update issues and, like Postgres, rejects an insert
// that hits an existing key without an ON CONFLICT clause.
type fakeQuerier struct {
	cruises   map[string]models.Cruise
	cheapest  map[string]models.CheapestPrice
	snapshots []snapRow
	ops       []string
}

type snapRow struct {
	cruiseID string
	tag      string
	interior *float64
	at       time.Time
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		cruises:  map[string]models.Cruise{},
		cheapest: map[string]models.CheapestPrice{},
	}
}

type fakeRow struct {
	err  error
	vals []*float64
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		*(d.(**float64)) = r.vals[i]
	}
	return nil
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if !strings.Contains(sql, "cheapest_prices") {
		return fakeRow{err: errors.New("unexpected query: " + sql)}
	}
	f.ops = append(f.ops, "read cheapest")
	cp, ok := f.cheapest[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: []*float64{cp.Interior.Amount, cp.Oceanview.Amount, cp.Balcony.Amount, cp.Suite.Amount}}
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "price_snapshots"):
		f.ops = append(f.ops, "snapshot "+args[2].(string))
		f.snapshots = append(f.snapshots, snapRow{
			cruiseID: args[0].(string),
			tag:      args[2].(string),
			interior: args[3].(*float64),
			at:       args[7].(time.Time),
		})
	case strings.Contains(sql, "INSERT INTO cruises"):
		f.ops = append(f.ops, "upsert cruise")
		id := args[0].(string)
		if _, exists := f.cruises[id]; exists && !strings.Contains(sql, "ON CONFLICT") {
			return pgconn.CommandTag{}, errors.New("duplicate key value violates unique constraint \"cruises_pkey\"")
		}
		f.cruises[id] = models.Cruise{ID: id, CruiseID: args[1].(string), Name: args[4].(string)}
	case strings.Contains(sql, "INSERT INTO cheapest_prices"):
		f.ops = append(f.ops, "upsert cheapest")
		id := args[0].(string)
		if _, exists := f.cheapest[id]; exists && !strings.Contains(sql, "ON CONFLICT") {
			return pgconn.CommandTag{}, errors.New("duplicate key value violates unique constraint \"cheapest_prices_pkey\"")
		}
		f.cheapest[id] = models.CheapestPrice{
			CruiseID:  id,
			Interior:  models.CategoryPrice{Amount: args[1].(*float64)},
			Oceanview: models.CategoryPrice{Amount: args[3].(*float64)},
			Balcony:   models.CategoryPrice{Amount: args[5].(*float64)},
			Suite:     models.CategoryPrice{Amount: args[7].(*float64)},
		}
	default:
		return pgconn.CommandTag{}, errors.New("unexpected statement: " + sql)
	}
	return pgconn.CommandTag{}, nil
}

func fptr(v float64) *float64 { return &v }

func updateFor(id string, interior float64) FileUpdateParams {
	return FileUpdateParams{
		Cruise: models.Cruise{ID: id, CruiseID: "339922", Name: "7 Night Western Caribbean"},
		Prices: models.CheapestPrice{
			CruiseID: id,
			Interior: models.CategoryPrice{Amount: fptr(interior)},
		},
	}
}

func TestApplyFileUpdateSnapshotOrdering(t *testing.T) {
	q := newFakeQuerier()
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// The clock never advances, so ordering must not rely on it.
	err := applyFileUpdate(context.Background(), q, updateFor("2143554", 450), func() time.Time { return frozen })
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(q.snapshots) != 2 {
		t.Fatalf("expected before and after snapshots, got %d", len(q.snapshots))
	}
	before, after := q.snapshots[0], q.snapshots[1]
	if before.tag != models.SnapshotBeforeUpdate || after.tag != models.SnapshotAfterUpdate {
		t.Fatalf("snapshot tags wrong: %q then %q", before.tag, after.tag)
	}
	if !after.at.After(before.at) {
		t.Fatalf("after snapshot captured_at %s must be strictly later than before %s", after.at, before.at)
	}
}

func TestApplyFileUpdateSnapshotsBracketTheWrite(t *testing.T) {
	q := newFakeQuerier()
	q.cheapest["2143554"] = models.CheapestPrice{CruiseID: "2143554", Interior: models.CategoryPrice{Amount: fptr(500)}}

	if err := applyFileUpdate(context.Background(), q, updateFor("2143554", 450), time.Now); err != nil {
		t.Fatalf("apply: %v", err)
	}

	before, after := q.snapshots[0], q.snapshots[1]
	if before.interior == nil || *before.interior != 500 {
		t.Fatalf("before snapshot must hold the pre-update price 500, got %v", before.interior)
	}
	if after.interior == nil || *after.interior != 450 {
		t.Fatalf("after snapshot must hold the new price 450, got %v", after.interior)
	}

	want := []string{"read cheapest", "snapshot before_update", "upsert cruise", "upsert cheapest", "snapshot after_update"}
	if len(q.ops) != len(want) {
		t.Fatalf("statement sequence = %v", q.ops)
	}
	for i, op := range want {
		if q.ops[i] != op {
			t.Fatalf("statement %d = %q, want %q (full: %v)", i, q.ops[i], op, q.ops)
		}
	}
}

func TestApplyFileUpdateUpsertIsIdempotent(t *testing.T) {
	q := newFakeQuerier()

	if err := applyFileUpdate(context.Background(), q, updateFor("2143554", 500), time.Now); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Replaying the same file hits existing rows; the conflict clauses must
	// overwrite rather than error.
	if err := applyFileUpdate(context.Background(), q, updateFor("2143554", 450), time.Now); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if len(q.cruises) != 1 {
		t.Fatalf("replay must not create a second cruise row, got %d", len(q.cruises))
	}
	if got := q.cheapest["2143554"].Interior.Amount; got == nil || *got != 450 {
		t.Fatalf("cheapest must reflect the latest apply, got %v", got)
	}

	if len(q.snapshots) != 4 {
		t.Fatalf("each apply appends two snapshots, got %d", len(q.snapshots))
	}
	secondBefore := q.snapshots[2]
	if secondBefore.interior == nil || *secondBefore.interior != 500 {
		t.Fatalf("second run's before snapshot must see the first run's result 500, got %v", secondBefore.interior)
	}
}
