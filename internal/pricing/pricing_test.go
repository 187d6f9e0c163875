package pricing

import (
	"errors"
	"testing"
)

func TestParseFullDocument(t *testing.T) {
	data := []byte(`{
		"codetocruiseid": "2143554",
		"cruiseid": "339922",
		"name": "7 Night Western Caribbean",
		"lineid": 22,
		"shipid": "1001",
		"saildate": "2026-03-07",
		"cheapest": {
			"prices": {"inside": "500.00", "insidepricecode": "INT1", "balcony": 900},
			"cachedprices": {"inside": 480, "insidepricecode": "CACH2"},
			"combined": {"inside": 450.5, "insidepricecode": "LIVE9", "suite": "2100"}
		}
	}`)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.ID != "2143554" || f.CruiseID != "339922" {
		t.Fatalf("identifiers: %+v", f)
	}
	if f.LineID != 22 || f.ShipID != 1001 {
		t.Fatalf("line/ship: %+v", f)
	}
	if f.SailingDate.Year() != 2026 {
		t.Fatalf("sail date: %v", f.SailingDate)
	}
	if f.Live == nil || f.Live.Interior == nil || f.Live.Interior.Amount != 450.5 {
		t.Fatalf("live interior: %+v", f.Live)
	}
	if f.Static == nil || f.Static.Balcony == nil || f.Static.Balcony.Amount != 900 {
		t.Fatalf("static balcony: %+v", f.Static)
	}
}

func TestParseMissingIdentifier(t *testing.T) {
	_, err := Parse([]byte(`{"name": "orphan sailing"}`))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"codetocruiseid": `))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestResolveStaticOnly(t *testing.T) {
	f := &CruiseFile{
		ID:     "1",
		Static: &Section{Interior: &Candidate{Source: SourceStatic, Amount: 500, Code: "INT1"}},
	}
	agg := Resolve(f)
	if agg.Interior.Amount == nil || *agg.Interior.Amount != 500 {
		t.Fatalf("interior = %+v, want 500", agg.Interior)
	}
	if agg.Interior.Code == nil || *agg.Interior.Code != "INT1" {
		t.Fatalf("interior code = %+v", agg.Interior.Code)
	}
	if agg.Oceanview.Amount != nil {
		t.Fatalf("oceanview should be empty: %+v", agg.Oceanview)
	}
}

func TestResolveLiveUndercutsStatic(t *testing.T) {
	f := &CruiseFile{
		ID:     "1",
		Static: &Section{Interior: &Candidate{Source: SourceStatic, Amount: 500, Code: "INT1"}},
		Live:   &Section{Interior: &Candidate{Source: SourceLive, Amount: 450, Code: "LIVE1"}},
	}
	agg := Resolve(f)
	if *agg.Interior.Amount != 450 {
		t.Fatalf("interior = %v, want 450", *agg.Interior.Amount)
	}
	if *agg.Interior.Code != "LIVE1" {
		t.Fatalf("winning code = %v, want LIVE1", *agg.Interior.Code)
	}
}

func TestResolveMinimumAcrossSections(t *testing.T) {
	f := &CruiseFile{
		ID:     "1",
		Static: &Section{Suite: &Candidate{Source: SourceStatic, Amount: 1800}},
		Cached: &Section{Suite: &Candidate{Source: SourceCached, Amount: 1750, Code: "C1"}},
		Live:   &Section{Suite: &Candidate{Source: SourceLive, Amount: 1900}},
	}
	agg := Resolve(f)
	if *agg.Suite.Amount != 1750 {
		t.Fatalf("suite = %v, want cached 1750", *agg.Suite.Amount)
	}
}

func TestParseIgnoresZeroAndEmptyPrices(t *testing.T) {
	data := []byte(`{
		"codetocruiseid": "9",
		"cheapest": {"prices": {"inside": 0, "outside": "", "balcony": null, "suite": "0"}}
	}`)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Static != nil {
		t.Fatalf("all-empty section should collapse to nil, got %+v", f.Static)
	}
	agg := Resolve(f)
	if agg.Interior.Amount != nil || agg.Suite.Amount != nil {
		t.Fatalf("no candidates should resolve to empty aggregate: %+v", agg)
	}
}
