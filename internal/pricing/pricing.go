package pricing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cruisesync/internal/models"
)

// ErrParse marks a malformed or incomplete cruise file. Parse failures are
// never retried; the file is skipped.
var ErrParse = errors.New("unparseable cruise file")

// Price candidate sources, in trust order. Combined ("live") prices are
// preferred at equal value, cached next, static last.
const (
	SourceLive   = "combined"
	SourceCached = "cached"
	SourceStatic = "static"
)

// Candidate is one possible price for a cabin category.
type Candidate struct {
	Source string
	Amount float64
	Code   string
}

// Section groups the four cabin-category candidates of one pricing source.
type Section struct {
	Interior  *Candidate
	Oceanview *Candidate
	Balcony   *Candidate
	Suite     *Candidate
}

// CruiseFile is the parsed form of one remote pricing document.
type CruiseFile struct {
	ID          string // stable file-derived identifier (codetocruiseid)
	CruiseID    string
	Name        string
	LineID      int
	ShipID      int
	SailingDate time.Time
	Live        *Section
	Cached      *Section
	Static      *Section
	Raw         []byte
}

type rawSection struct {
	Inside      *flexFloat `json:"inside"`
	InsideCode  string     `json:"insidepricecode"`
	Outside     *flexFloat `json:"outside"`
	OutsideCode string     `json:"outsidepricecode"`
	Balcony     *flexFloat `json:"balcony"`
	BalconyCode string     `json:"balconypricecode"`
	Suite       *flexFloat `json:"suite"`
	SuiteCode   string     `json:"suitepricecode"`
}

type rawFile struct {
	CodeToCruiseID flexString `json:"codetocruiseid"`
	CruiseID       flexString `json:"cruiseid"`
	Name           string     `json:"name"`
	LineID         flexInt    `json:"lineid"`
	ShipID         flexInt    `json:"shipid"`
	SailDate       string     `json:"saildate"`
	StartDate      string     `json:"startdate"`
	Cheapest       struct {
		Combined *rawSection `json:"combined"`
		Cached   *rawSection `json:"cachedprices"`
		Static   *rawSection `json:"prices"`
	} `json:"cheapest"`
}

// Parse decodes a cruise file payload. The stable identifier is mandatory;
// everything else degrades gracefully because the feed's field population
// varies by cruise line.
func Parse(data []byte) (*CruiseFile, error) {
	var raw rawFile
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	id := strings.TrimSpace(string(raw.CodeToCruiseID))
	if id == "" {
		return nil, fmt.Errorf("%w: missing codetocruiseid", ErrParse)
	}

	f := &CruiseFile{
		ID:       id,
		CruiseID: string(raw.CruiseID),
		Name:     raw.Name,
		LineID:   int(raw.LineID),
		ShipID:   int(raw.ShipID),
		Live:     section(raw.Cheapest.Combined, SourceLive),
		Cached:   section(raw.Cheapest.Cached, SourceCached),
		Static:   section(raw.Cheapest.Static, SourceStatic),
		Raw:      data,
	}

	date := raw.SailDate
	if date == "" {
		date = raw.StartDate
	}
	if date != "" {
		parsed, err := parseDate(date)
		if err != nil {
			return nil, fmt.Errorf("%w: bad sail date %q", ErrParse, date)
		}
		f.SailingDate = parsed
	}
	return f, nil
}

// Resolve recomputes the cheapest price per cabin category: across the
// non-null live/cached/static candidates, take the minimum and keep the
// price code of the section it came from.
func Resolve(f *CruiseFile) models.CheapestPrice {
	agg := models.CheapestPrice{CruiseID: f.ID}
	agg.Interior = cheapest(pick(f, func(s *Section) *Candidate { return s.Interior }))
	agg.Oceanview = cheapest(pick(f, func(s *Section) *Candidate { return s.Oceanview }))
	agg.Balcony = cheapest(pick(f, func(s *Section) *Candidate { return s.Balcony }))
	agg.Suite = cheapest(pick(f, func(s *Section) *Candidate { return s.Suite }))
	return agg
}

func pick(f *CruiseFile, get func(*Section) *Candidate) []*Candidate {
	var out []*Candidate
	for _, s := range []*Section{f.Live, f.Cached, f.Static} {
		if s == nil {
			continue
		}
		if c := get(s); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func cheapest(candidates []*Candidate) models.CategoryPrice {
	var best *Candidate
	for _, c := range candidates {
		if best == nil || c.Amount < best.Amount {
			best = c
		}
	}
	if best == nil {
		return models.CategoryPrice{}
	}
	amount := best.Amount
	price := models.CategoryPrice{Amount: &amount}
	if best.Code != "" {
		code := best.Code
		price.Code = &code
	}
	return price
}

func section(raw *rawSection, source string) *Section {
	if raw == nil {
		return nil
	}
	s := &Section{
		Interior:  candidate(raw.Inside, raw.InsideCode, source),
		Oceanview: candidate(raw.Outside, raw.OutsideCode, source),
		Balcony:   candidate(raw.Balcony, raw.BalconyCode, source),
		Suite:     candidate(raw.Suite, raw.SuiteCode, source),
	}
	if s.Interior == nil && s.Oceanview == nil && s.Balcony == nil && s.Suite == nil {
		return nil
	}
	return s
}

func candidate(v *flexFloat, code, source string) *Candidate {
	if v == nil || float64(*v) <= 0 {
		return nil
	}
	return &Candidate{Source: source, Amount: float64(*v), Code: code}
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", v)
}

// flexFloat accepts JSON numbers and numeric strings; empty strings and
// nulls decode to nothing. The feed is inconsistent about which it sends.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("numeric field: %w", err)
	}
	*f = flexFloat(v)
	return nil
}

type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "null" || s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("integer field: %w", err)
	}
	*f = flexInt(v)
	return nil
}

type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}
