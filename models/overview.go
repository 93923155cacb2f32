package models

import (
	"sort"
	"strconv"
	"time"
)

// OptFloat is a float64 that can be explicitly absent. Absent values
// serialize as "NA" so downstream readers can tell "no data" from zero.
type OptFloat struct {
	Value float64
	Valid bool
}

// Float wraps a known value.
func Float(v float64) OptFloat {
	return OptFloat{Value: v, Valid: true}
}

func (o OptFloat) String() string {
	if !o.Valid {
		return "NA"
	}
	return strconv.FormatFloat(o.Value, 'f', -1, 64)
}

// ParseOptFloat reads back the serialized form produced by String.
func ParseOptFloat(s string) (OptFloat, error) {
	if s == "" || s == "NA" {
		return OptFloat{}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return OptFloat{}, err
	}
	return Float(v), nil
}

// CoverageMask compares expected vs collected strikes for one
// (index, expiry) at a point in time. It is recomputed on every
// aggregation tick and never persisted as stale state.
type CoverageMask struct {
	Expected  []float64
	Collected []float64
	Missing   []float64
}

// NewCoverageMask builds a mask from the configured strike set and the
// strikes observed this session. Collected is clamped to the expected set
// so expected always equals collected plus missing.
func NewCoverageMask(expected, observed []float64) CoverageMask {
	seen := make(map[float64]bool, len(observed))
	for _, s := range observed {
		seen[s] = true
	}

	mask := CoverageMask{Expected: append([]float64(nil), expected...)}
	sort.Float64s(mask.Expected)
	for _, s := range mask.Expected {
		if seen[s] {
			mask.Collected = append(mask.Collected, s)
		} else {
			mask.Missing = append(mask.Missing, s)
		}
	}
	return mask
}

// Counts returns the expected/collected/missing sizes.
func (m CoverageMask) Counts() (expected, collected, missing int) {
	return len(m.Expected), len(m.Collected), len(m.Missing)
}

// OverviewSnapshot is the per-(index, expiry) aggregate written to the
// overview file at most once per aggregation interval.
type OverviewSnapshot struct {
	Index             string
	ExpiryCode        ExpiryCode
	PCR               float64
	DayWidth          float64
	ATMStrike         float64
	CoverageExpected  int
	CoverageCollected int
	CoverageMissing   int
	PrevClose         OptFloat
	NetChange         OptFloat
	PctChange         OptFloat
	LastUpdate        time.Time
}

// CycleSummary is what one ingestion cycle reports to the aggregator
// after its rows have been flushed.
type CycleSummary struct {
	Index       string
	ExpiryCode  ExpiryCode
	SessionDate string
	Underlying  float64
	PutOI       int64
	CallOI      int64
	Strikes     []float64
	Timestamp   time.Time
}

// SessionClose is one entry of the per-index close ledger used by the
// previous-close lookback.
type SessionClose struct {
	Date       string
	Close      float64
	RecordedAt time.Time
}
