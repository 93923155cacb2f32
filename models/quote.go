package models

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"time"
)

// InstrumentKind identifies the option side of a quote.
type InstrumentKind string

const (
	KindCall InstrumentKind = "CE"
	KindPut  InstrumentKind = "PE"
)

// NormalizeKind maps the wire spellings of an instrument type onto the
// canonical CE/PE pair. The second return is false for unknown spellings.
func NormalizeKind(s string) (InstrumentKind, bool) {
	switch s {
	case "CE", "ce", "CALL", "call", "Call", "C":
		return KindCall, true
	case "PE", "pe", "PUT", "put", "Put", "P":
		return KindPut, true
	}
	return "", false
}

// ExpiryCode is the routing label assigned to a contract's expiration date.
type ExpiryCode string

const (
	ExpiryThisWeek  ExpiryCode = "this_week"
	ExpiryNextWeek  ExpiryCode = "next_week"
	ExpiryThisMonth ExpiryCode = "this_month"
	ExpiryNextMonth ExpiryCode = "next_month"
)

// ExpiryCodes returns all routing codes in a stable order.
func ExpiryCodes() []ExpiryCode {
	return []ExpiryCode{ExpiryThisWeek, ExpiryNextWeek, ExpiryThisMonth, ExpiryNextMonth}
}

// Valid reports whether c is one of the known routing codes.
func (c ExpiryCode) Valid() bool {
	switch c {
	case ExpiryThisWeek, ExpiryNextWeek, ExpiryThisMonth, ExpiryNextMonth:
		return true
	}
	return false
}

// RawGreeks carries the option greeks as delivered by the collector.
type RawGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// RawQuoteRow is one instrument observation exactly as the upstream
// collector produced it. Numeric fields arrive as strings and are parsed
// during validation; OpenInterest is a pointer so a missing value is
// distinguishable from zero. Timestamp and LastTradeTime are unix
// milliseconds, zero meaning absent.
type RawQuoteRow struct {
	Strike        string     `json:"strike"`
	Kind          string     `json:"instrument_type"`
	Expiry        string     `json:"expiry"`
	LastPrice     string     `json:"last_price"`
	BidPrice      string     `json:"bid_price"`
	AskPrice      string     `json:"ask_price"`
	OpenInterest  *int64     `json:"open_interest"`
	Volume        int64      `json:"volume"`
	Timestamp     int64      `json:"timestamp"`
	LastTradeTime int64      `json:"last_trade_time"`
	Underlying    float64    `json:"underlying"`
	Greeks        *RawGreeks `json:"greeks,omitempty"`
}

// RawQuoteBatch is one collection cycle's worth of rows for a single
// (index, requested expiry) chain.
type RawQuoteBatch struct {
	BatchID   string        `json:"batch_id"`
	Index     string        `json:"index"`
	Expiry    string        `json:"expiry"`
	Rows      []RawQuoteRow `json:"rows"`
	Timestamp time.Time     `json:"timestamp"`
}

// QuoteRow is a validated instrument observation. It is immutable once
// produced by the validator; expiry repair replaces rows rather than
// mutating them in place.
type QuoteRow struct {
	Index        string         `json:"index"`
	Strike       float64        `json:"strike"`
	Kind         InstrumentKind `json:"instrument_type"`
	RawExpiry    string         `json:"raw_expiry"`
	ExpiryDate   time.Time      `json:"expiry_date"`
	ExpiryCode   ExpiryCode     `json:"expiry_code"`
	Timestamp    time.Time      `json:"timestamp"`
	LastPrice    float64        `json:"last_price"`
	OpenInterest int64          `json:"open_interest"`
	Volume       int64          `json:"volume"`
	Underlying   float64        `json:"underlying"`
	Greeks       *RawGreeks     `json:"greeks,omitempty"`
	StrikeOffset int            `json:"strike_offset"`
	Junk         bool           `json:"junk"`
}

// IdentityKey is the row's persistence identity. No two persisted rows may
// share it.
func (r QuoteRow) IdentityKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		r.Index, r.ExpiryCode, strconv.FormatFloat(r.Strike, 'f', -1, 64), r.Kind, r.Timestamp.UnixMilli())
}

// Fingerprint hashes the identity key for the duplicate cache.
func (r QuoteRow) Fingerprint() uint64 {
	h := fnv.New64a()
	h.Write([]byte(r.IdentityKey()))
	return h.Sum64()
}

// WithExpiry returns a copy of the row re-routed to the given expiry.
func (r QuoteRow) WithExpiry(date time.Time, code ExpiryCode) QuoteRow {
	r.ExpiryDate = date
	r.ExpiryCode = code
	return r
}

// BatchKey identifies one buffering/output unit.
type BatchKey struct {
	Index       string
	ExpiryCode  ExpiryCode
	SessionDate string
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Index, k.ExpiryCode, k.SessionDate)
}

// Batch is the in-memory buffer for one BatchKey. It is owned exclusively
// by the batcher until flushed.
type Batch struct {
	Key        BatchKey
	Rows       []QuoteRow
	CreatedAt  time.Time
	LastAppend time.Time
}

// ExpiryContext is the resolved view of a raw expiry string. Repair
// produces a new context instead of mutating the old one.
type ExpiryContext struct {
	Raw           string
	Date          time.Time
	Code          ExpiryCode
	MonthlyAnchor bool
	Corrected     bool
	Fallback      bool
}

// FlushResult describes one completed buffer flush.
type FlushResult struct {
	FlushID  string
	Key      BatchKey
	Rows     int
	Path     string
	Duration time.Duration
}
