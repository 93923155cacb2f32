package writer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"optionflow/models"
)

// Column orders below are part of the on-disk compatibility contract.
// Downstream readers index by position, so they must never be reordered.
var rowHeader = []string{
	"timestamp", "strike", "instrument_type", "expiry_date", "last_price",
	"open_interest", "volume", "delta", "gamma", "theta", "vega", "rho",
	"strike_offset",
}

var overviewHeader = []string{
	"pcr", "day_width", "atm_strike", "coverage_expected",
	"coverage_collected", "coverage_missing", "prev_close", "net_change",
	"pct_change", "last_update_timestamp",
}

var closeHeader = []string{"date", "close", "recorded_at"}

// Quarantine files carry the row schema plus a leading category column so a
// single session file can hold rows held back for different reasons.
var quarantineHeader = append([]string{"category"}, rowHeader...)

const (
	rowTimestampLayout = "2006-01-02T15:04:05.000Z07:00"
	expiryDateLayout   = "2006-01-02"
)

func encodeRow(row models.QuoteRow) []string {
	rec := make([]string, 0, len(rowHeader))
	rec = append(rec,
		row.Timestamp.Format(rowTimestampLayout),
		formatFloat(row.Strike),
		string(row.Kind),
		row.ExpiryDate.Format(expiryDateLayout),
		formatFloat(row.LastPrice),
		strconv.FormatInt(row.OpenInterest, 10),
		strconv.FormatInt(row.Volume, 10),
	)
	if row.Greeks != nil {
		rec = append(rec,
			formatFloat(row.Greeks.Delta),
			formatFloat(row.Greeks.Gamma),
			formatFloat(row.Greeks.Theta),
			formatFloat(row.Greeks.Vega),
			formatFloat(row.Greeks.Rho),
		)
	} else {
		rec = append(rec, "", "", "", "", "")
	}
	rec = append(rec, strconv.Itoa(row.StrikeOffset))
	return rec
}

func decodeRow(rec []string) (models.QuoteRow, error) {
	if len(rec) != len(rowHeader) {
		return models.QuoteRow{}, fmt.Errorf("expected %d columns, got %d", len(rowHeader), len(rec))
	}

	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		return models.QuoteRow{}, fmt.Errorf("timestamp: %w", err)
	}
	strike, err := strconv.ParseFloat(rec[1], 64)
	if err != nil {
		return models.QuoteRow{}, fmt.Errorf("strike: %w", err)
	}
	kind, ok := models.NormalizeKind(rec[2])
	if !ok {
		return models.QuoteRow{}, fmt.Errorf("instrument_type: unknown kind %q", rec[2])
	}
	expiry, err := time.Parse(expiryDateLayout, rec[3])
	if err != nil {
		return models.QuoteRow{}, fmt.Errorf("expiry_date: %w", err)
	}
	lastPrice, err := strconv.ParseFloat(rec[4], 64)
	if err != nil {
		return models.QuoteRow{}, fmt.Errorf("last_price: %w", err)
	}
	oi, err := strconv.ParseInt(rec[5], 10, 64)
	if err != nil {
		return models.QuoteRow{}, fmt.Errorf("open_interest: %w", err)
	}
	volume, err := strconv.ParseInt(rec[6], 10, 64)
	if err != nil {
		return models.QuoteRow{}, fmt.Errorf("volume: %w", err)
	}
	offset, err := strconv.Atoi(rec[12])
	if err != nil {
		return models.QuoteRow{}, fmt.Errorf("strike_offset: %w", err)
	}

	row := models.QuoteRow{
		Timestamp:    ts,
		Strike:       strike,
		Kind:         kind,
		ExpiryDate:   expiry,
		LastPrice:    lastPrice,
		OpenInterest: oi,
		Volume:       volume,
		StrikeOffset: offset,
	}

	if strings.TrimSpace(rec[7]) != "" {
		greeks := &models.RawGreeks{}
		for i, dst := range []*float64{&greeks.Delta, &greeks.Gamma, &greeks.Theta, &greeks.Vega, &greeks.Rho} {
			v, err := strconv.ParseFloat(rec[7+i], 64)
			if err != nil {
				return models.QuoteRow{}, fmt.Errorf("%s: %w", rowHeader[7+i], err)
			}
			*dst = v
		}
		row.Greeks = greeks
	}

	return row, nil
}

func encodeQuarantine(category models.QuarantineCategory, row models.QuoteRow) []string {
	return append([]string{string(category)}, encodeRow(row)...)
}

func decodeQuarantine(rec []string) (models.QuarantineCategory, models.QuoteRow, error) {
	if len(rec) != len(quarantineHeader) {
		return "", models.QuoteRow{}, fmt.Errorf("expected %d columns, got %d", len(quarantineHeader), len(rec))
	}
	row, err := decodeRow(rec[1:])
	if err != nil {
		return "", models.QuoteRow{}, err
	}
	return models.QuarantineCategory(rec[0]), row, nil
}

func encodeOverview(snap models.OverviewSnapshot) []string {
	return []string{
		formatFloat(snap.PCR),
		formatFloat(snap.DayWidth),
		formatFloat(snap.ATMStrike),
		strconv.Itoa(snap.CoverageExpected),
		strconv.Itoa(snap.CoverageCollected),
		strconv.Itoa(snap.CoverageMissing),
		snap.PrevClose.String(),
		snap.NetChange.String(),
		snap.PctChange.String(),
		snap.LastUpdate.Format(rowTimestampLayout),
	}
}

func decodeOverview(rec []string) (models.OverviewSnapshot, error) {
	if len(rec) != len(overviewHeader) {
		return models.OverviewSnapshot{}, fmt.Errorf("expected %d columns, got %d", len(overviewHeader), len(rec))
	}

	var snap models.OverviewSnapshot
	var err error
	if snap.PCR, err = strconv.ParseFloat(rec[0], 64); err != nil {
		return snap, fmt.Errorf("pcr: %w", err)
	}
	if snap.DayWidth, err = strconv.ParseFloat(rec[1], 64); err != nil {
		return snap, fmt.Errorf("day_width: %w", err)
	}
	if snap.ATMStrike, err = strconv.ParseFloat(rec[2], 64); err != nil {
		return snap, fmt.Errorf("atm_strike: %w", err)
	}
	if snap.CoverageExpected, err = strconv.Atoi(rec[3]); err != nil {
		return snap, fmt.Errorf("coverage_expected: %w", err)
	}
	if snap.CoverageCollected, err = strconv.Atoi(rec[4]); err != nil {
		return snap, fmt.Errorf("coverage_collected: %w", err)
	}
	if snap.CoverageMissing, err = strconv.Atoi(rec[5]); err != nil {
		return snap, fmt.Errorf("coverage_missing: %w", err)
	}
	if snap.PrevClose, err = models.ParseOptFloat(rec[6]); err != nil {
		return snap, fmt.Errorf("prev_close: %w", err)
	}
	if snap.NetChange, err = models.ParseOptFloat(rec[7]); err != nil {
		return snap, fmt.Errorf("net_change: %w", err)
	}
	if snap.PctChange, err = models.ParseOptFloat(rec[8]); err != nil {
		return snap, fmt.Errorf("pct_change: %w", err)
	}
	if snap.LastUpdate, err = time.Parse(time.RFC3339, rec[9]); err != nil {
		return snap, fmt.Errorf("last_update_timestamp: %w", err)
	}
	return snap, nil
}

func encodeClose(entry models.SessionClose) []string {
	return []string{
		entry.Date,
		formatFloat(entry.Close),
		entry.RecordedAt.Format(rowTimestampLayout),
	}
}

func decodeClose(rec []string) (models.SessionClose, error) {
	if len(rec) != len(closeHeader) {
		return models.SessionClose{}, fmt.Errorf("expected %d columns, got %d", len(closeHeader), len(rec))
	}
	closeVal, err := strconv.ParseFloat(rec[1], 64)
	if err != nil {
		return models.SessionClose{}, fmt.Errorf("close: %w", err)
	}
	recordedAt, err := time.Parse(time.RFC3339, rec[2])
	if err != nil {
		return models.SessionClose{}, fmt.Errorf("recorded_at: %w", err)
	}
	return models.SessionClose{Date: rec[0], Close: closeVal, RecordedAt: recordedAt}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
