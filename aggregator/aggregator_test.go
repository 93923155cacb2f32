package aggregator

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"optionflow/config"
	"optionflow/expiry"
	"optionflow/models"
	"optionflow/writer"
)

type captureTracker struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newCaptureTracker() *captureTracker {
	return &captureTracker{counts: make(map[string]float64)}
}

func (c *captureTracker) Increment(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name] += value
}

func (c *captureTracker) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name] = value
}

func (c *captureTracker) get(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func testConfig(baseDir string) *config.Config {
	return &config.Config{
		Aggregator: config.AggregatorConfig{
			Interval:         30 * time.Second,
			LookbackSessions: 5,
			Timezone:         "Asia/Kolkata",
		},
		Session: config.SessionConfig{Open: "09:15", Close: "15:30"},
		Writer:  config.WriterConfig{BaseDir: baseDir},
		Indices: []config.IndexConfig{
			{Name: "NIFTY", ExpectedExpiries: []string{"this_week"}, StrikeStep: 50, StrikeDepth: 2},
		},
	}
}

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}
	return loc
}

func newTestAggregator(t *testing.T, tracker *captureTracker) (*Aggregator, *writer.FileWriter) {
	t.Helper()
	cfg := testConfig(t.TempDir())
	fw := writer.NewFileWriter(cfg.Writer)
	cal := expiry.NewTradingCalendar("no-such-mic", ist(t))
	return NewAggregator(cfg, fw, cal, tracker), fw
}

func testSummary(t *testing.T, sessionDate string) models.CycleSummary {
	t.Helper()
	return models.CycleSummary{
		Index:       "NIFTY",
		ExpiryCode:  models.ExpiryThisWeek,
		SessionDate: sessionDate,
		Underlying:  24512.35,
		PutOI:       900000,
		CallOI:      1000000,
		Strikes:     []float64{24400, 24450, 24500, 24550},
		Timestamp:   time.Date(2025, 4, 8, 10, 30, 12, 0, ist(t)),
	}
}

func TestUpdateAndEmitWritesOverview(t *testing.T) {
	tracker := newCaptureTracker()
	a, fw := newTestAggregator(t, tracker)
	loc := ist(t)

	a.Update(testSummary(t, "2025-04-08"))
	now := time.Date(2025, 4, 8, 10, 30, 17, 0, loc)
	if n := a.MaybeEmit(now); n != 1 {
		t.Fatalf("expected 1 emission, got %d", n)
	}

	snap, err := fw.ReadOverview(fw.OverviewPath("NIFTY", models.ExpiryThisWeek))
	if err != nil {
		t.Fatalf("read overview: %v", err)
	}
	if snap.PCR != 0.9 {
		t.Errorf("pcr: got %v want 0.9", snap.PCR)
	}
	if snap.ATMStrike != 24500 {
		t.Errorf("atm: got %v", snap.ATMStrike)
	}
	// Ladder around 24500 with depth 2 is five strikes; 24600 was not seen.
	if snap.CoverageExpected != 5 || snap.CoverageCollected != 4 || snap.CoverageMissing != 1 {
		t.Errorf("coverage: %d/%d/%d", snap.CoverageExpected, snap.CoverageCollected, snap.CoverageMissing)
	}
	if snap.DayWidth != 0.2 {
		t.Errorf("day width at 10:30 of a 09:15-15:30 session: got %v", snap.DayWidth)
	}
	wantTs := time.Date(2025, 4, 8, 10, 30, 0, 0, loc)
	if !snap.LastUpdate.Equal(wantTs) {
		t.Errorf("timestamp must floor to the interval boundary: got %v want %v", snap.LastUpdate, wantTs)
	}
	if snap.PrevClose.Valid || snap.NetChange.Valid || snap.PctChange.Valid {
		t.Errorf("first session must have no-data change fields: %+v", snap)
	}
	if tracker.get("aggregation_data_gaps") != 1 {
		t.Errorf("gap counter: %v", tracker.get("aggregation_data_gaps"))
	}
	if tracker.get("overview_emits") != 1 {
		t.Errorf("emit counter: %v", tracker.get("overview_emits"))
	}
}

func TestEmitAtMostOncePerInterval(t *testing.T) {
	a, _ := newTestAggregator(t, newCaptureTracker())
	loc := ist(t)
	now := time.Date(2025, 4, 8, 10, 30, 0, 0, loc)

	a.Update(testSummary(t, "2025-04-08"))
	if n := a.MaybeEmit(now); n != 1 {
		t.Fatalf("first emit: got %d", n)
	}

	a.Update(testSummary(t, "2025-04-08"))
	if n := a.MaybeEmit(now.Add(time.Second)); n != 0 {
		t.Errorf("within interval must not emit, got %d", n)
	}
	if n := a.MaybeEmit(now.Add(31 * time.Second)); n != 1 {
		t.Errorf("past interval must emit, got %d", n)
	}
}

func TestEmitOnlyWhenDirty(t *testing.T) {
	a, _ := newTestAggregator(t, newCaptureTracker())
	loc := ist(t)
	now := time.Date(2025, 4, 8, 10, 30, 0, 0, loc)

	a.Update(testSummary(t, "2025-04-08"))
	if n := a.MaybeEmit(now); n != 1 {
		t.Fatalf("first emit: got %d", n)
	}
	if n := a.MaybeEmit(now.Add(time.Minute)); n != 0 {
		t.Errorf("nothing changed, expected no emission, got %d", n)
	}
}

func TestPrevCloseLookbackFindsLedgerEntry(t *testing.T) {
	a, fw := newTestAggregator(t, newCaptureTracker())
	loc := ist(t)

	prior := models.SessionClose{
		Date:       "2025-04-07",
		Close:      24480.1,
		RecordedAt: time.Date(2025, 4, 7, 15, 30, 0, 0, loc),
	}
	if err := fw.WriteClose(fw.ClosePath("NIFTY", "2025-04-07"), prior); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	a.Update(testSummary(t, "2025-04-08"))
	if n := a.MaybeEmit(time.Date(2025, 4, 8, 10, 30, 2, 0, loc)); n != 1 {
		t.Fatal("expected emission")
	}

	snap, err := fw.ReadOverview(fw.OverviewPath("NIFTY", models.ExpiryThisWeek))
	if err != nil {
		t.Fatalf("read overview: %v", err)
	}
	if !snap.PrevClose.Valid || snap.PrevClose.Value != 24480.1 {
		t.Fatalf("prev close: %+v", snap.PrevClose)
	}
	wantNet := 24512.35 - 24480.1
	if !snap.NetChange.Valid || snap.NetChange.Value != wantNet {
		t.Errorf("net change: %+v want %v", snap.NetChange, wantNet)
	}
	if !snap.PctChange.Valid {
		t.Error("pct change must be present")
	}
}

func TestPrevCloseLookbackSkipsWeekend(t *testing.T) {
	a, fw := newTestAggregator(t, newCaptureTracker())
	loc := ist(t)

	// Session is Monday 2025-04-07; the prior trading day is Friday the 4th.
	prior := models.SessionClose{
		Date:       "2025-04-04",
		Close:      24300,
		RecordedAt: time.Date(2025, 4, 4, 15, 30, 0, 0, loc),
	}
	if err := fw.WriteClose(fw.ClosePath("NIFTY", "2025-04-04"), prior); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	summary := testSummary(t, "2025-04-07")
	summary.Timestamp = time.Date(2025, 4, 7, 10, 30, 0, 0, loc)
	a.Update(summary)
	if n := a.MaybeEmit(time.Date(2025, 4, 7, 10, 30, 2, 0, loc)); n != 1 {
		t.Fatal("expected emission")
	}

	snap, err := fw.ReadOverview(fw.OverviewPath("NIFTY", models.ExpiryThisWeek))
	if err != nil {
		t.Fatalf("read overview: %v", err)
	}
	if !snap.PrevClose.Valid || snap.PrevClose.Value != 24300 {
		t.Errorf("prev close across the weekend: %+v", snap.PrevClose)
	}
}

func TestLookbackExhaustedEmitsExplicitNoData(t *testing.T) {
	tracker := newCaptureTracker()
	a, fw := newTestAggregator(t, tracker)
	loc := ist(t)

	a.Update(testSummary(t, "2025-04-08"))
	if n := a.MaybeEmit(time.Date(2025, 4, 8, 10, 30, 2, 0, loc)); n != 1 {
		t.Fatal("expected emission")
	}

	raw, err := os.ReadFile(fw.OverviewPath("NIFTY", models.ExpiryThisWeek))
	if err != nil {
		t.Fatalf("read overview bytes: %v", err)
	}
	if !strings.Contains(string(raw), "NA,NA,NA") {
		t.Errorf("change fields must serialize as NA, never zero: %s", raw)
	}
	if tracker.get("aggregation_data_gaps") != 1 {
		t.Errorf("gap counter: %v", tracker.get("aggregation_data_gaps"))
	}
}

func TestSessionRollResetsStateAndFindsPriorClose(t *testing.T) {
	a, fw := newTestAggregator(t, newCaptureTracker())
	loc := ist(t)

	a.Update(testSummary(t, "2025-04-08"))
	if n := a.MaybeEmit(time.Date(2025, 4, 8, 15, 29, 50, 0, loc)); n != 1 {
		t.Fatal("day 1 emission expected")
	}

	day2 := models.CycleSummary{
		Index:       "NIFTY",
		ExpiryCode:  models.ExpiryThisWeek,
		SessionDate: "2025-04-09",
		Underlying:  24600,
		PutOI:       500000,
		CallOI:      400000,
		Strikes:     []float64{24600},
		Timestamp:   time.Date(2025, 4, 9, 9, 20, 0, 0, loc),
	}
	a.Update(day2)
	if n := a.MaybeEmit(time.Date(2025, 4, 9, 9, 20, 30, 0, loc)); n != 1 {
		t.Fatal("day 2 emission expected")
	}

	snap, err := fw.ReadOverview(fw.OverviewPath("NIFTY", models.ExpiryThisWeek))
	if err != nil {
		t.Fatalf("read overview: %v", err)
	}
	// Day 1 close was recorded by the day 1 emission and must now be found.
	if !snap.PrevClose.Valid || snap.PrevClose.Value != 24512.35 {
		t.Errorf("prev close after roll: %+v", snap.PrevClose)
	}
	if snap.PCR != 1.25 {
		t.Errorf("day 2 pcr must not mix day 1 state: %v", snap.PCR)
	}
	// Only day 2's strike was seen this session.
	if snap.CoverageCollected != 1 {
		t.Errorf("coverage must reset on session roll: %+v", snap)
	}
}

func TestDayWidthBounds(t *testing.T) {
	a, _ := newTestAggregator(t, newCaptureTracker())
	loc := ist(t)

	cases := []struct {
		at   time.Time
		want float64
	}{
		{time.Date(2025, 4, 8, 9, 15, 0, 0, loc), 0},
		{time.Date(2025, 4, 8, 8, 0, 0, 0, loc), 0},
		{time.Date(2025, 4, 8, 15, 30, 0, 0, loc), 1},
		{time.Date(2025, 4, 8, 17, 0, 0, 0, loc), 1},
		{time.Date(2025, 4, 8, 10, 30, 0, 0, loc), 0.2},
	}
	for _, tc := range cases {
		if got := a.dayWidth(tc.at); got != tc.want {
			t.Errorf("dayWidth(%v) = %v, want %v", tc.at, got, tc.want)
		}
	}
}

func TestComputeCoverageInvariant(t *testing.T) {
	a, _ := newTestAggregator(t, newCaptureTracker())

	expected := []float64{24400, 24450, 24500, 24550, 24600}
	observed := []float64{24450, 24500, 99999}
	mask := a.ComputeCoverage(expected, observed)
	e, c, m := mask.Counts()
	if e != c+m {
		t.Errorf("invariant broken: %d != %d + %d", e, c, m)
	}
	for _, collected := range mask.Collected {
		for _, missing := range mask.Missing {
			if collected == missing {
				t.Errorf("strike %v in both collected and missing", collected)
			}
		}
	}
}
