package writer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"optionflow/config"
	"optionflow/models"
)

func newTestWriter(t *testing.T) *FileWriter {
	t.Helper()
	return NewFileWriter(config.WriterConfig{BaseDir: t.TempDir(), Fsync: false})
}

func testRow(strike float64, ts time.Time) models.QuoteRow {
	return models.QuoteRow{
		Index:        "NIFTY",
		Strike:       strike,
		Kind:         models.KindCall,
		RawExpiry:    "2025-04-10",
		ExpiryDate:   time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC),
		ExpiryCode:   models.ExpiryThisWeek,
		Timestamp:    ts,
		LastPrice:    101.5,
		OpenInterest: 12000,
		Volume:       450,
		Underlying:   24512.35,
		Greeks:       &models.RawGreeks{Delta: 0.52, Gamma: 0.0012, Theta: -4.1, Vega: 9.8, Rho: 0.3},
		StrikeOffset: 1,
	}
}

func TestAppendManyCreatesFileWithHeader(t *testing.T) {
	w := newTestWriter(t)
	target := w.RowPath(models.BatchKey{Index: "NIFTY", ExpiryCode: models.ExpiryThisWeek, SessionDate: "2025-04-08"})

	ts := time.Date(2025, 4, 8, 10, 30, 0, 0, time.UTC)
	rows := []models.QuoteRow{testRow(24500, ts), testRow(24550, ts.Add(time.Second))}
	if err := w.AppendMany(target, rows); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,strike,instrument_type,expiry_date,last_price") {
		t.Fatalf("unexpected header: %s", lines[0])
	}

	got, err := w.ReadRows(target)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Strike != 24500 || got[0].Kind != models.KindCall {
		t.Errorf("row 0 mismatch: %+v", got[0])
	}
	if !got[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp not preserved: got %v want %v", got[0].Timestamp, ts)
	}
	if got[0].Greeks == nil || got[0].Greeks.Theta != -4.1 {
		t.Errorf("greeks not preserved: %+v", got[0].Greeks)
	}
	if got[0].StrikeOffset != 1 {
		t.Errorf("strike offset not preserved: %d", got[0].StrikeOffset)
	}
}

func TestAppendWritesHeaderOnlyOnce(t *testing.T) {
	w := newTestWriter(t)
	target := filepath.Join(w.BaseDir(), "NIFTY", "this_week", "2025-04-08")

	ts := time.Date(2025, 4, 8, 10, 30, 0, 0, time.UTC)
	if err := w.Append(target, testRow(24500, ts)); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if err := w.AppendMany(target, []models.QuoteRow{testRow(24550, ts), testRow(24600, ts)}); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if n := strings.Count(string(raw), "timestamp,strike"); n != 1 {
		t.Fatalf("expected exactly one header, found %d", n)
	}
	rows, err := w.ReadRows(target)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
}

func TestAppendWithoutGreeks(t *testing.T) {
	w := newTestWriter(t)
	target := filepath.Join(w.BaseDir(), "rows")

	row := testRow(24500, time.Date(2025, 4, 8, 10, 30, 0, 0, time.UTC))
	row.Greeks = nil
	if err := w.Append(target, row); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	rows, err := w.ReadRows(target)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rows[0].Greeks != nil {
		t.Fatalf("expected absent greeks, got %+v", rows[0].Greeks)
	}
}

func TestConcurrentAppendsSameTarget(t *testing.T) {
	w := newTestWriter(t)
	target := filepath.Join(w.BaseDir(), "NIFTY", "this_week", "2025-04-08")

	const writers = 8
	const perWriter = 25
	base := time.Date(2025, 4, 8, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rows := make([]models.QuoteRow, 0, perWriter)
			for j := 0; j < perWriter; j++ {
				rows = append(rows, testRow(24000+float64(n*100+j)*50, base.Add(time.Duration(n*perWriter+j)*time.Millisecond)))
			}
			if err := w.AppendMany(target, rows); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}

	rows, err := w.ReadRows(target)
	if err != nil {
		t.Fatalf("decode after concurrent appends failed: %v", err)
	}
	if len(rows) != writers*perWriter {
		t.Fatalf("expected %d rows, got %d", writers*perWriter, len(rows))
	}
}

func TestWriteOverviewReplaces(t *testing.T) {
	w := newTestWriter(t)
	target := w.OverviewPath("NIFTY", models.ExpiryThisWeek)

	first := models.OverviewSnapshot{
		Index: "NIFTY", ExpiryCode: models.ExpiryThisWeek,
		PCR: 0.91, DayWidth: 312.5, ATMStrike: 24500,
		CoverageExpected: 5, CoverageCollected: 4, CoverageMissing: 1,
		LastUpdate: time.Date(2025, 4, 8, 10, 30, 0, 0, time.UTC),
	}
	if err := w.WriteOverview(target, first); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	second := first
	second.PCR = 1.07
	second.PrevClose = models.Float(24480.1)
	second.NetChange = models.Float(32.25)
	second.PctChange = models.Float(0.13)
	second.LastUpdate = first.LastUpdate.Add(30 * time.Second)
	if err := w.WriteOverview(target, second); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("overview must hold one snapshot, got %d lines", len(lines))
	}

	snap, err := w.ReadOverview(target)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.PCR != 1.07 {
		t.Errorf("expected replaced pcr 1.07, got %v", snap.PCR)
	}
	if !snap.PrevClose.Valid || snap.PrevClose.Value != 24480.1 {
		t.Errorf("prev close not preserved: %+v", snap.PrevClose)
	}
}

func TestOverviewAbsentChangeFieldsSerializeAsNA(t *testing.T) {
	w := newTestWriter(t)
	target := w.OverviewPath("BANKNIFTY", models.ExpiryThisMonth)

	snap := models.OverviewSnapshot{
		Index: "BANKNIFTY", ExpiryCode: models.ExpiryThisMonth,
		PCR: 0.8, ATMStrike: 51200, CoverageExpected: 3, CoverageCollected: 3,
		LastUpdate: time.Date(2025, 4, 8, 10, 30, 0, 0, time.UTC),
	}
	if err := w.WriteOverview(target, snap); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if !strings.Contains(string(raw), "NA,NA,NA") {
		t.Fatalf("expected NA markers for absent change fields, got: %s", raw)
	}

	got, err := w.ReadOverview(target)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.PrevClose.Valid || got.NetChange.Valid || got.PctChange.Valid {
		t.Errorf("expected absent change fields, got %+v", got)
	}
}

func TestCloseLedgerRoundTrip(t *testing.T) {
	w := newTestWriter(t)
	target := w.ClosePath("NIFTY", "2025-04-08")

	entry := models.SessionClose{
		Date:       "2025-04-08",
		Close:      24480.1,
		RecordedAt: time.Date(2025, 4, 8, 15, 30, 5, 0, time.UTC),
	}
	if err := w.WriteClose(target, entry); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := w.ReadClose(target)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Date != entry.Date || got.Close != entry.Close || !got.RecordedAt.Equal(entry.RecordedAt) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, entry)
	}
}

func TestQuarantineRoundTrip(t *testing.T) {
	w := newTestWriter(t)
	target := w.QuarantinePath("NIFTY", "2025-04-08")

	ts := time.Date(2025, 4, 8, 10, 30, 0, 0, time.UTC)
	rows := []models.QuoteRow{testRow(24500, ts), testRow(24550, ts)}
	if err := w.AppendQuarantined(target, models.QuarantineMixedExpiry, rows); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := w.ReadQuarantined(target)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 quarantined rows, got %d", len(got))
	}
	if got[0].Category != models.QuarantineMixedExpiry {
		t.Errorf("category not preserved: %s", got[0].Category)
	}
	if got[1].Row.Strike != 24550 {
		t.Errorf("row not preserved: %+v", got[1].Row)
	}
}

func TestReadMissingFileReturnsStorageError(t *testing.T) {
	w := newTestWriter(t)

	_, err := w.ReadRows(filepath.Join(w.BaseDir(), "NIFTY", "this_week", "2025-04-08"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %T: %v", err, err)
	}
	if serr.Op != "open" {
		t.Errorf("expected op open, got %s", serr.Op)
	}
	if !os.IsNotExist(serr.Err) {
		t.Errorf("expected wrapped not-exist cause, got %v", serr.Err)
	}
}

func TestExistsAndListFiles(t *testing.T) {
	w := newTestWriter(t)
	dir := filepath.Join(w.BaseDir(), "NIFTY", "closes")

	if w.Exists(filepath.Join(dir, "2025-04-08")) {
		t.Fatal("Exists must be false before any write")
	}
	names, err := w.ListFiles(dir)
	if err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("missing dir must list empty, got %v", names)
	}

	for _, date := range []string{"2025-04-08", "2025-04-04", "2025-04-07"} {
		entry := models.SessionClose{Date: date, Close: 24000, RecordedAt: time.Now().UTC()}
		if err := w.WriteClose(w.ClosePath("NIFTY", date), entry); err != nil {
			t.Fatalf("write %s failed: %v", date, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, tempPrefix+"leftover"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed temp file: %v", err)
	}

	names, err = w.ListFiles(dir)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"2025-04-04", "2025-04-07", "2025-04-08"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected sorted %v, got %v", want, names)
		}
	}
	if !w.Exists(w.ClosePath("NIFTY", "2025-04-08")) {
		t.Error("Exists must be true after write")
	}
}

func TestPathLayout(t *testing.T) {
	w := NewFileWriter(config.WriterConfig{BaseDir: "/data/optionflow"})

	if got := w.RowPath(models.BatchKey{Index: "NIFTY", ExpiryCode: models.ExpiryNextWeek, SessionDate: "2025-04-08"}); got != "/data/optionflow/NIFTY/next_week/2025-04-08" {
		t.Errorf("row path: %s", got)
	}
	if got := w.OverviewPath("NIFTY", models.ExpiryThisMonth); got != "/data/optionflow/NIFTY/this_month/overview" {
		t.Errorf("overview path: %s", got)
	}
	if got := w.QuarantinePath("BANKNIFTY", "2025-04-08"); got != "/data/optionflow/BANKNIFTY/quarantine/2025-04-08" {
		t.Errorf("quarantine path: %s", got)
	}
	if got := w.ClosePath("NIFTY", "2025-04-08"); got != "/data/optionflow/NIFTY/closes/2025-04-08" {
		t.Errorf("close path: %s", got)
	}
}
