package batcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"optionflow/config"
	"optionflow/internal/metrics"
	"optionflow/models"
	"optionflow/writer"
)

func testConfig(baseDir string) *config.Config {
	return &config.Config{
		Batcher: config.BatcherConfig{
			MinFlushSize:  50,
			MaxBufferSize: 500,
			MaxAge:        30 * time.Second,
			FlushInterval: time.Second,
		},
		Writer: config.WriterConfig{BaseDir: baseDir, Fsync: false},
	}
}

func newTestBatcher(t *testing.T, cfg *config.Config) (*Batcher, *writer.FileWriter) {
	t.Helper()
	fw := writer.NewFileWriter(cfg.Writer)
	return NewBatcher(cfg, fw, metrics.Nop()), fw
}

func testKey() models.BatchKey {
	return models.BatchKey{Index: "NIFTY", ExpiryCode: models.ExpiryThisWeek, SessionDate: "2025-04-08"}
}

func testRow(strike float64, seq int) models.QuoteRow {
	base := time.Date(2025, 4, 8, 10, 0, 0, 0, time.UTC)
	return models.QuoteRow{
		Index:      "NIFTY",
		Strike:     strike,
		Kind:       models.KindCall,
		ExpiryDate: time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC),
		ExpiryCode: models.ExpiryThisWeek,
		Timestamp:  base.Add(time.Duration(seq) * time.Millisecond),
		LastPrice:  100,
		Volume:     10,
	}
}

func TestMaybeFlushBelowMinimumIsNoop(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b, fw := newTestBatcher(t, cfg)
	key := testKey()

	for i := 0; i < 49; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}

	res, err := b.MaybeFlush(key, false)
	if err != nil {
		t.Fatalf("maybe flush failed: %v", err)
	}
	if res != nil {
		t.Fatalf("49 < 50 must not flush, got %+v", res)
	}
	if b.BufferedRows(key) != 49 {
		t.Errorf("buffer must keep its rows, got %d", b.BufferedRows(key))
	}
	if fw.Exists(fw.RowPath(key)) {
		t.Error("no file may appear before the first flush")
	}
}

func TestForcedFlushWritesEverythingAndClears(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b, fw := newTestBatcher(t, cfg)
	key := testKey()

	for i := 0; i < 49; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}

	res, err := b.MaybeFlush(key, true)
	if err != nil {
		t.Fatalf("forced flush failed: %v", err)
	}
	if res == nil || res.Rows != 49 {
		t.Fatalf("expected 49 rows flushed, got %+v", res)
	}
	if res.FlushID == "" {
		t.Error("flush result must carry an id")
	}
	if b.BufferedRows(key) != 0 {
		t.Errorf("buffer must be empty after flush, got %d", b.BufferedRows(key))
	}

	rows, err := fw.ReadRows(fw.RowPath(key))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(rows) != 49 {
		t.Errorf("expected 49 rows on disk, got %d", len(rows))
	}
}

func TestFlushAtMinimumSize(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Batcher.MinFlushSize = 3
	b, _ := newTestBatcher(t, cfg)
	key := testKey()

	for i := 0; i < 3; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}
	res, err := b.MaybeFlush(key, false)
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if res == nil || res.Rows != 3 {
		t.Fatalf("minimum reached must flush, got %+v", res)
	}
}

func TestMaxBufferSizeForcesFlush(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Batcher.MinFlushSize = 100
	cfg.Batcher.MaxBufferSize = 5
	b, fw := newTestBatcher(t, cfg)
	key := testKey()

	for i := 0; i < 6; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer %d failed: %v", i, err)
		}
	}

	if got := b.BufferedRows(key); got != 1 {
		t.Errorf("cap breach must flush first, buffered %d", got)
	}
	rows, err := fw.ReadRows(fw.RowPath(key))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("expected the 5 capped rows on disk, got %d", len(rows))
	}
}

func TestFlushAllForcesEveryKey(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b, fw := newTestBatcher(t, cfg)

	keys := []models.BatchKey{
		{Index: "NIFTY", ExpiryCode: models.ExpiryThisWeek, SessionDate: "2025-04-08"},
		{Index: "NIFTY", ExpiryCode: models.ExpiryNextWeek, SessionDate: "2025-04-08"},
		{Index: "BANKNIFTY", ExpiryCode: models.ExpiryThisWeek, SessionDate: "2025-04-08"},
	}
	for _, key := range keys {
		for i := 0; i < 4; i++ {
			if err := b.Buffer(key, testRow(24500, i)); err != nil {
				t.Fatalf("buffer failed: %v", err)
			}
		}
	}

	results, err := b.FlushAll(true)
	if err != nil {
		t.Fatalf("flush all failed: %v", err)
	}
	if len(results) != len(keys) {
		t.Fatalf("expected %d flushes, got %d", len(keys), len(results))
	}
	if b.TotalBuffered() != 0 {
		t.Errorf("everything must be flushed, still buffered %d", b.TotalBuffered())
	}
	for _, key := range keys {
		rows, err := fw.ReadRows(fw.RowPath(key))
		if err != nil {
			t.Fatalf("read %s failed: %v", key.String(), err)
		}
		if len(rows) != 4 {
			t.Errorf("%s: expected 4 rows, got %d", key.String(), len(rows))
		}
	}
}

func TestRekeyMovesAndRewritesBufferedRows(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b, fw := newTestBatcher(t, cfg)

	oldKey := testKey()
	newKey := models.BatchKey{Index: "NIFTY", ExpiryCode: models.ExpiryNextWeek, SessionDate: "2025-04-08"}
	correctedDate := time.Date(2025, 4, 17, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := b.Buffer(oldKey, testRow(24500+float64(i)*50, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}

	moved := b.Rekey(oldKey, newKey, func(row models.QuoteRow) models.QuoteRow {
		return row.WithExpiry(correctedDate, models.ExpiryNextWeek)
	})
	if moved != 3 {
		t.Fatalf("expected 3 rows moved, got %d", moved)
	}
	if b.BufferedRows(oldKey) != 0 {
		t.Errorf("old buffer must be empty, got %d", b.BufferedRows(oldKey))
	}
	if b.BufferedRows(newKey) != 3 {
		t.Errorf("new buffer must hold the rows, got %d", b.BufferedRows(newKey))
	}

	if _, err := b.MaybeFlush(newKey, true); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	rows, err := fw.ReadRows(fw.RowPath(newKey))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	for _, row := range rows {
		if row.ExpiryCode != models.ExpiryNextWeek {
			t.Errorf("row not rewritten: %+v", row)
		}
		if !row.ExpiryDate.Equal(correctedDate) {
			t.Errorf("expiry date not propagated: %v", row.ExpiryDate)
		}
	}
}

func TestConcurrentBufferAndFlushSameKey(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Batcher.MinFlushSize = 10
	b, fw := newTestBatcher(t, cfg)
	key := testKey()

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := b.Buffer(key, testRow(24500, w*perWorker+i)); err != nil {
					t.Errorf("buffer failed: %v", err)
					return
				}
				if i%10 == 9 {
					if _, err := b.MaybeFlush(key, false); err != nil {
						t.Errorf("flush failed: %v", err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	if _, err := b.FlushAll(true); err != nil {
		t.Fatalf("final flush failed: %v", err)
	}
	rows, err := fw.ReadRows(fw.RowPath(key))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(rows) != workers*perWorker {
		t.Fatalf("expected %d rows, got %d", workers*perWorker, len(rows))
	}
}

func TestFlushErrorKeepsRowsBuffered(t *testing.T) {
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed blocker file: %v", err)
	}

	cfg := testConfig(filepath.Join(blocker, "base"))
	b, _ := newTestBatcher(t, cfg)
	key := testKey()

	for i := 0; i < 3; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}

	if _, err := b.MaybeFlush(key, true); err == nil {
		t.Fatal("expected flush error when the base dir is a file")
	}
	if b.BufferedRows(key) != 3 {
		t.Errorf("failed flush must keep rows buffered, got %d", b.BufferedRows(key))
	}
}

func TestClearAllDropsBuffersWithoutWriting(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b, fw := newTestBatcher(t, cfg)
	key := testKey()

	for i := 0; i < 5; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}
	b.ClearAll()
	if b.TotalBuffered() != 0 {
		t.Errorf("expected empty buffers, got %d", b.TotalBuffered())
	}
	if fw.Exists(fw.RowPath(key)) {
		t.Error("clear must not write anything")
	}
}

func TestFlushAgedForcesStaleBuffers(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b, fw := newTestBatcher(t, cfg)
	key := testKey()

	for i := 0; i < 3; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}

	b.flushAged(time.Now())
	if b.BufferedRows(key) != 3 {
		t.Fatalf("young buffer must not be age-flushed, got %d", b.BufferedRows(key))
	}

	b.flushAged(time.Now().Add(cfg.Batcher.MaxAge + time.Second))
	if b.BufferedRows(key) != 0 {
		t.Errorf("stale buffer must be flushed, got %d", b.BufferedRows(key))
	}
	rows, err := fw.ReadRows(fw.RowPath(key))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(rows))
	}
}

func TestStopFlushesRemainingRows(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b, fw := newTestBatcher(t, cfg)
	key := testKey()

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := b.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}

	for i := 0; i < 7; i++ {
		if err := b.Buffer(key, testRow(24500, i)); err != nil {
			t.Fatalf("buffer failed: %v", err)
		}
	}

	cancel()
	b.Stop()

	rows, err := fw.ReadRows(fw.RowPath(key))
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if len(rows) != 7 {
		t.Errorf("stop must force the final flush, got %d rows", len(rows))
	}
}
