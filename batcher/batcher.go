package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"optionflow/config"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/writer"
)

// Batcher buffers validated rows per BatchKey and flushes them through the
// writer. Each key has its own lock, so concurrent cycles on different keys
// never block each other while two flush attempts on one key cannot
// interleave. A buffer is only cleared after its rows are durably on disk;
// a failed flush leaves the rows buffered and escalates the error.
type Batcher struct {
	cfg     *config.Config
	writer  *writer.FileWriter
	tracker metrics.Tracker
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry

	buffersMu sync.Mutex
	buffers   map[models.BatchKey]*buffer

	flushesCompleted int64
	rowsFlushed      int64
	flushErrors      int64
}

type buffer struct {
	mu    sync.Mutex
	batch models.Batch
}

func (b *buffer) append(row models.QuoteRow, now time.Time) {
	if len(b.batch.Rows) == 0 {
		b.batch.CreatedAt = now
	}
	b.batch.Rows = append(b.batch.Rows, row)
	b.batch.LastAppend = now
}

func NewBatcher(cfg *config.Config, fw *writer.FileWriter, tracker metrics.Tracker) *Batcher {
	if tracker == nil {
		tracker = metrics.Nop()
	}
	return &Batcher{
		cfg:     cfg,
		writer:  fw,
		tracker: tracker,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger().WithComponent("batcher"),
		buffers: make(map[models.BatchKey]*buffer),
	}
}

func (b *Batcher) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("batcher already running")
	}
	b.running = true
	b.ctx = ctx
	b.mu.Unlock()

	b.log.WithFields(logger.Fields{
		"min_flush_size": b.cfg.Batcher.MinFlushSize,
		"max_buffer":     b.cfg.Batcher.MaxBufferSize,
		"max_age":        b.cfg.Batcher.MaxAge.String(),
	}).Info("starting batcher")

	b.wg.Add(1)
	go b.ageFlusher()
	b.wg.Add(1)
	go b.metricsReporter()
	return nil
}

// Stop performs the mandatory final forced flush and waits for workers.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	b.log.Info("stopping batcher")
	if _, err := b.FlushAll(true); err != nil {
		b.log.WithError(err).Error("final flush failed, buffered rows were not all persisted")
	}
	b.wg.Wait()
	b.log.Info("batcher stopped")
}

// Buffer adds one row under its key. When the buffer already holds the
// configured maximum it is flushed first, so the cap is never exceeded.
func (b *Batcher) Buffer(key models.BatchKey, row models.QuoteRow) error {
	buf := b.bufferFor(key)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if max := b.cfg.Batcher.MaxBufferSize; max > 0 && len(buf.batch.Rows) >= max {
		if _, err := b.flushLocked(key, buf, true); err != nil {
			return err
		}
	}
	buf.append(row, time.Now())
	return nil
}

// MaybeFlush flushes the key's buffer when it reached the minimum flush
// size, or unconditionally when force is set. A nil result means nothing
// was flushed.
func (b *Batcher) MaybeFlush(key models.BatchKey, force bool) (*models.FlushResult, error) {
	buf := b.lookup(key)
	if buf == nil {
		return nil, nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if len(buf.batch.Rows) == 0 {
		return nil, nil
	}
	if !force && len(buf.batch.Rows) < b.cfg.Batcher.MinFlushSize {
		return nil, nil
	}
	return b.flushLocked(key, buf, force)
}

// FlushAll flushes every non-empty buffer. Errors are collected so one
// failing key does not strand the rest.
func (b *Batcher) FlushAll(force bool) ([]models.FlushResult, error) {
	var results []models.FlushResult
	var errs []error
	for _, key := range b.keys() {
		res, err := b.MaybeFlush(key, force)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, errors.Join(errs...)
}

// ClearAll drops every buffer without writing. Test isolation only; the
// production shutdown path is FlushAll.
func (b *Batcher) ClearAll() {
	b.buffersMu.Lock()
	defer b.buffersMu.Unlock()
	b.buffers = make(map[models.BatchKey]*buffer)
}

// Rekey moves the rows buffered under oldKey to newKey, applying rewrite to
// each so a repaired expiry propagates to every row already routed under
// the stale key.
func (b *Batcher) Rekey(oldKey, newKey models.BatchKey, rewrite func(models.QuoteRow) models.QuoteRow) int {
	if oldKey == newKey {
		return 0
	}
	ob := b.lookup(oldKey)
	if ob == nil {
		return 0
	}
	nb := b.bufferFor(newKey)

	// Lock in key order so two opposing rekeys cannot deadlock.
	first, second := ob, nb
	if newKey.String() < oldKey.String() {
		first, second = nb, ob
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	moved := len(ob.batch.Rows)
	if moved == 0 {
		return 0
	}
	now := time.Now()
	for _, row := range ob.batch.Rows {
		nb.append(rewrite(row), now)
	}
	ob.batch.Rows = nil

	b.log.WithFields(logger.Fields{
		"old_key": oldKey.String(),
		"new_key": newKey.String(),
		"rows":    moved,
	}).Warn("rekeyed buffered rows after expiry correction")
	return moved
}

// BufferedRows returns the number of rows currently buffered under key.
func (b *Batcher) BufferedRows(key models.BatchKey) int {
	buf := b.lookup(key)
	if buf == nil {
		return 0
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.batch.Rows)
}

// TotalBuffered returns the number of rows buffered across all keys.
func (b *Batcher) TotalBuffered() int {
	total := 0
	for _, key := range b.keys() {
		total += b.BufferedRows(key)
	}
	return total
}

func (b *Batcher) bufferFor(key models.BatchKey) *buffer {
	b.buffersMu.Lock()
	defer b.buffersMu.Unlock()
	buf, ok := b.buffers[key]
	if !ok {
		buf = &buffer{batch: models.Batch{Key: key}}
		b.buffers[key] = buf
	}
	return buf
}

func (b *Batcher) lookup(key models.BatchKey) *buffer {
	b.buffersMu.Lock()
	defer b.buffersMu.Unlock()
	return b.buffers[key]
}

func (b *Batcher) keys() []models.BatchKey {
	b.buffersMu.Lock()
	defer b.buffersMu.Unlock()
	keys := make([]models.BatchKey, 0, len(b.buffers))
	for key := range b.buffers {
		keys = append(keys, key)
	}
	return keys
}

// flushLocked writes the buffered rows and clears the buffer on success.
// The caller holds the buffer lock.
func (b *Batcher) flushLocked(key models.BatchKey, buf *buffer, forced bool) (*models.FlushResult, error) {
	start := time.Now()
	target := b.writer.RowPath(key)
	rows := buf.batch.Rows

	if err := b.writer.AppendMany(target, rows); err != nil {
		atomic.AddInt64(&b.flushErrors, 1)
		b.tracker.Increment(metrics.MetricFlushErrors, 1, map[string]string{
			"component": "batcher",
			"index":     key.Index,
		})
		b.log.WithError(err).WithFields(logger.Fields{
			"key":  key.String(),
			"rows": len(rows),
		}).Error("flush failed, rows stay buffered")
		return nil, fmt.Errorf("flush %s: %w", key.String(), err)
	}

	buf.batch.Rows = nil
	buf.batch.CreatedAt = time.Time{}
	buf.batch.LastAppend = time.Time{}

	result := &models.FlushResult{
		FlushID:  uuid.New().String(),
		Key:      key,
		Rows:     len(rows),
		Path:     target,
		Duration: time.Since(start),
	}
	atomic.AddInt64(&b.flushesCompleted, 1)
	atomic.AddInt64(&b.rowsFlushed, int64(result.Rows))
	logger.IncrementRowsWritten(result.Rows)

	labels := map[string]string{
		"component":   "batcher",
		"index":       key.Index,
		"expiry_code": string(key.ExpiryCode),
	}
	b.tracker.Increment(metrics.MetricRowsFlushed, float64(result.Rows), labels)
	if forced {
		b.tracker.Increment(metrics.MetricForcedFlushes, 1, labels)
	}
	b.log.WithFields(logger.Fields{
		"flush_id":    result.FlushID,
		"key":         key.String(),
		"rows":        result.Rows,
		"forced":      forced,
		"duration_ms": result.Duration.Milliseconds(),
	}).Debug("flushed batch")
	return result, nil
}

// ageFlusher forces out buffers that sat below the minimum flush size for
// longer than the configured maximum age.
func (b *Batcher) ageFlusher() {
	defer b.wg.Done()

	interval := b.cfg.Batcher.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case now := <-ticker.C:
			b.flushAged(now)
		}
	}
}

func (b *Batcher) flushAged(now time.Time) {
	maxAge := b.cfg.Batcher.MaxAge
	if maxAge <= 0 {
		return
	}
	for _, key := range b.keys() {
		buf := b.lookup(key)
		if buf == nil {
			continue
		}
		buf.mu.Lock()
		if len(buf.batch.Rows) > 0 && now.Sub(buf.batch.CreatedAt) >= maxAge {
			_, err := b.flushLocked(key, buf, true)
			_ = err // already logged and counted
		}
		buf.mu.Unlock()
	}
}

func (b *Batcher) metricsReporter() {
	defer b.wg.Done()

	gaugeTicker := time.NewTicker(10 * time.Second)
	defer gaugeTicker.Stop()
	reportTicker := time.NewTicker(30 * time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-gaugeTicker.C:
			b.tracker.SetGauge(metrics.MetricBufferedRows, float64(b.TotalBuffered()), map[string]string{
				"component": "batcher",
			})
		case <-reportTicker.C:
			metrics.ReportStorage(logger.GetLogger(), "batcher", metrics.StorageStats{
				FlushesCompleted: atomic.LoadInt64(&b.flushesCompleted),
				RowsFlushed:      atomic.LoadInt64(&b.rowsFlushed),
				ErrorsCount:      atomic.LoadInt64(&b.flushErrors),
				ActiveBatches:    len(b.keys()),
				BufferedRows:     b.TotalBuffered(),
			})
		}
	}
}
